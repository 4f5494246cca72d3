// Package netio provides the raw and UDP socket plumbing the relay uses
// to receive and forge link-local discovery traffic: a protocol listener
// socket (wildcard bind, multicast joins) and a raw IP_HDRINCL socket for
// source-spoofed emission.
package netio
