// Package relay implements the packet-forwarding engine: per-protocol
// UDP listeners, loop/duplicate suppression, the raw-packet emitter that
// forges IP+UDP headers with a spoofed source address, and the
// inter-site tunnel.
package relay

import "net"

// Protocol describes one of the fixed, built-in discovery protocols.
// The four descriptors below are constants; there is no mechanism to
// declare additional protocols at runtime.
type Protocol struct {
	// Name identifies the protocol in logs and metrics labels.
	Name string

	// Port is the well-known UDP port the protocol listener binds to,
	// and the destination port used for forwarded traffic.
	Port uint16

	// MulticastGroup is the protocol's multicast group, or nil if the
	// protocol is broadcast-only (Squeezebox).
	MulticastGroup net.IP

	// TTL is the IPv4 TTL stamped on every raw-emitted datagram for this
	// protocol.
	TTL uint8

	// UseBroadcast indicates whether forwarded copies are also sent to
	// each interface's broadcast address.
	UseBroadcast bool
}

// Built-in protocol descriptors.
var (
	RAAT = Protocol{
		Name:           "RAAT",
		Port:           9003,
		MulticastGroup: net.IPv4(239, 255, 90, 90),
		TTL:            64,
		UseBroadcast:   true,
	}

	AirPlay = Protocol{
		Name:           "AirPlay",
		Port:           5353,
		MulticastGroup: net.IPv4(224, 0, 0, 251),
		TTL:            255,
		UseBroadcast:   false,
	}

	SSDP = Protocol{
		Name:           "SSDP",
		Port:           1900,
		MulticastGroup: net.IPv4(239, 255, 255, 250),
		TTL:            4,
		UseBroadcast:   true,
	}

	Squeezebox = Protocol{
		Name:           "Squeezebox",
		Port:           3483,
		MulticastGroup: nil,
		TTL:            64,
		UseBroadcast:   true,
	}
)

// AllProtocols lists every built-in protocol in a stable order, used when
// the relay supervisor decides which protocols to enable from
// configuration.
func AllProtocols() []Protocol {
	return []Protocol{RAAT, AirPlay, SSDP, Squeezebox}
}
