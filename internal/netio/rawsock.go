package netio

import (
	"errors"
	"net"
)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrRawSend indicates the kernel refused a raw-socket datagram.
	ErrRawSend = errors.New("raw send failed")

	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrUnexpectedConnType indicates net.ListenPacket returned a
	// connection type other than *net.UDPConn.
	ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")
)

// -------------------------------------------------------------------------
// RawSender — spoofed-source emission
// -------------------------------------------------------------------------

// RawSender owns a raw IPv4/UDP socket with IP_HDRINCL and SO_BROADCAST
// set. It sends caller-built datagrams with an arbitrary source
// address, which is how the relay preserves a discovery announcement's
// original sender across a routed boundary.
//
// Implementations must tolerate concurrent Send calls: a single sendto()
// on Linux is atomic for datagrams below the path MTU, so no user-level
// lock is required by the interface contract.
type RawSender interface {
	// Send transmits a pre-built IPv4+UDP datagram (see
	// internal/relay.BuildDatagram) to dst. The destination port embedded
	// in the sockaddr is ignored by the kernel for a raw socket; the
	// datagram's own UDP header carries the real destination port.
	Send(dst net.IP, datagram []byte) error

	// Close releases the underlying socket.
	Close() error
}

// -------------------------------------------------------------------------
// ListenerConn / TunnelConn — injectable socket interfaces
// -------------------------------------------------------------------------

// ListenerConn is the socket surface a protocol listener and inbound
// tunnel delivery need: read and write UDP datagrams, and close.
// *ListenerSocket implements it; tests substitute a double to drive the
// forwarding logic without a real bound socket.
type ListenerConn interface {
	ReadFromUDP(buf []byte) (int, *net.UDPAddr, error)
	WriteToUDP(buf []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// TunnelConn is the socket surface the tunnel worker's own endpoint
// needs. *net.UDPConn implements it directly.
type TunnelConn interface {
	Read(buf []byte) (int, error)
	WriteToUDP(buf []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// -------------------------------------------------------------------------
// ListenerSocket — per-protocol UDP listener
// -------------------------------------------------------------------------

// ListenerSocket is the UDP socket owned by a single protocol listener:
// bound to the protocol's well-known port on the wildcard address, with
// SO_REUSEADDR and SO_BROADCAST set, optionally joined to a multicast
// group on every declared interface.
type ListenerSocket struct {
	conn *net.UDPConn
}

// LocalAddr returns the address the socket is bound to.
func (s *ListenerSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// ReadFromUDP reads a single datagram, returning its payload and sender.
func (s *ListenerSocket) ReadFromUDP(buf []byte) (int, *net.UDPAddr, error) {
	return s.conn.ReadFromUDP(buf)
}

// WriteToUDP sends buf to addr using the listener's own socket. The
// kernel selects the source address natively (no spoofing): used for
// same-subnet retransmits and unicast fan-out, where a routable native
// source is exactly what's wanted.
func (s *ListenerSocket) WriteToUDP(buf []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(buf, addr)
}

// Close releases the underlying socket.
func (s *ListenerSocket) Close() error {
	return s.conn.Close()
}
