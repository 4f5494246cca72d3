//go:build linux

package netio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// RawSocket — IP_HDRINCL raw emitter
// -------------------------------------------------------------------------

// RawSocket is a raw AF_INET/SOCK_RAW/IPPROTO_UDP socket with IP_HDRINCL
// and SO_BROADCAST set. The caller supplies the complete IPv4+UDP
// datagram (see internal/relay.BuildDatagram); the kernel neither
// rewrites the source address nor recomputes checksums.
//
// Creation requires CAP_NET_RAW (or root); failure here is fatal to the
// relay.
type RawSocket struct {
	fd     int
	mu     sync.Mutex
	closed bool
}

// NewRawSocket creates and configures the relay's single raw IPv4 socket.
func NewRawSocket() (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set IP_HDRINCL: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set SO_BROADCAST: %w", err)
	}

	return &RawSocket{fd: fd}, nil
}

// Send transmits a pre-built IPv4+UDP datagram to dst. The kernel ignores
// the sockaddr's port for a raw socket; the datagram's own UDP header
// carries the real destination port.
func (s *RawSocket) Send(dst net.IP, datagram []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("raw send to %s: %w", dst, ErrSocketClosed)
	}

	ip4 := dst.To4()
	if ip4 == nil {
		return fmt.Errorf("raw send: %s is not an IPv4 address", dst)
	}

	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip4)

	if err := unix.Sendto(s.fd, datagram, 0, &sa); err != nil {
		return fmt.Errorf("raw sendto %s: %w: %w", dst, err, ErrRawSend)
	}

	return nil
}

// Close releases the raw socket.
func (s *RawSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("close raw socket: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// ListenerSocket construction — bind + multicast join
// -------------------------------------------------------------------------

// NewListenerSocket binds a UDP socket to the wildcard address on port,
// with SO_REUSEADDR and SO_BROADCAST set, and joins mcastGroup (if any)
// on every interface in ifaceIPs (one IP_ADD_MEMBERSHIP membership per
// interface).
func NewListenerSocket(port uint16, mcastGroup net.IP, ifaceIPs []net.IP) (*ListenerSocket, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setListenerSockOpts(int(fd)) //nolint:gosec // G115: kernel FDs fit int
			})
			if err != nil {
				return fmt.Errorf("raw conn control: %w", err)
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind udp4 :%d: %w", port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("bind udp4 :%d: %w: %w", port, ErrUnexpectedConnType, closeErr)
	}

	if mcastGroup != nil {
		if err := joinMulticastGroups(conn, mcastGroup, ifaceIPs); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return &ListenerSocket{conn: conn}, nil
}

func setListenerSockOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		return fmt.Errorf("set SO_BROADCAST: %w", err)
	}
	return nil
}

// joinMulticastGroups joins mcastGroup on each declared interface, one
// IP_ADD_MEMBERSHIP per interface, using golang.org/x/net/ipv4's
// JoinGroup.
func joinMulticastGroups(conn *net.UDPConn, mcastGroup net.IP, ifaceIPs []net.IP) error {
	pconn := ipv4.NewPacketConn(conn)
	mcastAddr := &net.UDPAddr{IP: mcastGroup}

	for _, ip := range ifaceIPs {
		iface, err := interfaceForIP(ip)
		if err != nil {
			return fmt.Errorf("join multicast %s: %w", mcastGroup, err)
		}
		if err := pconn.JoinGroup(iface, mcastAddr); err != nil {
			return fmt.Errorf("join multicast %s on %s: %w", mcastGroup, iface.Name, err)
		}
	}
	return nil
}

// interfaceForIP finds the *net.Interface owning ip, by matching its
// configured addresses. Interfaces are declared in configuration, not
// discovered dynamically, so this is a small, static lookup at startup
// rather than a kernel watch.
func interfaceForIP(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if ok && ipNet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}

	return nil, fmt.Errorf("no local interface owns %s", ip)
}
