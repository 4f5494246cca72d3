package relay

import (
	"encoding/binary"
	"net"
)

// Interface is a declared local interface descriptor: immutable after
// startup, with the configured broadcast address taken as authoritative
// rather than derived from LocalIP/Mask.
type Interface struct {
	// LocalIP is the interface's own address on this subnet.
	LocalIP net.IP

	// Broadcast is the subnet's broadcast address, as configured. It is
	// expected (but not enforced) to equal LocalIP | ^Mask.
	Broadcast net.IP

	// Mask is the subnet mask.
	Mask net.IPMask
}

// Contains reports whether ip belongs to this interface's subnet:
// ip & mask == local_ip & mask.
func (i Interface) Contains(ip net.IP) bool {
	a := ip.To4()
	b := i.LocalIP.To4()
	if a == nil || b == nil || len(i.Mask) != net.IPv4len {
		return false
	}
	for n := 0; n < net.IPv4len; n++ {
		if a[n]&i.Mask[n] != b[n]&i.Mask[n] {
			return false
		}
	}
	return true
}

// MatchInterface returns the declared interface whose subnet contains ip,
// and true, or the zero value and false if none matches.
func MatchInterface(ip net.IP, ifaces []Interface) (Interface, bool) {
	for _, iface := range ifaces {
		if iface.Contains(ip) {
			return iface, true
		}
	}
	return Interface{}, false
}

// LocalIPSet is a fixed set of the declared local interface addresses,
// used for loop suppression: a datagram whose original source is one of
// the relay's own addresses is never re-forwarded.
type LocalIPSet struct {
	ips map[uint32]struct{}
}

// NewLocalIPSet builds a LocalIPSet from the configured interfaces.
func NewLocalIPSet(ifaces []Interface) LocalIPSet {
	set := LocalIPSet{ips: make(map[uint32]struct{}, len(ifaces))}
	for _, iface := range ifaces {
		if v4 := iface.LocalIP.To4(); v4 != nil {
			set.ips[binary.BigEndian.Uint32(v4)] = struct{}{}
		}
	}
	return set
}

// Contains reports whether ip is one of the relay's own local addresses.
func (s LocalIPSet) Contains(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	_, ok := s.ips[binary.BigEndian.Uint32(v4)]
	return ok
}
