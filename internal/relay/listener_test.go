package relay_test

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/simonefil/RoonBroadcastRelay/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustIface(t *testing.T, localIP, broadcast, mask string) relay.Interface {
	t.Helper()
	return relay.Interface{
		LocalIP:   net.ParseIP(localIP).To4(),
		Broadcast: net.ParseIP(broadcast).To4(),
		Mask:      mustMask(t, mask),
	}
}

// TestListenerLoopGuardDropsOwnAddress verifies a datagram whose sender is
// one of the relay's own declared local addresses is dropped before any
// fan-out, so the relay never re-forwards its own announcement.
func TestListenerLoopGuardDropsOwnAddress(t *testing.T) {
	t.Parallel()

	ifaceA := mustIface(t, "172.16.0.1", "172.16.0.255", "255.255.255.0")
	socket := newMockListenerConn()
	raw := newMockRawSender()
	metrics := newMockMetrics()

	ln := relay.NewListener(relay.ListenerConfig{
		Protocol:   relay.RAAT,
		Socket:     socket,
		Raw:        raw,
		Interfaces: []relay.Interface{ifaceA},
		LocalIPs:   relay.NewLocalIPSet([]relay.Interface{ifaceA}),
		Dedup:      relay.NewDedupWindow(relay.DefaultDedupWindow),
		Metrics:    metrics,
		Logger:     testLogger(),
	})

	ln.HandleDatagram([]byte("announce"), &net.UDPAddr{IP: net.ParseIP("172.16.0.1"), Port: 9003})

	if got := raw.Sent(); len(got) != 0 {
		t.Errorf("raw sends = %d, want 0", len(got))
	}
	if got := socket.Written(); len(got) != 0 {
		t.Errorf("native writes = %d, want 0", len(got))
	}
	if metrics.countDropped("RAAT/loopback") != 1 {
		t.Errorf("loopback drop not recorded: dropped = %v", metrics.Dropped())
	}
}

// TestListenerUnknownSourceDropped verifies a datagram from a sender that
// is neither on a declared interface's subnet nor a configured unicast
// target is dropped without any fan-out.
func TestListenerUnknownSourceDropped(t *testing.T) {
	t.Parallel()

	ifaceA := mustIface(t, "172.16.0.1", "172.16.0.255", "255.255.255.0")
	socket := newMockListenerConn()
	raw := newMockRawSender()
	metrics := newMockMetrics()

	ln := relay.NewListener(relay.ListenerConfig{
		Protocol:   relay.SSDP,
		Socket:     socket,
		Raw:        raw,
		Interfaces: []relay.Interface{ifaceA},
		LocalIPs:   relay.NewLocalIPSet([]relay.Interface{ifaceA}),
		Dedup:      relay.NewDedupWindow(relay.DefaultDedupWindow),
		Metrics:    metrics,
		Logger:     testLogger(),
	})

	ln.HandleDatagram([]byte("ssdp"), &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1900})

	if got := raw.Sent(); len(got) != 0 {
		t.Errorf("raw sends = %d, want 0", len(got))
	}
	if metrics.countDropped("SSDP/unknown_source") != 1 {
		t.Errorf("unknown_source drop not recorded: dropped = %v", metrics.Dropped())
	}
}

// TestListenerInterfaceOriginExcludesSourceInterface verifies a datagram
// that arrived natively on one declared interface is retransmitted on
// every other declared interface but never echoed back onto its own.
func TestListenerInterfaceOriginExcludesSourceInterface(t *testing.T) {
	t.Parallel()

	ifaceA := mustIface(t, "172.16.0.1", "172.16.0.255", "255.255.255.0")
	ifaceB := mustIface(t, "172.16.1.1", "172.16.1.255", "255.255.255.0")
	socket := newMockListenerConn()
	raw := newMockRawSender()
	metrics := newMockMetrics()

	ln := relay.NewListener(relay.ListenerConfig{
		Protocol:   relay.Squeezebox,
		Socket:     socket,
		Raw:        raw,
		Interfaces: []relay.Interface{ifaceA, ifaceB},
		LocalIPs:   relay.NewLocalIPSet([]relay.Interface{ifaceA, ifaceB}),
		Dedup:      relay.NewDedupWindow(relay.DefaultDedupWindow),
		Metrics:    metrics,
		Logger:     testLogger(),
	})

	// Sender is on ifaceA's subnet: native origin, no spoofing.
	ln.HandleDatagram([]byte("slim"), &net.UDPAddr{IP: net.ParseIP("172.16.0.55"), Port: 3483})

	written := socket.Written()
	if len(written) != 1 {
		t.Fatalf("native writes = %d, want 1 (only ifaceB's broadcast)", len(written))
	}
	if !written[0].Dst.IP.Equal(ifaceB.Broadcast) {
		t.Errorf("native write dst = %v, want ifaceB broadcast %v", written[0].Dst.IP, ifaceB.Broadcast)
	}
	if got := raw.Sent(); len(got) != 0 {
		t.Errorf("raw sends = %d, want 0 (native origin never spoofs)", len(got))
	}
}

// TestListenerUnicastOriginFansOutToEveryOtherInterfaceOnce is the
// regression test for the dedup-per-interface bug: a unicast-origin
// datagram (no matching source interface) must be spoofed-emitted on
// every declared interface exactly once, not just the first.
func TestListenerUnicastOriginFansOutToEveryOtherInterfaceOnce(t *testing.T) {
	t.Parallel()

	ifaceA := mustIface(t, "172.16.0.1", "172.16.0.255", "255.255.255.0")
	ifaceB := mustIface(t, "172.16.1.1", "172.16.1.255", "255.255.255.0")
	socket := newMockListenerConn()
	raw := newMockRawSender()
	metrics := newMockMetrics()

	sender := net.ParseIP("10.9.9.9") // off-subnet unicast peer
	ln := relay.NewListener(relay.ListenerConfig{
		Protocol:       relay.RAAT,
		Socket:         socket,
		Raw:            raw,
		Interfaces:     []relay.Interface{ifaceA, ifaceB},
		LocalIPs:       relay.NewLocalIPSet([]relay.Interface{ifaceA, ifaceB}),
		UnicastTargets: []net.IP{sender},
		Dedup:          relay.NewDedupWindow(relay.DefaultDedupWindow),
		Metrics:        metrics,
		Logger:         testLogger(),
	})

	ln.HandleDatagram([]byte("raat"), &net.UDPAddr{IP: sender, Port: 54321})

	// RAAT uses both broadcast and multicast, so 2 raw emissions per
	// declared interface; with 2 interfaces and neither excluded (no
	// source interface matched), that is 4 total.
	sent := raw.Sent()
	if len(sent) != 4 {
		t.Fatalf("raw sends = %d, want 4 (2 interfaces x broadcast+multicast)", len(sent))
	}

	if metrics.countDropped("RAAT/dedup") != 0 {
		t.Errorf("dedup drops = %d, want 0 on the first datagram from this source port", metrics.countDropped("RAAT/dedup"))
	}
}

// TestListenerDedupSuppressesRepeatWithinWindow verifies a second
// unicast-origin datagram from the same source port within the dedup
// window is suppressed on every interface, and none the first time.
func TestListenerDedupSuppressesRepeatWithinWindow(t *testing.T) {
	t.Parallel()

	ifaceA := mustIface(t, "172.16.0.1", "172.16.0.255", "255.255.255.0")
	ifaceB := mustIface(t, "172.16.1.1", "172.16.1.255", "255.255.255.0")
	socket := newMockListenerConn()
	raw := newMockRawSender()
	metrics := newMockMetrics()

	sender := net.ParseIP("10.9.9.9")
	ln := relay.NewListener(relay.ListenerConfig{
		Protocol:       relay.RAAT,
		Socket:         socket,
		Raw:            raw,
		Interfaces:     []relay.Interface{ifaceA, ifaceB},
		LocalIPs:       relay.NewLocalIPSet([]relay.Interface{ifaceA, ifaceB}),
		UnicastTargets: []net.IP{sender},
		Dedup:          relay.NewDedupWindow(100 * time.Millisecond),
		Metrics:        metrics,
		Logger:         testLogger(),
	})

	addr := &net.UDPAddr{IP: sender, Port: 54321}
	ln.HandleDatagram([]byte("raat"), addr)
	ln.HandleDatagram([]byte("raat-echo"), addr)

	if got := len(raw.Sent()); got != 4 {
		t.Errorf("raw sends after two calls = %d, want 4 (only the first datagram forwards)", got)
	}
	if got := metrics.countDropped("RAAT/dedup"); got != 2 {
		t.Errorf("dedup drops = %d, want 2 (one per interface on the repeat datagram)", got)
	}
}

// TestListenerProtocolIsolation verifies metrics and forwarding are
// labeled with the listener's own protocol, independent of other
// protocols' state.
func TestListenerProtocolIsolation(t *testing.T) {
	t.Parallel()

	ifaceA := mustIface(t, "172.16.0.1", "172.16.0.255", "255.255.255.0")
	ifaceB := mustIface(t, "172.16.1.1", "172.16.1.255", "255.255.255.0")
	localIPs := relay.NewLocalIPSet([]relay.Interface{ifaceA, ifaceB})

	sender := net.ParseIP("10.9.9.9")

	airplayMetrics := newMockMetrics()
	airplayRaw := newMockRawSender()
	airplay := relay.NewListener(relay.ListenerConfig{
		Protocol:       relay.AirPlay,
		Socket:         newMockListenerConn(),
		Raw:            airplayRaw,
		Interfaces:     []relay.Interface{ifaceA, ifaceB},
		LocalIPs:       localIPs,
		UnicastTargets: []net.IP{sender},
		Dedup:          relay.NewDedupWindow(relay.DefaultDedupWindow),
		Metrics:        airplayMetrics,
		Logger:         testLogger(),
	})

	ssdpMetrics := newMockMetrics()
	ssdpRaw := newMockRawSender()
	ssdp := relay.NewListener(relay.ListenerConfig{
		Protocol:       relay.SSDP,
		Socket:         newMockListenerConn(),
		Raw:            ssdpRaw,
		Interfaces:     []relay.Interface{ifaceA, ifaceB},
		LocalIPs:       localIPs,
		UnicastTargets: []net.IP{sender},
		Dedup:          relay.NewDedupWindow(relay.DefaultDedupWindow),
		Metrics:        ssdpMetrics,
		Logger:         testLogger(),
	})

	airplay.HandleDatagram([]byte("bonjour"), &net.UDPAddr{IP: sender, Port: 5353})

	if len(ssdpRaw.Sent()) != 0 {
		t.Error("SSDP listener's raw sender received a packet meant for AirPlay")
	}
	for _, f := range airplayMetrics.Forwarded() {
		if f[:7] != "AirPlay" {
			t.Errorf("forwarded label %q does not start with AirPlay", f)
		}
	}

	beforeSSDP := len(airplayRaw.Sent())
	ssdp.HandleDatagram([]byte("notify"), &net.UDPAddr{IP: sender, Port: 1900})
	if got := len(airplayRaw.Sent()); got != beforeSSDP {
		t.Errorf("AirPlay raw sends changed after an unrelated SSDP datagram: got %d, want %d", got, beforeSSDP)
	}
}

// TestListenerTunnelFanOutForwardsOriginalSender verifies a tunnel is
// invoked with the datagram's original (unspoofed) sender address and
// port whenever a tunnel is configured.
func TestListenerTunnelFanOutForwardsOriginalSender(t *testing.T) {
	t.Parallel()

	ifaceA := mustIface(t, "172.16.0.1", "172.16.0.255", "255.255.255.0")
	tunnel := newMockTunnelSender()

	ln := relay.NewListener(relay.ListenerConfig{
		Protocol:   relay.RAAT,
		Socket:     newMockListenerConn(),
		Raw:        newMockRawSender(),
		Interfaces: []relay.Interface{ifaceA},
		LocalIPs:   relay.NewLocalIPSet([]relay.Interface{ifaceA}),
		Dedup:      relay.NewDedupWindow(relay.DefaultDedupWindow),
		Tunnel:     tunnel,
		Metrics:    newMockMetrics(),
		Logger:     testLogger(),
	})

	ln.HandleDatagram([]byte("raat"), &net.UDPAddr{IP: net.ParseIP("172.16.0.77"), Port: 6000})

	sent := tunnel.Sent()
	if len(sent) != 1 {
		t.Fatalf("tunnel sends = %d, want 1", len(sent))
	}
	if !sent[0].SrcIP.Equal(net.ParseIP("172.16.0.77")) {
		t.Errorf("tunnel SrcIP = %v, want 172.16.0.77", sent[0].SrcIP)
	}
	if sent[0].SrcPort != 6000 {
		t.Errorf("tunnel SrcPort = %d, want 6000", sent[0].SrcPort)
	}
	if sent[0].DstPort != relay.RAAT.Port {
		t.Errorf("tunnel DstPort = %d, want %d", sent[0].DstPort, relay.RAAT.Port)
	}
}
