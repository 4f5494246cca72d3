package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/simonefil/RoonBroadcastRelay/internal/netio"
)

// recvBufferSize is the per-iteration receive buffer. Sized to accept
// the largest payload BuildDatagram will forge a header for.
const recvBufferSize = 4096

// TunnelSender is the narrow interface a Listener needs from the tunnel
// endpoint: enqueue an original sender and payload for delivery to the
// peer relay. Implemented by *TunnelWorker.
type TunnelSender interface {
	SendToTunnel(srcIP net.IP, srcPort, dstPort uint16, payload []byte) error
}

// ListenerMetrics is the narrow metrics interface a Listener reports
// through, kept separate from the concrete Prometheus collector so the
// relay package has no direct dependency on it.
type ListenerMetrics interface {
	IncForwarded(protocol, direction string)
	IncDropped(protocol, reason string)
}

// Listener runs the receive loop for one enabled protocol: it owns the
// protocol's bound UDP socket, classifies every arriving datagram, and
// drives the tunnel/unicast/interface fan-out policy.
type Listener struct {
	protocol       Protocol
	socket         netio.ListenerConn
	raw            netio.RawSender
	ifaces         []Interface
	localIPs       LocalIPSet
	unicastTargets []net.IP
	dedup          *DedupWindow
	tunnel         TunnelSender // nil if no tunnel configured
	debug          *MDNSDebugger // nil unless mDNS debug logging is enabled
	metrics        ListenerMetrics
	logger         *slog.Logger
}

// ListenerConfig groups the dependencies a Listener needs at construction.
type ListenerConfig struct {
	Protocol       Protocol
	Socket         netio.ListenerConn
	Raw            netio.RawSender
	Interfaces     []Interface
	LocalIPs       LocalIPSet
	UnicastTargets []net.IP
	Dedup          *DedupWindow
	Tunnel         TunnelSender
	Debug          *MDNSDebugger
	Metrics        ListenerMetrics
	Logger         *slog.Logger
}

// NewListener builds a Listener from cfg.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{
		protocol:       cfg.Protocol,
		socket:         cfg.Socket,
		raw:            cfg.Raw,
		ifaces:         cfg.Interfaces,
		localIPs:       cfg.LocalIPs,
		unicastTargets: cfg.UnicastTargets,
		dedup:          cfg.Dedup,
		tunnel:         cfg.Tunnel,
		debug:          cfg.Debug,
		metrics:        cfg.Metrics,
		logger: cfg.Logger.With(
			slog.String("component", "relay.listener"),
			slog.String("protocol", cfg.Protocol.Name),
		),
	}
}

// Run reads datagrams until ctx is cancelled. Per-datagram errors are logged and the loop continues; only context
// cancellation (checked after every blocking read returns) stops it.
func (l *Listener) Run(ctx context.Context) error {
	buf := make([]byte, recvBufferSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, sender, err := l.socket.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("recv error", slog.String("error", err.Error()))
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		l.HandleDatagram(payload, sender)
	}
}

// HandleDatagram applies the classification and fan-out policy to a
// single received datagram. Exported so tests can drive the forwarding
// logic directly against an injected socket, without running Run's
// receive loop.
func (l *Listener) HandleDatagram(payload []byte, sender *net.UDPAddr) {
	sip := sender.IP.To4()
	sport := uint16(sender.Port)

	// 1. Loop guard: never re-forward our own announcements.
	if l.localIPs.Contains(sip) {
		l.metrics.IncDropped(l.protocol.Name, "loopback")
		return
	}

	// 2. Classification.
	fromUnicast := containsIP(l.unicastTargets, sip)
	sourceIface, hasSourceIface := MatchInterface(sip, l.ifaces)

	if !hasSourceIface && !fromUnicast {
		l.metrics.IncDropped(l.protocol.Name, "unknown_source")
		return
	}

	if l.debug != nil && l.protocol.Name == AirPlay.Name {
		l.debug.LogPacket(sender.String(), payload)
	}

	// 3. Tunnel fan-out.
	if l.tunnel != nil {
		if err := l.tunnel.SendToTunnel(sip, sport, l.protocol.Port, payload); err != nil {
			l.logger.Warn("tunnel send failed", slog.String("error", err.Error()))
		} else {
			l.metrics.IncForwarded(l.protocol.Name, "tunnel_out")
		}
	}

	// 4. Unicast fan-out: native source, routable toward off-subnet targets.
	for _, target := range l.unicastTargets {
		if target.Equal(sip) {
			continue
		}
		dst := &net.UDPAddr{IP: target, Port: int(l.protocol.Port)}
		if _, err := l.socket.WriteToUDP(payload, dst); err != nil {
			l.logger.Warn("unicast send failed",
				slog.String("target", target.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		l.metrics.IncForwarded(l.protocol.Name, "unicast")
	}

	// 5. Interface fan-out. The dedup verdict is computed once for the
	// whole datagram, not per interface: DedupWindow.Seen records the
	// current timestamp on its first call, so calling it again inside
	// this loop would see its own just-recorded entry and suppress every
	// interface after the first.
	suppressed := fromUnicast && l.dedup.Seen(sport, time.Now())
	for _, iface := range l.ifaces {
		if hasSourceIface && iface.LocalIP.Equal(sourceIface.LocalIP) {
			continue
		}

		if fromUnicast {
			if suppressed {
				l.metrics.IncDropped(l.protocol.Name, "dedup")
				continue
			}
			l.emitSpoofed(iface, sip, sport, payload)
		} else {
			l.emitNative(iface, payload)
		}
	}
}

// emitSpoofed forges a raw datagram carrying the original sender's
// address, used when the sender is an off-subnet unicast target.
// Tunnel-delivered announcements are emitted by TunnelWorker instead.
func (l *Listener) emitSpoofed(iface Interface, srcIP net.IP, srcPort uint16, payload []byte) {
	if l.protocol.UseBroadcast {
		l.rawSend(iface.Broadcast, srcIP, srcPort, payload)
	}
	if l.protocol.MulticastGroup != nil {
		l.rawSend(l.protocol.MulticastGroup, srcIP, srcPort, payload)
	}
}

// rawSend builds and sends one spoofed-source datagram, counting the
// result in metrics.
func (l *Listener) rawSend(dst net.IP, srcIP net.IP, srcPort uint16, payload []byte) {
	datagram, err := BuildDatagram(srcIP, dst, srcPort, l.protocol.Port, l.protocol.TTL, payload)
	if err != nil {
		l.logger.Warn("build datagram failed", slog.String("error", err.Error()))
		return
	}
	if err := l.raw.Send(dst, datagram); err != nil {
		l.logger.Warn("raw send failed",
			slog.String("dst", dst.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	l.metrics.IncForwarded(l.protocol.Name, directionFor(dst, l.protocol))
}

// emitNative retransmits payload on iface using the listener's own
// socket: the sender is already on this subnet's broadcast domain via a
// different interface, so the kernel's native source selection is
// correct and no spoofing is required.
func (l *Listener) emitNative(iface Interface, payload []byte) {
	if l.protocol.UseBroadcast {
		dst := &net.UDPAddr{IP: iface.Broadcast, Port: int(l.protocol.Port)}
		if _, err := l.socket.WriteToUDP(payload, dst); err != nil {
			l.logger.Warn("native broadcast send failed", slog.String("error", err.Error()))
		} else {
			l.metrics.IncForwarded(l.protocol.Name, "broadcast")
		}
	}
	if l.protocol.MulticastGroup != nil {
		dst := &net.UDPAddr{IP: l.protocol.MulticastGroup, Port: int(l.protocol.Port)}
		if _, err := l.socket.WriteToUDP(payload, dst); err != nil {
			l.logger.Warn("native multicast send failed", slog.String("error", err.Error()))
		} else {
			l.metrics.IncForwarded(l.protocol.Name, "multicast")
		}
	}
}

// directionFor labels a raw emission as multicast or broadcast for
// metrics, based on which destination the caller built for.
func directionFor(dst net.IP, p Protocol) string {
	if p.MulticastGroup != nil && dst.Equal(p.MulticastGroup) {
		return "multicast"
	}
	return "broadcast"
}

// containsIP reports whether ip appears in set.
func containsIP(set []net.IP, ip net.IP) bool {
	for _, candidate := range set {
		if candidate.Equal(ip) {
			return true
		}
	}
	return false
}

// BindListener creates the UDP socket for protocol and wraps it in a
// Listener. Bind failure is returned to the caller, which per the
// relay's startup policy disables just this protocol rather than
// failing the whole process.
func BindListener(protocol Protocol, localIPs []net.IP, cfg ListenerConfig) (*Listener, error) {
	socket, err := netio.NewListenerSocket(protocol.Port, protocol.MulticastGroup, localIPs)
	if err != nil {
		return nil, fmt.Errorf("bind %s listener on port %d: %w", protocol.Name, protocol.Port, err)
	}
	cfg.Socket = socket
	cfg.Protocol = protocol
	return NewListener(cfg), nil
}

// Close releases the listener's socket.
func (l *Listener) Close() error {
	return l.socket.Close()
}
