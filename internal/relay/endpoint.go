package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/simonefil/RoonBroadcastRelay/internal/netio"
)

// tunnelRecvBufferSize bounds a single inbound tunnel read.
const tunnelRecvBufferSize = 4096

// TunnelMetrics is the narrow metrics interface the tunnel worker
// reports through.
type TunnelMetrics interface {
	IncForwarded(protocol, direction string)
	IncDropped(protocol, reason string)
	IncTunnelSent()
	IncTunnelReceived()
}

// TunnelWorker owns the inter-site UDP tunnel: it sends outbound
// announcements (preamble-prefixed) to the peer relay, and on receipt
// of an inbound frame re-injects the original announcement onto every
// local interface and configured unicast target.
type TunnelWorker struct {
	conn      netio.TunnelConn
	remote    *net.UDPAddr
	protocols map[uint16]Protocol

	// listenerSockets lets inbound tunnel frames deliver unicast copies
	// through the matching protocol's own listener socket rather than
	// the tunnel socket, matching native LAN traffic's source address.
	// A missing entry means that protocol's listener failed to bind at
	// this site; unicast delivery for it is skipped.
	listenerSockets map[uint16]netio.ListenerConn

	raw            netio.RawSender
	ifaces         []Interface
	unicastTargets []net.IP
	dedup          *DedupWindow
	metrics        TunnelMetrics
	logger         *slog.Logger
}

// TunnelWorkerConfig groups the dependencies a TunnelWorker needs.
type TunnelWorkerConfig struct {
	Conn            netio.TunnelConn
	Remote          *net.UDPAddr
	Protocols       map[uint16]Protocol
	ListenerSockets map[uint16]netio.ListenerConn
	Raw             netio.RawSender
	Interfaces      []Interface
	UnicastTargets  []net.IP
	Dedup           *DedupWindow
	Metrics         TunnelMetrics
	Logger          *slog.Logger
}

// BindTunnelWorker binds the local tunnel UDP socket on port and
// returns a configured TunnelWorker. remote may be nil only if the
// caller never intends to call SendToTunnel.
func BindTunnelWorker(port uint16, cfg TunnelWorkerConfig) (*TunnelWorker, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("bind tunnel socket on port %d: %w", port, err)
	}
	cfg.Conn = conn
	return NewTunnelWorker(cfg), nil
}

// NewTunnelWorker builds a TunnelWorker from an already-bound socket.
func NewTunnelWorker(cfg TunnelWorkerConfig) *TunnelWorker {
	return &TunnelWorker{
		conn:            cfg.Conn,
		remote:          cfg.Remote,
		protocols:       cfg.Protocols,
		listenerSockets: cfg.ListenerSockets,
		raw:             cfg.Raw,
		ifaces:          cfg.Interfaces,
		unicastTargets:  cfg.UnicastTargets,
		dedup:           cfg.Dedup,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.With(slog.String("component", "relay.tunnel")),
	}
}

// SendToTunnel implements TunnelSender: it encodes the preamble and
// forwards the announcement to the peer relay as a single datagram.
func (w *TunnelWorker) SendToTunnel(srcIP net.IP, srcPort, dstPort uint16, payload []byte) error {
	frame, err := EncodeTunnelFrame(srcIP, srcPort, dstPort, payload)
	if err != nil {
		return fmt.Errorf("encode tunnel frame: %w", err)
	}

	if _, err := w.conn.WriteToUDP(frame, w.remote); err != nil {
		return fmt.Errorf("send tunnel frame to %s: %w", w.remote, err)
	}

	w.metrics.IncTunnelSent()
	return nil
}

// Run reads inbound tunnel frames until ctx is cancelled. Per-frame
// errors are logged and the loop continues.
func (w *TunnelWorker) Run(ctx context.Context) error {
	buf := make([]byte, tunnelRecvBufferSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := w.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("recv error", slog.String("error", err.Error()))
			continue
		}

		w.HandleFrame(buf[:n])
	}
}

// HandleFrame decodes and dispatches one inbound tunnel frame. Exported
// so tests can drive dispatch directly against an injected connection,
// without running Run's receive loop.
func (w *TunnelWorker) HandleFrame(raw []byte) {
	w.metrics.IncTunnelReceived()

	frame, err := DecodeTunnelFrame(raw)
	if err != nil {
		w.metrics.IncDropped("tunnel", "short_frame")
		return
	}

	protocol, ok := w.protocols[frame.DstPort]
	if !ok {
		w.logger.Warn("unknown destination port in tunnel frame", slog.Int("port", int(frame.DstPort)))
		w.metrics.IncDropped("tunnel", "unknown_port")
		return
	}

	// Computed once per frame: see the matching comment in
	// Listener.HandleDatagram for why re-invoking Seen per interface
	// would suppress every interface after the first.
	suppressed := w.dedup.Seen(frame.SrcPort, time.Now())
	for _, iface := range w.ifaces {
		if suppressed {
			w.metrics.IncDropped(protocol.Name, "dedup")
			continue
		}
		w.emit(iface, protocol, frame)
	}

	w.unicastDeliver(protocol, frame)
}

func (w *TunnelWorker) emit(iface Interface, protocol Protocol, frame TunnelFrame) {
	if protocol.UseBroadcast {
		w.rawSend(iface.Broadcast, protocol, frame)
	}
	if protocol.MulticastGroup != nil {
		w.rawSend(protocol.MulticastGroup, protocol, frame)
	}
}

func (w *TunnelWorker) rawSend(dst net.IP, protocol Protocol, frame TunnelFrame) {
	datagram, err := BuildDatagram(frame.SrcIP, dst, frame.SrcPort, frame.DstPort, protocol.TTL, frame.Payload)
	if err != nil {
		w.logger.Warn("build datagram failed", slog.String("error", err.Error()))
		return
	}
	if err := w.raw.Send(dst, datagram); err != nil {
		w.logger.Warn("raw send failed",
			slog.String("dst", dst.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	w.metrics.IncForwarded(protocol.Name, directionFor(dst, protocol))
}

// unicastDeliver sends a native copy to every declared unicast target
// other than the frame's own original sender, via the matching
// protocol's own listener socket. Skipped entirely if that protocol's
// listener failed to bind at this site.
func (w *TunnelWorker) unicastDeliver(protocol Protocol, frame TunnelFrame) {
	socket, ok := w.listenerSockets[frame.DstPort]
	if !ok {
		return
	}

	for _, target := range w.unicastTargets {
		if target.Equal(frame.SrcIP) {
			continue
		}
		dst := &net.UDPAddr{IP: target, Port: int(frame.DstPort)}
		if _, err := socket.WriteToUDP(frame.Payload, dst); err != nil {
			w.logger.Warn("tunnel unicast deliver failed",
				slog.String("target", target.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.metrics.IncForwarded(protocol.Name, "unicast")
	}
}

// Close releases the tunnel socket.
func (w *TunnelWorker) Close() error {
	return w.conn.Close()
}
