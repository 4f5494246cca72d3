package relaymetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "roonrelay"
	subsystem = "relay"
)

// Label names for relay metrics.
const (
	labelProtocol  = "protocol"
	labelDirection = "direction"
	labelReason    = "reason"
)

// Direction label values.
const (
	DirectionMulticast = "multicast"
	DirectionBroadcast = "broadcast"
	DirectionUnicast   = "unicast"
	DirectionTunnelOut = "tunnel_out"
	DirectionTunnelIn  = "tunnel_in"
)

// Drop reason label values.
const (
	ReasonLoopback      = "loopback"
	ReasonUnknownSource = "unknown_source"
	ReasonDedup         = "dedup"
	ReasonSendError     = "send_error"
	ReasonShortFrame    = "short_frame"
	ReasonUnknownPort   = "unknown_port"
)

// Collector holds every Prometheus metric the relay exposes.
type Collector struct {
	// PacketsForwarded counts datagrams successfully emitted, labeled by
	// protocol and direction (multicast/broadcast/unicast/tunnel_out/tunnel_in).
	PacketsForwarded *prometheus.CounterVec

	// PacketsDropped counts datagrams the relay chose not to forward,
	// labeled by protocol and reason.
	PacketsDropped *prometheus.CounterVec

	// ListenerUp reports 1 for a protocol whose listener socket is bound
	// and running, 0 if its bind failed and the protocol is disabled.
	ListenerUp *prometheus.GaugeVec

	// TunnelFramesSent counts outbound tunnel frames.
	TunnelFramesSent prometheus.Counter

	// TunnelFramesReceived counts inbound tunnel frames accepted for
	// decoding (before any per-frame drop).
	TunnelFramesReceived prometheus.Counter
}

// NewCollector creates a Collector with every relay metric registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsForwarded,
		c.PacketsDropped,
		c.ListenerUp,
		c.TunnelFramesSent,
		c.TunnelFramesReceived,
	)

	return c
}

func newMetrics() *Collector {
	protocolDirection := []string{labelProtocol, labelDirection}
	protocolReason := []string{labelProtocol, labelReason}

	return &Collector{
		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_forwarded_total",
			Help:      "Total discovery packets forwarded, by protocol and direction.",
		}, protocolDirection),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total discovery packets dropped, by protocol and reason.",
		}, protocolReason),

		ListenerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "listener_up",
			Help:      "1 if the protocol's listener socket is bound and running, 0 otherwise.",
		}, []string{labelProtocol}),

		TunnelFramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tunnel_frames_sent_total",
			Help:      "Total frames sent to the peer relay over the tunnel.",
		}),

		TunnelFramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tunnel_frames_received_total",
			Help:      "Total frames received from the peer relay over the tunnel.",
		}),
	}
}

// IncForwarded increments the forwarded counter for protocol/direction.
func (c *Collector) IncForwarded(protocol, direction string) {
	c.PacketsForwarded.WithLabelValues(protocol, direction).Inc()
}

// IncDropped increments the dropped counter for protocol/reason.
func (c *Collector) IncDropped(protocol, reason string) {
	c.PacketsDropped.WithLabelValues(protocol, reason).Inc()
}

// SetListenerUp records whether protocol's listener is currently bound.
func (c *Collector) SetListenerUp(protocol string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	c.ListenerUp.WithLabelValues(protocol).Set(v)
}

// IncTunnelSent increments the outbound tunnel frame counter.
func (c *Collector) IncTunnelSent() {
	c.TunnelFramesSent.Inc()
}

// IncTunnelReceived increments the inbound tunnel frame counter.
func (c *Collector) IncTunnelReceived() {
	c.TunnelFramesReceived.Inc()
}
