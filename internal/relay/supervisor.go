package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/simonefil/RoonBroadcastRelay/internal/netio"
)

// SupervisorMetrics is the full metrics surface the supervisor and the
// components it wires together report through.
type SupervisorMetrics interface {
	ListenerMetrics
	TunnelMetrics
	SetListenerUp(protocol string, up bool)
}

// SupervisorConfig groups everything needed to stand up the relay.
type SupervisorConfig struct {
	SiteName         string
	Interfaces       []Interface
	UnicastTargets   []net.IP
	RequestProtocols []Protocol // protocols selected by configuration, in stable order
	TunnelPort       uint16
	RemoteRelay      *net.UDPAddr // nil if no tunnel
	DedupWindow      *DedupWindow
	Debug            *MDNSDebugger // nil unless mDNS debug logging is enabled
	Metrics          SupervisorMetrics
	Logger           *slog.Logger
}

// Supervisor wires together the enabled protocol listeners and the
// tunnel worker, and runs them until the process is asked to stop.
type Supervisor struct {
	siteName  string
	raw       netio.RawSender
	listeners []*Listener
	tunnel    *TunnelWorker
	logger    *slog.Logger
}

// NewSupervisor performs the full relay startup sequence: it opens the
// raw socket, binds a listener for every requested protocol (skipping
// ones whose bind fails), force-enables RAAT as a last resort if no
// protocol survived, and binds the tunnel if a remote relay is
// configured.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	logger := cfg.Logger.With(slog.String("component", "relay.supervisor"), slog.String("site", cfg.SiteName))

	raw, err := netio.NewRawSocket()
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}

	localIPs := NewLocalIPSet(cfg.Interfaces)
	ifaceIPs := make([]net.IP, 0, len(cfg.Interfaces))
	for _, ifc := range cfg.Interfaces {
		ifaceIPs = append(ifaceIPs, ifc.LocalIP)
	}

	sup := &Supervisor{
		siteName: cfg.SiteName,
		raw:      raw,
		logger:   logger,
	}

	listenerSockets := make(map[uint16]netio.ListenerConn)
	enabledProtocols := make(map[uint16]Protocol)

	raatAttempted := false
	for _, p := range cfg.RequestProtocols {
		if p.Name == RAAT.Name {
			raatAttempted = true
		}
		ln, bindErr := sup.bindListener(p, ifaceIPs, cfg, raw, localIPs)
		if bindErr != nil {
			logger.Warn("protocol bind failed, disabling",
				slog.String("protocol", p.Name),
				slog.String("error", bindErr.Error()),
			)
			cfg.Metrics.SetListenerUp(p.Name, false)
			continue
		}
		sup.listeners = append(sup.listeners, ln)
		listenerSockets[p.Port] = ln.socket
		enabledProtocols[p.Port] = p
		cfg.Metrics.SetListenerUp(p.Name, true)
	}

	// Open question resolution: RAAT is the protocol the relay exists
	// for, so if every requested protocol failed to bind, force-enable
	// it — but only if it wasn't already one of the failures, to avoid
	// retrying a bind that just failed.
	if len(sup.listeners) == 0 && !raatAttempted {
		logger.Warn("no protocol survived startup, force-enabling RAAT")
		ln, bindErr := sup.bindListener(RAAT, ifaceIPs, cfg, raw, localIPs)
		if bindErr != nil {
			logger.Error("forced RAAT bind also failed", slog.String("error", bindErr.Error()))
			cfg.Metrics.SetListenerUp(RAAT.Name, false)
		} else {
			sup.listeners = append(sup.listeners, ln)
			listenerSockets[RAAT.Port] = ln.socket
			enabledProtocols[RAAT.Port] = RAAT
			cfg.Metrics.SetListenerUp(RAAT.Name, true)
		}
	}

	if cfg.RemoteRelay != nil {
		tw, bindErr := BindTunnelWorker(cfg.TunnelPort, TunnelWorkerConfig{
			Remote:          cfg.RemoteRelay,
			Protocols:       enabledProtocols,
			ListenerSockets: listenerSockets,
			Raw:             raw,
			Interfaces:      cfg.Interfaces,
			UnicastTargets:  cfg.UnicastTargets,
			Dedup:           cfg.DedupWindow,
			Metrics:         cfg.Metrics,
			Logger:          logger,
		})
		if bindErr != nil {
			closeAll(sup.listeners, raw)
			return nil, fmt.Errorf("bind tunnel on port %d: %w", cfg.TunnelPort, bindErr)
		}
		sup.tunnel = tw

		for _, ln := range sup.listeners {
			ln.tunnel = tw
		}
	}

	return sup, nil
}

// bindListener binds one protocol's listener socket and wraps it.
func (s *Supervisor) bindListener(p Protocol, ifaceIPs []net.IP, cfg SupervisorConfig, raw netio.RawSender, localIPs LocalIPSet) (*Listener, error) {
	return BindListener(p, ifaceIPs, ListenerConfig{
		Raw:            raw,
		Interfaces:     cfg.Interfaces,
		LocalIPs:       localIPs,
		UnicastTargets: cfg.UnicastTargets,
		Dedup:          cfg.DedupWindow,
		Debug:          cfg.Debug,
		Metrics:        cfg.Metrics,
		Logger:         s.logger,
	})
}

// Run spawns one goroutine per listener plus the tunnel worker, then
// blocks until ctx is cancelled. Workers are daemon-like: they have no
// cancellation path of their own and are expected to terminate with the
// process, matching the relay's failure-handling design.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for _, ln := range s.listeners {
		ln := ln
		s.logger.Info("protocol listener running", slog.String("protocol", ln.protocol.Name))
		g.Go(func() error {
			return ln.Run(gCtx)
		})
	}

	if s.tunnel != nil {
		s.logger.Info("tunnel worker running")
		g.Go(func() error {
			return s.tunnel.Run(gCtx)
		})
	}

	<-ctx.Done()
	s.logger.Info("shutdown signal received")
	return nil
}

// Close releases every socket the supervisor opened.
func (s *Supervisor) Close() error {
	closeAll(s.listeners, s.raw)
	if s.tunnel != nil {
		return s.tunnel.Close()
	}
	return nil
}

func closeAll(listeners []*Listener, raw netio.RawSender) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
	_ = raw.Close()
}
