// roonrelay bridges RAAT, AirPlay, SSDP, and Squeezebox discovery
// traffic across routed network boundaries.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/simonefil/RoonBroadcastRelay/internal/config"
	relaymetrics "github.com/simonefil/RoonBroadcastRelay/internal/metrics"
	"github.com/simonefil/RoonBroadcastRelay/internal/relay"
	appversion "github.com/simonefil/RoonBroadcastRelay/internal/version"
)

// defaultConfigPath is used when no positional argument is given.
const defaultConfigPath = "./appsettings.json"

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var metricsAddr string
	var debugMDNS bool

	cmd := &cobra.Command{
		Use:     "roonrelay [config-path]",
		Short:   "Cross-subnet relay for RAAT, AirPlay, SSDP, and Squeezebox discovery traffic",
		Version: appversion.Version,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runRelay(path, metricsAddr, debugMDNS, logger)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9105", "HTTP listen address for the Prometheus metrics endpoint")
	cmd.Flags().BoolVar(&debugMDNS, "debug-mdns", false, "log decoded mDNS/AirPlay packet summaries at debug level")

	if err := cmd.Execute(); err != nil {
		logger.Error("roonrelay exited with error", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// runRelay loads configuration, writing a default example and failing
// fast if the file is missing, then wires and runs the supervisor until
// a shutdown signal arrives.
func runRelay(path, metricsAddr string, debugMDNS bool, logger *slog.Logger) error {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if writeErr := config.WriteExample(path); writeErr != nil {
			return fmt.Errorf("write example config to %s: %w", path, writeErr)
		}
		return fmt.Errorf("configuration file %s did not exist; a default example was written, edit it and re-run", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logger.With(slog.String("site", cfg.SiteName))
	logger.Info("roonrelay starting", slog.String("version", appversion.Version), slog.String("config", path))

	ifaces, err := cfg.ResolveInterfaces()
	if err != nil {
		return fmt.Errorf("resolve local interfaces: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := relaymetrics.NewCollector(reg)

	var debug *relay.MDNSDebugger
	if debugMDNS {
		debugLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		debug = relay.NewMDNSDebugger(debugLogger.With(slog.String("site", cfg.SiteName)))
	}

	remote, hasTunnel := cfg.RemoteRelayEndpoint()
	if !hasTunnel {
		remote = nil
	}

	sup, err := relay.NewSupervisor(relay.SupervisorConfig{
		SiteName:         cfg.SiteName,
		Interfaces:       ifaces,
		UnicastTargets:   cfg.ResolveUnicastTargets(),
		RequestProtocols: cfg.EnabledProtocols(),
		TunnelPort:       cfg.TunnelPort,
		RemoteRelay:      remote,
		DedupWindow:      relay.NewDedupWindow(relay.DefaultDedupWindow),
		Debug:            debug,
		Metrics:          collector,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("start relay supervisor: %w", err)
	}
	defer func() {
		if closeErr := sup.Close(); closeErr != nil {
			logger.Warn("error closing relay sockets", slog.String("error", closeErr.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(metricsAddr, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", metricsAddr))
		return listenAndServe(gCtx, metricsSrv)
	})

	g.Go(func() error {
		return sup.Run(gCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run relay: %w", err)
	}

	logger.Info("roonrelay stopped")
	return nil
}

// newMetricsServer builds the HTTP server exposing Prometheus metrics.
func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}

// listenAndServe runs srv until ctx is cancelled, then shuts it down.
func listenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
}
