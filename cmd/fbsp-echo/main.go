// fbsp-echo daemon -- an FBSP echo service over a ROUTER channel, with an
// optional FBDP monitor pipe streaming recently echoed payloads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/firebird-butler/fbsp-go/internal/config"
	"github.com/firebird-butler/fbsp-go/internal/fbsp"
	fbspmetrics "github.com/firebird-butler/fbsp-go/internal/metrics"
	"github.com/firebird-butler/fbsp-go/internal/service"
	"github.com/firebird-butler/fbsp-go/internal/transport"
	appversion "github.com/firebird-butler/fbsp-go/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger.
	logger := newLogger(cfg.Log)

	logger.Info("fbsp-echo starting",
		slog.String("version", appversion.Version),
		slog.Any("endpoints", cfg.Service.Endpoints),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := fbspmetrics.NewCollector(reg)

	// 5. Run the service container and metrics server.
	if err := runService(cfg, reg, collector, logger); err != nil {
		logger.Error("fbsp-echo exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("fbsp-echo stopped")
	return 0
}

// runService wires the channel manager, container loop and metrics HTTP
// server together under an errgroup with signal-aware shutdown.
func runService(
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *fbspmetrics.Collector,
	logger *slog.Logger,
) error {
	mgr := transport.NewManager(logger, nil)
	defer mgr.Shutdown()

	container := service.NewContainer(mgr, service.Config{
		PollTimeout:        cfg.Flow.PollTimeout,
		ProcessAllDeferred: cfg.Flow.ProcessAllDeferred,
	}, logger)

	svc := newEchoService(cfg, collector, logger)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		lc := net.ListenConfig{}
		ln, err := lc.Listen(gCtx, "tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Metrics.Addr, err)
		}
		if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve on %s: %w", cfg.Metrics.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		err := service.Execute(gCtx, svc, container, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("initiating graceful shutdown")
		container.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run service: %w", err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLogger creates a structured logger from the log configuration.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// agentDescriptor builds the WELCOME agent identity from config.
func agentDescriptor(cfg *config.Config) fbsp.AgentDescriptor {
	return fbsp.AgentDescriptor{
		UID:            echoAgentUID,
		Name:           cfg.Service.Name,
		Version:        cfg.Service.Version,
		VendorUID:      echoVendorUID,
		Classification: cfg.Service.Classification,
	}
}
