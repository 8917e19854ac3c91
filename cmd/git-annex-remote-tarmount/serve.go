package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/annex-tarmount/archive"
	"github.com/wolfeidau/annex-tarmount/config"
	"github.com/wolfeidau/annex-tarmount/diag"
	"github.com/wolfeidau/annex-tarmount/mount"
	"github.com/wolfeidau/annex-tarmount/process"
	"github.com/wolfeidau/annex-tarmount/protocol/annex"
	"github.com/wolfeidau/annex-tarmount/remote"
	"github.com/wolfeidau/annex-tarmount/telemetry"
)

// ServeCmd runs the special remote protocol.
type ServeCmd struct {
	Tar            string `help:"tar binary used to delete entries. Overrides the config file." env:"TARMOUNT_TAR"`
	Ratarmount     string `help:"Archive mount binary. Overrides the config file." env:"TARMOUNT_RATARMOUNT"`
	Fusermount     string `help:"FUSE unmount binary. Overrides the config file." env:"TARMOUNT_FUSERMOUNT"`
	DiagnosticsDB  string `name:"diagnostics-db" help:"Database recording failed tool invocations. Overrides the config file." type:"path" env:"TARMOUNT_DIAGNOSTICS_DB"`
	OTLPEndpoint   string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsAddress string `help:"Address serving Prometheus metrics on /metrics." env:"TARMOUNT_METRICS_ADDRESS"`
}

// Run implements the command.
func (s *ServeCmd) Run(g *Globals) error {
	logger, sessionID, err := g.newLogger(os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	s.applyOverrides(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     s.OTLPEndpoint,
		EnablePrometheus: s.MetricsAddress != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	if s.MetricsAddress != "" {
		srv := startMetricsServer(s.MetricsAddress, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var sink diag.Sink = diag.LogSink{Logger: logger}
	if cfg.Diagnostics.Path != "" {
		bolt, err := openDiagnostics(ctx, cfg.Diagnostics, logger)
		if err != nil {
			return err
		}
		defer func() { _ = bolt.Close() }()
		sink = bolt
	}

	runner := process.NewInstrumentedRunner(process.NewExecRunner(process.WithLogger(logger)))
	h := annex.NewHandler(os.Stdin, os.Stdout,
		annex.WithLogger(logger),
		annex.WithRemoteOptions(
			remote.WithRunner(runner),
			remote.WithLogger(logger),
			remote.WithDiagnostics(sink),
			remote.WithSessionID(sessionID),
			remote.WithArchiveOptions(archive.WithTarBinary(cfg.Tools.Tar)),
			remote.WithMountOptions(
				mount.WithMountBinary(cfg.Tools.Ratarmount),
				mount.WithUnmountBinary(cfg.Tools.Fusermount),
				mount.WithMountArgs(cfg.Tools.MountArgs...),
			),
		),
	)

	logger.Debug("serving special remote protocol", "version", version)
	return h.Serve(ctx)
}

func (s *ServeCmd) applyOverrides(cfg *config.Config) {
	if s.Tar != "" {
		cfg.Tools.Tar = s.Tar
	}
	if s.Ratarmount != "" {
		cfg.Tools.Ratarmount = s.Ratarmount
	}
	if s.Fusermount != "" {
		cfg.Tools.Fusermount = s.Fusermount
	}
	if s.DiagnosticsDB != "" {
		cfg.Diagnostics.Path = s.DiagnosticsDB
	}
}

func openDiagnostics(ctx context.Context, cfg config.DiagnosticsConfig, logger *slog.Logger) (*diag.BoltSink, error) {
	bolt := diag.NewBoltSink(diag.WithLogger(logger))
	if err := bolt.Open(cfg.Path); err != nil {
		return nil, err
	}
	if cfg.Retention.Duration > 0 {
		if _, err := bolt.Prune(ctx, time.Now().Add(-cfg.Retention.Duration)); err != nil {
			logger.Warn("failed to prune diagnostics", "error", err)
		}
	}
	return bolt, nil
}

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Debug("serving metrics", "address", addr)
	return srv
}
