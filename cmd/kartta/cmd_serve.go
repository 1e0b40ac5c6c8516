package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/yairfalse/kartta/internal/daemon"
	"github.com/yairfalse/kartta/wal"
)

var (
	serveAddr            string
	serveShutdownTimeout time.Duration
	serveCleanupInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine behind an HTTP API",
	Long: `Run Kartta as a long-lived service. Sessions are started, paused,
resumed and cancelled over a JSON API and keep running between
requests.

Endpoints:
- Prometheus metrics on /metrics
- Health checks on /health, /-/healthy, /-/ready
- Sessions under /v1/sessions

Sessions still running at shutdown are paused and can be resumed after
a restart.`,
	Example: `  kartta serve -c kartta.yaml
  kartta serve --addr :8080
  curl -XPOST localhost:9464/v1/sessions -d '{"provider":"azure","kind":"tenant","tenant_id":"contoso"}'`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9464", "HTTP listen address")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "Grace period for in-flight requests and sessions")
	serveCmd.Flags().DurationVar(&serveCleanupInterval, "journal-cleanup", time.Hour, "How often expired journal files are removed")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	a, err := openApp(ctx, cfg, exporter)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serveShutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	metrics, err := daemon.NewDaemonMetrics(a.telemetry.Meter())
	if err != nil {
		return fmt.Errorf("daemon metrics: %w", err)
	}
	d, err := daemon.NewDaemon(a.engine, daemon.Config{
		Addr:            serveAddr,
		Session:         a.session,
		ShutdownTimeout: serveShutdownTimeout,
	}, metrics)
	if err != nil {
		return err
	}

	var g run.Group
	{
		g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	}
	{
		serveCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(serveCtx)
		}, func(error) {
			cancel()
		})
	}
	{
		cleanCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cleanJournal(cleanCtx, a, serveCleanupInterval)
		}, func(error) {
			cancel()
		})
	}

	log.Info().
		Str("addr", serveAddr).
		Str("source", a.provider).
		Str("sink", cfg.Sink.Kind).
		Msg("kartta serving")

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

// cleanJournal removes journal files past retention until ctx is done.
func cleanJournal(ctx context.Context, a *app, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats, err := wal.Cleanup(journalDir(a.cfg), journalConfig(a.cfg))
		if err != nil {
			log.Warn().Err(err).Msg("journal cleanup failed")
		} else if stats.FilesRemoved > 0 {
			log.Info().Int("files", stats.FilesRemoved).Msg("expired journal files removed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
