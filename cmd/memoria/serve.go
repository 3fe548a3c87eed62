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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/memoria/internal/app"
	"github.com/MrWong99/memoria/internal/config"
	"github.com/MrWong99/memoria/internal/health"
	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API, /metrics and health probes until interrupted",
		Long: "Serve POST /v1/turns and POST /v1/retrieve, Prometheus metrics on /metrics " +
			"and /healthz, /readyz probes. The vector index is flushed every " +
			"vector_index.flush_interval and on shutdown. Retrieval tuning, character " +
			"profiles and the log level are reloaded when the config file changes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts, watchInterval)
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 5*time.Second, "how often to poll the config file for changes (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *rootOptions, watchInterval time.Duration) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	slog.Info("memoria starting",
		"version", version,
		"config", opts.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)
	printStartupSummary(cmd.OutOrStdout(), cfg)

	application, err := openApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if watchInterval > 0 {
		if _, statErr := os.Stat(opts.configPath); statErr == nil {
			w, err := config.NewWatcher(opts.configPath, reloadFunc(opts, application), config.WithInterval(watchInterval))
			if err != nil {
				slog.Warn("config watcher disabled", "err", err)
			} else {
				defer w.Stop()
			}
		}
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(application.Checkers()...).Register(mux)
	server.New(application).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics(), observe.QuietPaths("/healthz", "/readyz", "/metrics"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case runErr = <-errCh:
		slog.Error("run error", "err", runErr)
		stop()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	slog.Info("goodbye")
	return runErr
}

// reloadFunc applies config changes picked up by the watcher.
func reloadFunc(opts *rootOptions, application *app.App) config.ChangeFunc {
	return func(_, next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged && opts.logLevel == "" {
			opts.levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.Reload(next, d)
	}
}
