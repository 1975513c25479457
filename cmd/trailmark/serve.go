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

	"github.com/spf13/cobra"

	"github.com/trailmark/trailmark/internal/api"
	"github.com/trailmark/trailmark/internal/config"
)

// ============================================================================
// trailmark serve - Start the HTTP API
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trailmark HTTP API",
	Long: `Start the trailmark HTTP API on the address configured in
<data-dir>/config.yaml (default 127.0.0.1:3100).

  - Commit:  POST http://127.0.0.1:3100/channels/{channel}/records  (commit-type header)
  - Query:   GET  http://127.0.0.1:3100/channels/{channel}/records/{resourceID}
  - History: GET  http://127.0.0.1:3100/channels/{channel}/records/{resourceID}/audit
  - Feed:    ws://127.0.0.1:3100/feed/ws
  - Metrics: http://127.0.0.1:3100/metrics`,
	RunE: runServe,
}

// runServe wires the stack and blocks until SIGINT/SIGTERM:
//
//  1. Load config.yaml and set up logging
//  2. Open index and ledger, start tracing and notification sinks
//  3. Mount the API (feed and metrics when enabled)
//  4. Watch config.yaml so the log level can change live
//  5. Serve until a signal arrives, then drain and flush
func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			slog.Error("shutdown incomplete", "error", err)
		}
	}()

	apiOpts := api.Options{
		Engine:  st.engine,
		Version: version,
		Feed:    st.feed,
	}
	if st.metrics != nil {
		apiOpts.Metrics = st.metrics
		apiOpts.MetricsHandler = st.metrics.Handler()
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.New(apiOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher, err := config.NewWatcher(dataDir, config.WatchTargets{
		OnConfigChange: func() {
			next, err := config.Load(configPath())
			if err != nil {
				slog.Warn("ignoring invalid config change", "error", err)
				return
			}
			if err := setLogLevel(next.Logging.Level); err != nil {
				slog.Warn("ignoring invalid log level", "error", err)
				return
			}
			slog.Info("config reloaded", "logLevel", next.Logging.Level)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("trailmark listening",
			"addr", "http://"+cfg.Addr(),
			"version", version,
			"index", cfg.Index.Driver,
			"ledger", cfg.Ledger.Driver,
			"mode", cfg.Engine.DefaultMode,
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	slog.Info("stopped")
	return nil
}
