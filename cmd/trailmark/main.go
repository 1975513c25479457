// Package main is the CLI entry point for trailmark, an audit-chain agent
// that records every change to a resource as an immutable, linked entry on
// a content-addressed ledger.
//
// Architecture overview:
//
//	client --> HTTP API (:3100) --> audit engine --> ledger (localfs | s3 | memory)
//	                                     |
//	                                     +-- index (sqlite | redis): channel cursors, asset heads
//	                                     +-- notify: kafka topic, /feed/ws websocket
//
// CLI commands (cobra):
//
//	trailmark serve                          - Start the HTTP API
//	trailmark commit <channel> <resource>    - Record a change
//	trailmark get <channel> <resource>       - Newest payload
//	trailmark history <channel> <resource>   - Every payload, newest first
//	trailmark channels [--match]             - List channels
//	trailmark channels import <file>         - Register read-only channels
//	trailmark export [--with-seeds]          - Dump the index as JSON
//	trailmark keygen [--length]              - Generate key material
//	trailmark config init|show               - Manage config.yaml
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trailmark/trailmark/internal/config"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultDataDir returns ~/.trailmark, where config.yaml, the index and
// the local ledger live.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trailmark"
	}
	return filepath.Join(home, ".trailmark")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "trailmark",
	Short: "trailmark - audit-chain agent",
	Long: `trailmark records every create, update, delete and transfer of a resource
as an immutable entry on a content-addressed ledger. Each entry links to the
previous one, so the full history of any resource can be replayed.

Run 'trailmark serve' to start the HTTP API, or use the subcommands to work
with the local index and ledger directly.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&dataDir,
		"data-dir",
		defaultDataDir(),
		"Path to trailmark config and data directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string {
	return filepath.Join(dataDir, "config.yaml")
}

// loadConfig reads config.yaml from the data directory, resolves relative
// paths against it and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	cfg.Resolve(dataDir)
	if err := setupLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
// Logging
// ============================================================================

// logLevel is shared by every handler so a config reload can change it.
var logLevel = new(slog.LevelVar)

// logFile is the open tee target, if logging.file is set.
var logFile *os.File

func setupLogging(cfg config.LoggingConfig) error {
	if err := setLogLevel(cfg.Level); err != nil {
		return err
	}

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", cfg.File, err)
		}
		logFile = f
		w = io.MultiWriter(os.Stderr, f)
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func setLogLevel(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logLevel.Set(l)
	return nil
}
