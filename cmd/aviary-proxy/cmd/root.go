// Package cmd provides the CLI commands for aviary-proxy.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aviary-mcp/proxy/internal/config"
	"github.com/aviary-mcp/proxy/internal/metrics"
	"github.com/aviary-mcp/proxy/internal/policy"
	"github.com/aviary-mcp/proxy/internal/router"
	"github.com/aviary-mcp/proxy/pkg/wire"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aviary-proxy",
	Short: "aviary-proxy - aggregating proxy for the Model Context Protocol",
	Long: `aviary-proxy sits between one MCP client and a set of MCP server
processes it supervises, presenting their combined tools, prompts, and
resources to the client as a single namespaced catalog.

It reads client JSON-RPC frames from stdin and writes replies to
stdout until the client stream closes or the process receives
SIGINT/SIGTERM, at which point every upstream is shut down before exit.`,
	RunE: runProxy,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to the proxy's JSON config file (required)")
	_ = rootCmd.MarkFlagRequired("config")
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var levelVar slog.LevelVar
	levelVar.Set(parseLogLevel(cfg.LogLevel))

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: &levelVar}
	if cfg.StructuredLogging {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	polGate, err := policy.NewGate(cfg.PolicyRules)
	if err != nil {
		return fmt.Errorf("failed to build policy gate: %w", err)
	}

	// Graceful shutdown on the first SIGINT/SIGTERM. Unregistering the
	// handler as soon as the context fires restores default signal
	// disposition, so a second signal during a hung shutdown kills the
	// process immediately.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	pidPath := pidFilePath(cfgFile)
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file next to config, falling back to temp dir", "path", pidPath, "error", err)
		pidPath = filepath.Join(os.TempDir(), "aviary-proxy.pid")
		if err := writePIDFile(pidPath); err != nil {
			logger.Warn("failed to write PID file", "path", pidPath, "error", err)
		} else {
			defer os.Remove(pidPath)
		}
	} else {
		defer os.Remove(pidPath)
	}

	reg := metrics.New()
	go logMetricsPeriodically(ctx, reg, logger)

	clientCodec := wire.NewCodec(os.Stdin, os.Stdout, "client", false, logger)
	r := router.New(cfg, clientCodec, logger, &levelVar, reg, polGate)

	logger.Info("aviary-proxy starting", "servers", len(cfg.Servers), "config", cfgFile)
	if err := r.Serve(ctx); err != nil {
		return fmt.Errorf("proxy serve: %w", err)
	}

	logger.Info("aviary-proxy stopped")
	return nil
}

func logMetricsPeriodically(ctx context.Context, reg *metrics.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.LogSnapshot(logger)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the PID file location for a proxy started with the
// given config path: alongside the config file, or under the system temp
// directory if that directory can't be resolved.
func pidFilePath(configPath string) string {
	if dir, err := filepath.Abs(filepath.Dir(configPath)); err == nil {
		return filepath.Join(dir, "aviary-proxy.pid")
	}
	return filepath.Join(os.TempDir(), "aviary-proxy.pid")
}

// writePIDFile writes the current process PID to path, creating parent
// directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}
