package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tbellini/watchparty/internal/config"
	"github.com/tbellini/watchparty/internal/gateway"
	"github.com/tbellini/watchparty/internal/observability"
	"github.com/tbellini/watchparty/internal/party"
)

var rootCmd = &cobra.Command{
	Use:   "watchparty",
	Short: "Watch-party synchronization server",
	Long:  "WebSocket server for shared watch-party sessions: short join codes, host election, readiness, synchronized playback start.",
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server (same as invoking with no subcommand)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	registry := party.NewRegistry(cfg.CodeLength)
	engine := party.NewEngine(registry, metrics, logger, cfg.StartLead, cfg.SessionTTL)
	gw := gateway.New(engine, metrics, logger, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, cfg.AllowAnyOrigin)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go engine.Run(runCtx)
	engine.StartTTLSweep(runCtx, cfg.SweepInterval)
	gw.StartHeartbeat(runCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-sigCh:
		logger.Info("shutdown signal received")
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
