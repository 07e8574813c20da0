// Package main is the entry point for the fellowship relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blueberrycongee/fellowship"
	"github.com/blueberrycongee/fellowship/internal/config"
	"github.com/blueberrycongee/fellowship/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/fellowship.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Bootstrap logger until the configured one exists
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootstrap)

	cfgManager, err := config.NewManager(configPath, bootstrap)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()
	cfg := cfgManager.Get()

	logCfg, err := observability.ParseLoggerConfig(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(logCfg, observability.NewRedactor())
	slog.SetDefault(logger.Slog())

	logger.Info("starting fellowship relay",
		"version", fellowship.Version,
		"config", cfgManager.Status().Path,
		"checksum", cfgManager.Status().Checksum,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	kit, err := fellowship.NewFromConfig(ctx, cfg,
		fellowship.WithLogger(logger.Slog()),
		fellowship.WithRedactor(logger.Redactor()),
		fellowship.WithTracer(tp.Tracer()),
	)
	if err != nil {
		return fmt.Errorf("build kit: %w", err)
	}
	defer func() {
		if err := kit.Close(); err != nil {
			logger.Error("kit close error", "error", err)
		}
	}()
	kit.Start(ctx)

	// Rate limits follow the config file; other sections need a restart
	reloader := newLimitsReloader(logger.Slog(), kit.Limits())
	cfgManager.OnChange(reloader.Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	if stop := startDBPoolMetrics(ctx, kit.Store(), logger.Slog(), 30*time.Second); stop != nil {
		defer stop()
	}

	mux, err := buildMux(cfg, newHandler(kit, logger.Slog()))
	if err != nil {
		return err
	}
	middleware, err := buildMiddlewareStack(cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server...", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
