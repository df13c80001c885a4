// Package main is the entry point for the BreachGuard service.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"breachguard/internal/api"
	"breachguard/internal/config"
	"breachguard/internal/logging"
	"breachguard/internal/metrics"
	"breachguard/internal/pipeline"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"ledger_dir", cfg.Ledger.Dir,
		"breach_enabled", cfg.Breach.Enabled,
		"alerts_enabled", cfg.Alerting.Enabled,
		"siem_enabled", cfg.SIEM.Enabled,
		"auth_enabled", len(cfg.Server.APIKeys) > 0,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	handler := api.NewHandler(p, logger).
		WithMaxBody(cfg.Server.MaxBodyBytes).
		WithMetrics(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      api.WithMiddleware(handler.Routes(), cfg.Server, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		exitCode = 1
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	cancel()
	if err := p.Close(shutdownCtx); err != nil {
		logger.Error("pipeline close error", "error", err)
		exitCode = 1
	}

	stats := p.GetStats()
	logger.Info("final stats",
		"ledger_events", stats.Ledger.Events,
		"detections", stats.Breach.Detections,
		"alerts_sent", stats.Alerts.Sent,
	)
	logger.Info("server stopped")
	os.Exit(exitCode)
}
