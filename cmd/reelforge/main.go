package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/reelforge/reelforge/internal/analytics"
	appcfg "github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/generator"
	"github.com/reelforge/reelforge/internal/jobs"
	"github.com/reelforge/reelforge/internal/keypool"
	"github.com/reelforge/reelforge/internal/poller"
	"github.com/reelforge/reelforge/internal/provider"
	providermock "github.com/reelforge/reelforge/internal/provider/mock"
	"github.com/reelforge/reelforge/internal/provider/runway"
	"github.com/reelforge/reelforge/internal/quota"
	"github.com/reelforge/reelforge/internal/server"
	"github.com/reelforge/reelforge/internal/submitq"
	"github.com/reelforge/reelforge/internal/video"
)

func main() {
	// Load config first so the logger can honor the configured level.
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	// Job store
	var store jobs.Store
	switch cfg.Store.Driver {
	case "sqlite":
		store, err = jobs.NewSQLiteStore(cfg.Store.DatabasePath)
		if err != nil {
			logger.Error("sqlite open", "err", err)
			os.Exit(1)
		}
	default:
		store = jobs.NewMemStore()
	}
	defer func() { _ = store.Close() }()

	// Provider client
	var client provider.Client
	var pool *keypool.Pool
	switch strings.ToLower(cfg.Provider.Name) {
	case "runway":
		pool = keypool.New(cfg.Provider.Keys())
		client = runway.New(cfg.Provider, pool)
	default:
		client = providermock.New(cfg.Provider.Mock)
	}

	// Analytics; metrics are recorded through the noop provider until an
	// OTLP exporter is configured.
	rec := analytics.New(noop.NewMeterProvider())

	videos := video.NewService(logger, client, store, rec, video.Options{
		JobTimeout: cfg.Poller.JobTimeout,
	})
	gen := generator.New(logger, videos, quota.NewEnforcer(cfg.Quota.Tiers))

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Deferred-submission queue
	submits := submitq.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	if err := submits.Start(rootCtx); err != nil {
		logger.Error("start submit queue", "err", err)
		os.Exit(1)
	}

	// Background poller
	p := poller.New(logger, videos, poller.Options{
		TickInterval: cfg.Poller.TickInterval,
		BatchSize:    cfg.Poller.BatchSize,
		Retention:    cfg.Poller.Retention,
	})
	if _, err := p.ResumeAll(); err != nil {
		logger.Warn("resume in-flight jobs", "err", err)
	}
	p.Start(rootCtx)

	// HTTP server
	svc := &server.Service{
		Log:     logger,
		Cfg:     cfg,
		Videos:  videos,
		Gen:     gen,
		Pool:    pool,
		Rec:     rec,
		Counter: quota.NewDailyCounter(cfg.Quota.DailyGenerations),
		Poller:  p,
		Submits: submits,
		Quality: generator.NewQualityChecker(),
	}
	httpSrv := server.NewHTTPServer(svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr, "provider", cfg.Provider.Name, "store", cfg.Store.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	p.Stop()
	submits.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
