/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral commission server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file + REFERRAL_* env)
  2. Build logger and metrics registry
  3. Open the store (sqlite | postgres | memory)
  4. Wire engine, notification hub, reconciler, handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides server.port
  -db      Database DSN, overrides database.dsn
           For sqlite use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciler
  2. Stop accepting new connections, drain requests (30s timeout)
  3. Stop notification workers
  4. Close the store

EXAMPLES:
  ./server -db="./data/referral.db"
  REFERRAL_DATABASE_DRIVER=postgres REFERRAL_DATABASE_DSN=postgres://... ./server
  ./server -config=config.yaml -port=3000

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/referral-engine/api"
	"github.com/warp/referral-engine/config"
	"github.com/warp/referral-engine/logging"
	"github.com/warp/referral-engine/metrics"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
	"github.com/warp/referral-engine/store/postgres"
	"github.com/warp/referral-engine/store/sqlite"
	"github.com/warp/referral-engine/worker"
	"go.uber.org/zap"
)

func main() {
	// Flags
	cfgPath := flag.String("config", "", "Config file path (yaml)")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger, err := logging.New(cfg.Log.Production)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	engineCfg, err := cfg.Commission.Engine()
	if err != nil {
		return err
	}

	st, closer, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, logger)

	pool := worker.NewPool(cfg.Notify.Workers, cfg.Notify.Buffer*cfg.Notify.Workers)
	defer pool.Stop()
	hub := api.NewHub(pool, cfg.Notify.Buffer, engineCfg.CurrencyScale, logger.Named("notify"))
	hub.OnQueue = func(depth int) { m.QueueDepth.Set(float64(depth)) }

	engine := referral.NewEngine(st, engineCfg,
		referral.WithLogger(logger.Named("engine")),
		referral.WithObserver(referral.Observers{m, hub}),
	)

	reconciler := api.NewReconciler(engine, api.ReconcilerConfig{
		Interval:    cfg.Reconcile.Interval,
		BatchSize:   cfg.Reconcile.BatchSize,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		StaleAfter:  cfg.Reconcile.StaleAfter,
	}, logger)
	reconciler.Start()
	defer reconciler.Stop()

	handler := api.NewHandler(engine, api.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL), logger.Named("http"))
	handler.Hub = hub
	handler.Reconciler = reconciler
	handler.AdminToken = cfg.Auth.AdminToken

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:    cfg.Server.CORSOrigins,
		Instrument:     m.Middleware,
		MetricsHandler: m.Handler(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Shutdown does not cancel request contexts; end open streams explicitly.
	server.RegisterOnShutdown(hub.Close)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	reconciler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(db config.DatabaseConfig) (referral.Store, io.Closer, error) {
	switch db.Driver {
	case "sqlite", "":
		s, err := sqlite.New(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := postgres.New(ctx, db.DSN, db.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "memory":
		return store.NewMemory(), closerFunc(func() error { return nil }), nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", db.Driver)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
