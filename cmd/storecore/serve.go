package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joao-brasil/store-backend/internal/api"
	"github.com/joao-brasil/store-backend/internal/executor"
	"github.com/joao-brasil/store-backend/internal/health"
	"github.com/joao-brasil/store-backend/internal/metrics"
	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pools and the HTTP health/metrics server",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().
		Int("backends", len(cfg.Backends)).
		Str("instance", cfg.Service.InstanceID).
		Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Metrics ─────────────────────────────────────────────────────
	// Pre-register labels so dashboards show every backend immediately.
	for _, b := range cfg.Backends {
		metrics.ConnectionsActive.WithLabelValues(b.Name).Set(0)
		metrics.ConnectionsIdle.WithLabelValues(b.Name).Set(0)
		metrics.ConnectionsMax.WithLabelValues(b.Name).Set(float64(b.MaxConnections))
		log.Info().
			Str("backend", b.Name).
			Str("driver", b.DriverName()).
			Str("addr", b.Addr()).
			Int("min", b.MinConnections).
			Int("max", b.MaxConnections).
			Msg("backend configured")
	}

	// ─── Connection pools ────────────────────────────────────────────
	mgr, err := pool.NewManager(context.Background(), cfg.Backends, pool.DefaultConnectorFactory)
	if err != nil {
		return err
	}
	defer func() {
		log.Info().Msg("closing pool manager")
		if err := mgr.Close(); err != nil {
			log.Error().Err(err).Msg("pool manager close error")
		}
	}()
	registry := executor.NewRegistry(mgr, executor.Options{})

	// ─── Task queue ──────────────────────────────────────────────────
	broker := queue.NewRedisBroker(cfg.Redis)
	defer broker.Close()
	if err := broker.Ping(ctx); err != nil {
		// Notifications are dropped (and logged) until Redis comes back.
		log.Warn().Err(err).Msg("redis unavailable at startup")
	}
	q := queue.NewTaskQueue(broker, cfg.Queue)
	notifier := queue.NewNotifier(q, cfg.Queue)

	// ─── Health ──────────────────────────────────────────────────────
	checker := health.NewChecker(cfg.Service.InstanceID, health.RedisProbe(q))
	for _, name := range registry.Names() {
		ex, _ := registry.Get(name)
		checker.Add(health.BackendProbe(ex))
	}
	if cfg.Mongo.URI != "" {
		client, err := health.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			log.Warn().Err(err).Msg("mongo client not created, probe disabled")
		} else {
			checker.Add(health.MongoProbe(client))
			defer func() {
				if err := client.Disconnect(context.Background()); err != nil {
					log.Error().Err(err).Msg("mongo disconnect error")
				}
			}()
		}
	}

	report := checker.Check(ctx)
	for _, comp := range report.Components {
		ev := log.Info()
		if comp.Status == health.StatusUnhealthy {
			ev = log.Warn()
		}
		ev.Str("component", comp.Name).
			Str("status", string(comp.Status)).
			Str("latency", comp.Latency).
			Msg(comp.Message)
	}
	log.Info().Str("status", string(report.Status)).Msg("initial health check")

	// ─── HTTP ────────────────────────────────────────────────────────
	srv := api.New(cfg, api.Deps{Checker: checker, Pools: mgr, Notifier: notifier})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Listen() }()

	// ─── Graceful shutdown ───────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutErr := srv.Shutdown(shutCtx); shutErr != nil {
		log.Error().Err(shutErr).Msg("HTTP shutdown error")
	}

	log.Info().Msg("shutdown complete")
	return err
}
