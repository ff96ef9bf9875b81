// Package api serves the operational HTTP surface: health probes, pool
// statistics and Prometheus metrics, behind the shared error handler.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/health"
	"github.com/joao-brasil/store-backend/internal/logx"
	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/queue"
)

// Deps are the components the HTTP surface reports on. Any may be nil.
type Deps struct {
	Checker  *health.Checker
	Pools    *pool.Manager
	Notifier *queue.Notifier
}

// Server wraps the fiber app.
type Server struct {
	app  *fiber.App
	addr string
	deps Deps
	log  zerolog.Logger
}

// New builds the app and registers its routes.
func New(cfg *config.Config, deps Deps) *Server {
	log := logx.Component("api")
	app := fiber.New(fiber.Config{
		AppName:               cfg.Service.Name,
		CaseSensitive:         true,
		StrictRouting:         true,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          ErrorHandler(deps.Notifier, cfg.Service.Environment, log),
	})
	app.Use(recover.New())

	s := &Server{
		app:  app,
		addr: fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.Port),
		deps: deps,
		log:  log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/health/ready", s.handleHealth)
	s.app.Get("/health/live", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	s.app.Get("/pools", s.handlePools)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if s.deps.Checker == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "health checker not configured")
	}
	report := s.deps.Checker.Check(c.UserContext())
	if !report.Healthy() {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(report)
}

func (s *Server) handlePools(c *fiber.Ctx) error {
	if s.deps.Pools == nil {
		return c.JSON([]pool.Stats{})
	}
	return c.JSON(s.deps.Pools.Stats())
}

// App returns the underlying fiber app, for registering more routes.
func (s *Server) App() *fiber.App { return s.app }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Listen blocks serving HTTP until Shutdown.
func (s *Server) Listen() error {
	s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	return s.app.Listen(s.addr)
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.log.Error().Err(err).Msg("error shutting down the server")
		return err
	}
	s.log.Info().Msg("server shut down")
	return nil
}
