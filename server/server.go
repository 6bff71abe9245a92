// Package server is the broker's HTTP surface: the webhook ingress, health
// and readiness probes, the metrics endpoint and the JWT-protected ops API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/deskbridge/circuit"
	"github.com/hrygo/deskbridge/coordinator"
	"github.com/hrygo/deskbridge/failover"
	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/metrics"
	"github.com/hrygo/deskbridge/queue"
	"github.com/hrygo/deskbridge/ratelimit"
	"github.com/hrygo/deskbridge/store"
)

const shutdownGrace = 5 * time.Second

// Deps carries everything the HTTP layer serves. All fields are required
// except Metrics.
type Deps struct {
	Profile     *profile.Profile
	Store       *store.Store
	KV          kv.Store
	Metrics     *metrics.Metrics
	Coordinator *coordinator.Coordinator
	Fleet       *fleet.Manager
	Circuits    *circuit.Manager
	Failover    *failover.Manager
	Queue       queue.Queue
	Limiter     *ratelimit.Engine
}

type Server struct {
	e    *echo.Echo
	deps Deps
}

func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{e: e, deps: deps}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.e.GET("/healthz", s.healthz)
	s.e.GET("/readyz", s.readyz)
	if s.deps.Metrics != nil {
		s.e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	s.e.POST("/webhook/"+s.deps.Profile.WebhookPath, s.handleWebhook)

	s.registerOps()
}

// Start serves in the background; errors other than a clean close are
// logged. Use Shutdown to stop.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Profile.Addr, s.deps.Profile.Port)
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("server: listener failed", slog.Any("err", err))
		}
	}()
	slog.Info("server: listening", slog.String("addr", addr))
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server: failed to shut down gracefully", slog.Any("err", err))
	}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// healthz is the liveness probe: the process is up and the database answers.
func (s *Server) healthz(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "store unavailable",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"fleet_size": len(s.deps.Fleet.Snapshot()),
	})
}

// readyz fails while the shared kv is unreachable or no bot can take traffic,
// so load balancers stop routing webhooks to an instance that cannot deliver.
func (s *Server) readyz(c echo.Context) error {
	if err := s.deps.KV.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "kv unavailable",
		})
	}
	available := len(s.deps.Fleet.AvailableBots())
	if available == 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "no available bot",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ready",
		"available_bots": available,
	})
}
