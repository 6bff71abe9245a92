package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/queue"
)

// registerOps mounts the operator API. An empty secret disables it entirely;
// the routes simply do not exist.
func (s *Server) registerOps() {
	secret := s.deps.Profile.OpsJWTSecret
	if secret == "" {
		return
	}

	ops := s.e.Group("/api/v1/ops", opsAuth(secret))

	ops.GET("/fleet", s.opsFleet)
	ops.POST("/fleet/:id/enable", s.opsFleetEnable(true))
	ops.POST("/fleet/:id/disable", s.opsFleetEnable(false))
	ops.GET("/circuits", s.opsCircuits)
	ops.POST("/circuits/:name/open", s.opsCircuitOpen)
	ops.POST("/circuits/:name/close", s.opsCircuitClose)
	ops.GET("/failover/events", s.opsFailoverEvents)
	ops.GET("/failover/report", s.opsFailoverReport)
	ops.GET("/queue/stats", s.opsQueueStats)
	ops.GET("/queue/dead", s.opsDeadLetters)
	ops.POST("/queue/dead/:id/requeue", s.opsRequeueDeadLetter)
	ops.GET("/ratelimit/rules", s.opsRateLimitRules)
	ops.GET("/cache/stats", s.opsCacheStats)
}

// opsAuth verifies a Bearer token signed with the shared HMAC secret.
func opsAuth(secret string) echo.MiddlewareFunc {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			raw, found := strings.CutPrefix(auth, "Bearer ")
			if !found || raw == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}

			token, err := jwt.Parse(raw, keyFunc,
				jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
			if err != nil || !token.Valid {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}
			return next(c)
		}
	}
}

func (s *Server) opsFleet(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Fleet.Snapshot())
}

func (s *Server) opsFleetEnable(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.deps.Fleet.SetEnabled(c.Param("id"), enabled); err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown bot"})
		}
		return c.JSON(http.StatusOK, s.deps.Fleet.Snapshot())
	}
}

func (s *Server) opsCircuits(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Circuits.All())
}

func (s *Server) opsCircuitOpen(c echo.Context) error {
	b, ok := s.deps.Circuits.Lookup(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown circuit"})
	}
	b.ForceOpen()
	return c.JSON(http.StatusOK, b.Stats())
}

func (s *Server) opsCircuitClose(c echo.Context) error {
	b, ok := s.deps.Circuits.Lookup(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown circuit"})
	}
	b.ForceClose()
	return c.JSON(http.StatusOK, b.Stats())
}

func (s *Server) opsFailoverEvents(c echo.Context) error {
	if bot := c.QueryParam("bot"); bot != "" {
		return c.JSON(http.StatusOK, s.deps.Failover.EventsForBot(bot))
	}
	if c.QueryParam("active") == "true" {
		return c.JSON(http.StatusOK, s.deps.Failover.ActiveEvents())
	}
	now := time.Now()
	return c.JSON(http.StatusOK, s.deps.Failover.EventsBetween(now.Add(-24*time.Hour), now))
}

func (s *Server) opsFailoverReport(c echo.Context) error {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	if v := c.QueryParam("hours"); v != "" {
		if d, err := time.ParseDuration(v + "h"); err == nil && d > 0 {
			from = now.Add(-d)
		}
	}
	return c.JSON(http.StatusOK, s.deps.Failover.ReportBetween(from, now))
}

func (s *Server) opsQueueStats(c echo.Context) error {
	stats, err := s.deps.Queue.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) opsDeadLetters(c echo.Context) error {
	dead, err := s.deps.Queue.DeadLetters(c.Request().Context(), 100)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if dead == nil {
		dead = []*queue.Message{}
	}
	return c.JSON(http.StatusOK, dead)
}

func (s *Server) opsRequeueDeadLetter(c echo.Context) error {
	err := s.deps.Queue.RequeueDeadLetter(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrUnknownMessage) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown message"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) opsRateLimitRules(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Limiter.Rules())
}

func (s *Server) opsCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Store.CacheStats())
}
