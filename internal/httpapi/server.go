// Package httpapi is the ambient debug/admin surface for an ACDS process:
// liveness, a handful of point-in-time counters, and a per-session debug
// dump. None of this is on the ACIP wire path. Grounded on
// server/internal/httpapi/server.go's Echo wiring (middleware.Recover +
// slog request logging) generalized from a chat-room REST API to a
// discovery-server debug API.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/zfogg/ascii-chat-sub011/internal/consensus"
	"github.com/zfogg/ascii-chat-sub011/internal/registry"
	"github.com/zfogg/ascii-chat-sub011/internal/store"
)

// Server is the Echo application exposing /healthz, /metrics, and
// /debug/sessions/:id.
type Server struct {
	echo      *echo.Echo
	store     *store.Store
	registry  *registry.Registry
	migration *consensus.MigrationMonitor
}

// New constructs an Echo app wired to the live store/registry/migration
// monitor shared with the discovery server.
func New(st *store.Store, reg *registry.Registry, migration *consensus.MigrationMonitor) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, store: st, registry: reg, migration: migration}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/healthz" {
				slog.Debug("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/metrics", s.handleMetrics)
	s.echo.GET("/debug/sessions/:id", s.handleDebugSession)
}

// Run starts Echo and blocks until ctx cancellation or startup failure,
// matching the teacher's Run shape (server/internal/httpapi/server.go).
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down debug http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("debug http server stopped")
		return nil
	}
}

type healthzResponse struct {
	Status             string `json:"status"`
	ConnectedParticipants int `json:"connected_participants"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{
		Status:                "ok",
		ConnectedParticipants: s.registry.Count(),
	})
}

type metricsResponse struct {
	ConnectedParticipants int `json:"connected_participants"`
	MigrationsInFlight    int `json:"migrations_in_flight"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	resp := metricsResponse{ConnectedParticipants: s.registry.Count()}
	if s.migration != nil {
		resp.MigrationsInFlight = s.migration.Count()
	}
	return c.JSON(http.StatusOK, resp)
}

type debugSessionResponse struct {
	SessionID       string `json:"session_id"`
	SessionString   string `json:"session_string"`
	Capabilities    uint8  `json:"capabilities"`
	MaxParticipants uint8  `json:"max_participants"`
	SessionType     uint8  `json:"session_type"`
	HostID          string `json:"host_id"`
	InMigration     bool   `json:"in_migration"`
	ConnectedCount  int    `json:"connected_count"`
}

func (s *Server) handleDebugSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}

	session, err := s.store.FindByID(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	return c.JSON(http.StatusOK, debugSessionResponse{
		SessionID:       session.ID.String(),
		SessionString:   session.SessionString,
		Capabilities:    session.Capabilities,
		MaxParticipants: session.MaxParticipants,
		SessionType:     session.SessionType,
		HostID:          session.HostID.String(),
		InMigration:     session.InMigration,
		ConnectedCount:  len(s.registry.SessionMembers(id)),
	})
}
