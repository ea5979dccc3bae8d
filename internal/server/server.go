// Package server exposes the HTTP surface: the session trigger endpoint,
// the settings API, live-session listing, and observability routes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sroej/mini/internal/config"
	"github.com/sroej/mini/internal/domain"
	"github.com/sroej/mini/internal/lifecycle"
	"github.com/sroej/mini/internal/settings"
)

// sessionService is the supervisor surface the handlers need.
type sessionService interface {
	StartSession(ctx context.Context, number string, notify lifecycle.NotifyFunc) error
	IsLive(number string) bool
	Sessions() []domain.LiveSession
}

// settingsService is the per-tenant settings surface.
type settingsService interface {
	Get(number string) settings.Record
	Update(number string, partial settings.Record) (settings.Record, error)
}

// HealthCheck is a named readiness check function.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	echo     *echo.Echo
	config   *config.Config
	sessions sessionService
	settings settingsService

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, sessions sessionService, settings settingsService, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		sessions:     sessions,
		settings:     settings,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
