// Package core provides the HTTP chassis of the billing API. It builds a chi
// router that serves both standard HTTP (local and container deployments)
// and API Gateway proxy events (Lambda). Cross-cutting concerns such as
// logging, metrics and error rendering run before requests reach the
// domain handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tripbilling/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a handler group onto a router.
type RouteRegistrar func(r chi.Router)

// Server holds the API dependencies. Handler packages register their routes
// through the registrar slices so core never imports them.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	HealthProbes []HealthProbe

	// RootRouteRegistrars mount at the root (provider webhooks).
	RootRouteRegistrars []RouteRegistrar
	// V1RouteRegistrars mount under /v1 behind the user identity middleware.
	V1RouteRegistrars []RouteRegistrar
	// PublicRouteRegistrars mount under /v1 without a caller identity
	// (operator endpoints with their own guard).
	PublicRouteRegistrars []RouteRegistrar

	closers []io.Closer
	router  *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty
// router. Callers add registrars and probes, then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// OnShutdown registers a resource released by Shutdown, in reverse order.
func (s *Server) OnShutdown(c io.Closer) {
	s.closers = append(s.closers, c)
}

// Handler returns the router for http.Server or the Lambda adapter.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown closes registered resources. Every closer runs even when an
// earlier one fails.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
