package core

import (
	"context"
	"net/http"
	"time"

	apigw "github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tripbilling/internal/types"
)

const defaultRequestTimeout = 29 * time.Second

// Header values masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
	"X-Admin-Token",
}

// MountRoutes installs the middleware chain and every route group.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	for _, registrar := range s.RootRouteRegistrars {
		registrar(s.router)
	}

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.PublicRouteRegistrars {
			registrar(r)
		}
		r.Group(func(r chi.Router) {
			r.Use(UserIdentityMiddleware)
			for _, registrar := range s.V1RouteRegistrars {
				registrar(r)
			}
		})
	})

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Handle("/metrics", s.MetricsHandler)
	}
	s.router.Get("/version", s.HandleVersion)
}

// registerGlobalMiddleware applies middleware in order:
//
//  1. Recoverer        outermost, catches every panic
//  2. ContextTimeout   soft deadline before the Lambda hard timeout
//  3. RequestID        correlation id, needed by the logger
//  4. SecurityHeaders
//  5. RequestLogger    request-scoped logger plus the access log line
//  6. CORS
//  7. Metrics
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Server.CorsAllowedOrigins) > 0 {
		return s.Config.Server.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware propagates X-Request-Id, falls back to the API Gateway
// request id under Lambda, or generates a new one, and echoes it on the
// response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			if rc, ok := apigw.GetAPIGatewayV2ContextFromContext(r.Context()); ok {
				requestID = rc.RequestID
			}
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}

// HandleVersion reports the build metadata.
func (s *Server) HandleVersion(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: s.Config.Build})
}
