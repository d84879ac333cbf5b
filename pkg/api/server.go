package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/meterline/meterline/pkg/accounts"
	"github.com/meterline/meterline/pkg/billing"
	"github.com/meterline/meterline/pkg/engine"
	"github.com/meterline/meterline/pkg/httputil"
	"github.com/meterline/meterline/pkg/observability"
)

// ServerOptions configures the API server.
type ServerOptions struct {
	// MaxBodyBytes caps request body size. Zero uses 1 MiB.
	MaxBodyBytes int64
	// RateLimit optionally wraps all routes with the Redis rate limiter.
	RateLimit func(http.Handler) http.Handler
}

// Server is the public HTTP API.
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer builds the router and middleware chain.
func NewServer(eng *engine.Engine, accountService accounts.Service, reconciler *billing.Reconciler, logger *observability.Logger, metrics *observability.Metrics, opts ServerOptions) *Server {
	router := mux.NewRouter()

	v1 := router.PathPrefix("/api/v1").Subrouter()
	NewWebhookHandlers(eng, logger).RegisterRoutes(v1)
	NewUsageHandlers(eng, logger).RegisterRoutes(v1)
	NewAccountHandlers(accountService, reconciler, logger).RegisterRoutes(v1)

	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = 1 << 20
	}

	middlewares := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(maxBody),
	}
	if metrics != nil {
		middlewares = append(middlewares, observability.HTTPMetricsMiddleware(metrics))
	}
	if opts.RateLimit != nil {
		middlewares = append(middlewares, opts.RateLimit)
	}

	var handler http.Handler = httputil.Chain(middlewares...)(router)
	handler = otelhttp.NewHandler(handler, "meterline.api")

	return &Server{router: router, handler: handler}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Router returns the underlying mux router, for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
