package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meterline/meterline/pkg/engine"
	"github.com/meterline/meterline/pkg/httputil"
	"github.com/meterline/meterline/pkg/identity"
	"github.com/meterline/meterline/pkg/observability"
)

// UsageHandlers handles quota checks and consumption.
type UsageHandlers struct {
	engine *engine.Engine
	logger *observability.Logger
}

// NewUsageHandlers creates a new UsageHandlers.
func NewUsageHandlers(eng *engine.Engine, logger *observability.Logger) *UsageHandlers {
	return &UsageHandlers{engine: eng, logger: logger}
}

// RegisterRoutes registers usage routes.
func (h *UsageHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/usage", h.CheckUsage).Methods("GET")
	router.HandleFunc("/usage/consume", h.ConsumeUsage).Methods("POST")
}

// principal resolves the caller: the X-Account-ID header names a registered
// account, otherwise the request is metered anonymously by its network
// pseudo-identity.
func principal(r *http.Request) engine.Principal {
	if accountID := r.Header.Get("X-Account-ID"); accountID != "" {
		return engine.Registered(accountID)
	}
	return engine.Anonymous(identity.Resolve(r))
}

// CheckUsage reports remaining allowance without consuming any.
func (h *UsageHandlers) CheckUsage(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	ctx := observability.WithPrincipal(r.Context(), p.Key)

	result, err := h.engine.CheckUsage(ctx, p)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("usage check failed")
		httputil.WriteServiceUnavailable(w, "usage store unavailable")
		return
	}

	httputil.WriteSuccess(w, result)
}

type consumeRequest struct {
	Calculator string `json:"calculator"`
}

// ConsumeUsage consumes one unit of daily allowance. Exhausted quota is a
// 429 carrying the same result body, not an error.
func (h *UsageHandlers) ConsumeUsage(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	p := principal(r)
	ctx := observability.WithPrincipal(r.Context(), p.Key)

	result, err := h.engine.ConsumeUsage(ctx, p, req.Calculator)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("usage consume failed")
		httputil.WriteServiceUnavailable(w, "usage store unavailable")
		return
	}

	if !result.Allowed {
		httputil.WriteJSON(w, http.StatusTooManyRequests, result)
		return
	}

	httputil.WriteSuccess(w, result)
}
