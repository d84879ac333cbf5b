package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meterline/meterline/pkg/billing"
	"github.com/meterline/meterline/pkg/engine"
	"github.com/meterline/meterline/pkg/httputil"
	"github.com/meterline/meterline/pkg/observability"
)

// WebhookHandlers handles provider webhook deliveries.
type WebhookHandlers struct {
	engine *engine.Engine
	logger *observability.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers.
func NewWebhookHandlers(eng *engine.Engine, logger *observability.Logger) *WebhookHandlers {
	return &WebhookHandlers{engine: eng, logger: logger}
}

// RegisterRoutes registers webhook routes.
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/webhook", h.HandleWebhook).Methods("POST")
	router.HandleFunc("/billing/events/{event_id}", h.GetAppliedEvent).Methods("GET")
}

// webhookResponse acknowledges a delivery to the provider.
type webhookResponse struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}

// HandleWebhook ingests one provider event. Any 2xx acknowledges the
// delivery; a 5xx tells the provider to retry later, which is safe because
// failed applies leave no partial writes.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")

	outcome, err := h.engine.ApplyEvent(r.Context(), payload, signature)
	if errors.Is(err, billing.ErrSignature) {
		httputil.WriteUnauthorized(w, "invalid webhook signature")
		return
	}
	if errors.Is(err, engine.ErrMalformedEvent) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("webhook apply failed")
		httputil.WriteServiceUnavailable(w, "event could not be applied")
		return
	}

	httputil.WriteSuccess(w, webhookResponse{
		EventID: outcome.EventID,
		Outcome: string(outcome.Outcome),
	})
}

// GetAppliedEvent returns the recorded outcome for an event id.
func (h *WebhookHandlers) GetAppliedEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := httputil.ParsePathStringOrError(w, r, "event_id")
	if !ok {
		return
	}

	applied, err := h.engine.GetAppliedEvent(r.Context(), eventID)
	if errors.Is(err, billing.ErrEventNotFound) {
		httputil.WriteNotFoundError(w, "event not recorded")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, applied)
}
