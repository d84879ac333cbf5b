package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/meterline/meterline/pkg/accounts"
	"github.com/meterline/meterline/pkg/billing"
	"github.com/meterline/meterline/pkg/httputil"
	"github.com/meterline/meterline/pkg/observability"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// AccountHandlers handles account administration.
type AccountHandlers struct {
	accounts   accounts.Service
	reconciler *billing.Reconciler
	logger     *observability.Logger
}

// NewAccountHandlers creates a new AccountHandlers.
func NewAccountHandlers(accountService accounts.Service, reconciler *billing.Reconciler, logger *observability.Logger) *AccountHandlers {
	return &AccountHandlers{accounts: accountService, reconciler: reconciler, logger: logger}
}

// RegisterRoutes registers account routes.
func (h *AccountHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	router.HandleFunc("/accounts/{id}/payments", h.ListPayments).Methods("GET")
}

// accountResponse augments the stored account with its derived tier.
type accountResponse struct {
	*accounts.Account
	Tier accounts.Tier `json:"tier"`
}

// CreateAccount registers a new account.
func (h *AccountHandlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.CreateAccountRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), &req)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			httputil.WriteConflict(w, "account already exists")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, accountResponse{Account: account, Tier: account.Tier()})
}

// GetAccount returns an account with its derived tier.
func (h *AccountHandlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	account, err := h.accounts.GetAccount(r.Context(), id)
	if errors.Is(err, accounts.ErrNotFound) {
		httputil.WriteNotFoundError(w, "account not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, accountResponse{Account: account, Tier: account.Tier()})
}

// ListPayments lists an account's payment records, newest first.
func (h *AccountHandlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit < 1 || limit > 500 {
		httputil.WriteBadRequest(w, "limit must be between 1 and 500")
		return
	}

	if _, err := h.accounts.GetAccount(r.Context(), id); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			httputil.WriteNotFoundError(w, "account not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	payments, err := h.reconciler.ListPayments(r.Context(), id, limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if payments == nil {
		payments = []*billing.Payment{}
	}

	httputil.WriteSuccess(w, payments)
}
