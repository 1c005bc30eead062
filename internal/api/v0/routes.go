// Package v0 provides the REST handlers for balance access and service health.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/balance-server/internal/api/common"
	"github.com/stacklok/balance-server/internal/ledger"
)

// maxRequestBody bounds the size of a balance update request
const maxRequestBody = 1 << 20

// UpdateBalanceRequest is the body of POST /update-balance. Pointers tell a
// missing field apart from an explicit zero.
type UpdateBalanceRequest struct {
	UserID *int64 `json:"userId"`
	Amount *int64 `json:"amount"`
}

// UpdateBalanceResponse is returned when a delta was applied
type UpdateBalanceResponse struct {
	Success bool  `json:"success"`
	Balance int64 `json:"balance"`
}

// BalanceResponse is returned by GET /balance/{userId}
type BalanceResponse struct {
	UserID  int64 `json:"userId"`
	Balance int64 `json:"balance"`
}

// Routes holds the handlers that depend on the balance service
type Routes struct {
	service ledger.Service
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc ledger.Service) *Routes {
	return &Routes{
		service: svc,
	}
}

// Router creates the router for the balance endpoints, with the health
// endpoints mounted alongside them
func Router(svc ledger.Service) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()
	r.Post("/update-balance", routes.updateBalance)
	r.Get("/balance/{userId}", routes.getBalance)
	r.Mount("/", HealthRouter(svc))

	return r
}

// updateBalance handles POST /update-balance
func (rr *Routes) updateBalance(w http.ResponseWriter, r *http.Request) {
	var req UpdateBalanceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil || req.UserID == nil || req.Amount == nil {
		common.WriteErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	balance, err := rr.service.ApplyDelta(r.Context(), *req.UserID, *req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	common.WriteJSONResponse(w, UpdateBalanceResponse{Success: true, Balance: balance}, http.StatusOK)
}

// getBalance handles GET /balance/{userId}
func (rr *Routes) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil {
		common.WriteErrorResponse(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	balance, err := rr.service.Balance(r.Context(), userID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		common.WriteErrorResponse(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	common.WriteJSONResponse(w, BalanceResponse{UserID: userID, Balance: balance}, http.StatusOK)
}

// StatusForError maps a coordinator error to the HTTP status and message
// returned to the client
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusBadRequest, "User not found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusBadRequest, "Insufficient funds"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "Invalid amount"
	case errors.Is(err, ledger.ErrLockTimeout):
		return http.StatusServiceUnavailable, "Lock timeout"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Request canceled"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := StatusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Warn("Balance request failed",
			"path", r.URL.Path,
			"status", status,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
	}
	common.WriteErrorResponse(w, message, status)
}
