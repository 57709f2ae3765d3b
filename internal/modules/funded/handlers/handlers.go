// Package handlers exposes funded account and withdrawal endpoints,
// including the admin review queue.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/modules/auth"
	"github.com/propdesk/propdesk/internal/modules/funded"
	"github.com/propdesk/propdesk/internal/server"
)

// Handler serves the funded account surface.
type Handler struct {
	service     *funded.Service
	authService *auth.Service
	log         zerolog.Logger
}

// NewHandler creates a new funded handler.
func NewHandler(service *funded.Service, authService *auth.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service:     service,
		authService: authService,
		log:         log.With().Str("handler", "funded").Logger(),
	}
}

// RegisterRoutes mounts the funded account and admin withdrawal routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authService.RequireAuth)
		r.Get("/funded-accounts", h.HandleList)
		r.Get("/funded-accounts/{id}", h.HandleGet)
		r.Post("/funded-accounts/{id}/withdraw", h.HandleWithdraw)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authService.RequireAuth, h.authService.RequireAdmin)
		r.Get("/admin/withdrawals/pending", h.HandlePendingWithdrawals)
		r.Post("/admin/withdrawals/{id}/approve", h.HandleApprove)
		r.Post("/admin/withdrawals/{id}/reject", h.HandleReject)
	})
}

type accountResponse struct {
	ID                 string     `json:"id"`
	AssessmentID       string     `json:"assessmentId"`
	TierID             string     `json:"tierId"`
	Status             string     `json:"status"`
	ClosureReason      string     `json:"closureReason,omitempty"`
	StartingBalance    float64    `json:"startingBalance"`
	CurrentBalance     float64    `json:"currentBalance"`
	PeakBalance        float64    `json:"peakBalance"`
	TotalWithdrawals   float64    `json:"totalWithdrawals"`
	WithdrawableAmount float64    `json:"withdrawableAmount"`
	CreatedAt          time.Time  `json:"createdAt"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
}

func toAccountResponse(v funded.View) accountResponse {
	return accountResponse{
		ID:                 v.Account.ID.String(),
		AssessmentID:       v.Account.AssessmentID.String(),
		TierID:             v.Account.TierID,
		Status:             v.Account.Status,
		ClosureReason:      v.Account.ClosureReason,
		StartingBalance:    v.Envelope.StartingBalance,
		CurrentBalance:     v.Envelope.CurrentBalance,
		PeakBalance:        v.Envelope.PeakBalance,
		TotalWithdrawals:   v.Envelope.TotalWithdrawals,
		WithdrawableAmount: v.Withdrawable,
		CreatedAt:          v.Account.CreatedAt,
		ClosedAt:           v.Account.ClosedAt,
	}
}

type withdrawalResponse struct {
	ID              string     `json:"id"`
	FundedAccountID string     `json:"fundedAccountId"`
	UserID          string     `json:"userId"`
	Amount          float64    `json:"amount"`
	Status          string     `json:"status"`
	PayoutRef       string     `json:"payoutRef,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	RequestedAt     time.Time  `json:"requestedAt"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
}

func toWithdrawalResponse(w database.Withdrawal) withdrawalResponse {
	return withdrawalResponse{
		ID:              w.ID.String(),
		FundedAccountID: w.FundedAccountID.String(),
		UserID:          w.UserID.String(),
		Amount:          w.Amount,
		Status:          w.Status,
		PayoutRef:       w.PayoutRef,
		RejectionReason: w.RejectionReason,
		RequestedAt:     w.RequestedAt,
		ApprovedAt:      w.ApprovedAt,
		CompletedAt:     w.CompletedAt,
		RejectedAt:      w.RejectedAt,
	}
}

// HandleList returns the caller's funded accounts.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.List(r.Context(), auth.UserFrom(r.Context()).ID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list funded accounts")
		server.Error(w, r, http.StatusInternalServerError, "internal_error", "failed to list funded accounts")
		return
	}

	accounts := make([]accountResponse, 0, len(views))
	for _, v := range views {
		accounts = append(accounts, toAccountResponse(v))
	}
	server.JSON(w, http.StatusOK, map[string]any{"fundedAccounts": accounts})
}

// HandleGet returns one owned funded account with its withdrawable
// amount.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "funded account not found")
		return
	}

	view, err := h.service.Get(r.Context(), auth.UserFrom(r.Context()).ID, id)
	switch {
	case errors.Is(err, funded.ErrNotFound):
		server.Error(w, r, http.StatusNotFound, "not_found", "funded account not found")
		return
	case errors.Is(err, funded.ErrForbidden):
		server.Error(w, r, http.StatusForbidden, "forbidden", "not your funded account")
		return
	case err != nil:
		h.log.Error().Err(err).Str("funded_account_id", id.String()).Msg("Failed to load funded account")
		server.Error(w, r, http.StatusInternalServerError, "internal_error", "failed to load funded account")
		return
	}

	server.JSON(w, http.StatusOK, toAccountResponse(*view))
}

// HandleWithdraw opens a withdrawal against a funded account.
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "funded account not found")
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	result, err := h.service.RequestWithdrawal(r.Context(), auth.UserFrom(r.Context()).ID, id, req.Amount)
	switch {
	case errors.Is(err, funded.ErrNotFound):
		server.Error(w, r, http.StatusNotFound, "not_found", "funded account not found")
		return
	case errors.Is(err, funded.ErrForbidden):
		server.Error(w, r, http.StatusForbidden, "forbidden", "not your funded account")
		return
	case errors.Is(err, funded.ErrNotActive):
		server.Error(w, r, http.StatusConflict, "not_active", "funded account is closed")
		return
	case errors.Is(err, funded.ErrInvalidAmount), errors.Is(err, funded.ErrOpenPositions):
		server.Error(w, r, http.StatusBadRequest, "invalid_withdrawal", err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Str("funded_account_id", id.String()).Msg("Withdrawal failed")
		server.Error(w, r, http.StatusInternalServerError, "internal_error", "withdrawal failed")
		return
	}

	server.JSON(w, http.StatusOK, result)
}

// HandlePendingWithdrawals returns the manual review queue, oldest
// first.
func (h *Handler) HandlePendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.service.ListPending(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list pending withdrawals")
		server.Error(w, r, http.StatusInternalServerError, "internal_error", "failed to list pending withdrawals")
		return
	}

	withdrawals := make([]withdrawalResponse, 0, len(pending))
	for _, wd := range pending {
		withdrawals = append(withdrawals, toWithdrawalResponse(wd))
	}
	server.JSON(w, http.StatusOK, map[string]any{"withdrawals": withdrawals})
}

// HandleApprove resolves a pending withdrawal through the payout path.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "withdrawal not found")
		return
	}

	withdrawal, err := h.service.Approve(r.Context(), id)
	switch {
	case errors.Is(err, funded.ErrNotFound):
		server.Error(w, r, http.StatusNotFound, "not_found", "withdrawal not found")
		return
	case errors.Is(err, funded.ErrNotPending):
		server.Error(w, r, http.StatusConflict, "not_pending", "withdrawal already resolved")
		return
	case err != nil:
		h.log.Error().Err(err).Str("withdrawal_id", id.String()).Msg("Approval failed")
		server.Error(w, r, http.StatusBadGateway, "payout_failed", "payout provider rejected the withdrawal")
		return
	}

	server.JSON(w, http.StatusOK, toWithdrawalResponse(*withdrawal))
}

// HandleReject resolves a pending withdrawal without a payout.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "withdrawal not found")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "rejected by admin"
	}

	withdrawal, err := h.service.Reject(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, funded.ErrNotFound):
		server.Error(w, r, http.StatusNotFound, "not_found", "withdrawal not found")
		return
	case errors.Is(err, funded.ErrNotPending):
		server.Error(w, r, http.StatusConflict, "not_pending", "withdrawal already resolved")
		return
	case err != nil:
		h.log.Error().Err(err).Str("withdrawal_id", id.String()).Msg("Rejection failed")
		server.Error(w, r, http.StatusInternalServerError, "internal_error", "rejection failed")
		return
	}

	server.JSON(w, http.StatusOK, toWithdrawalResponse(*withdrawal))
}
