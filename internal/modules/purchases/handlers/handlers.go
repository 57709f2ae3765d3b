// Package handlers provides the purchase endpoints and the payment
// provider webhook.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/modules/auth"
	"github.com/propdesk/propdesk/internal/modules/purchases"
	"github.com/propdesk/propdesk/internal/payments"
	"github.com/propdesk/propdesk/internal/server"
)

// PayoutResolver resolves asynchronous payout outcomes. Implemented by
// the funded module.
type PayoutResolver interface {
	ResolvePayoutPaid(ctx context.Context, payoutRef string) error
	ResolvePayoutFailed(ctx context.Context, payoutRef string) error
}

// Handler handles purchase HTTP requests and the provider webhook.
type Handler struct {
	service       *purchases.Service
	authService   *auth.Service
	payouts       PayoutResolver
	webhookSecret string
	log           zerolog.Logger
}

// NewHandler creates a new purchases handler.
func NewHandler(service *purchases.Service, authService *auth.Service, payouts PayoutResolver, webhookSecret string, log zerolog.Logger) *Handler {
	return &Handler{
		service:       service,
		authService:   authService,
		payouts:       payouts,
		webhookSecret: webhookSecret,
		log:           log.With().Str("handler", "purchases").Logger(),
	}
}

// RegisterRoutes mounts the purchase endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.HandleWebhook)
	r.Group(func(r chi.Router) {
		r.Use(h.authService.RequireAuth)
		r.Post("/purchases", h.HandleCreate)
		r.Get("/purchases/{id}", h.HandleGet)
	})
}

// HandleCreate opens a purchase and returns the payment client secret.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TierID string `json:"tierId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	user := auth.UserFrom(r.Context())
	result, err := h.service.Create(r.Context(), user.ID, req.TierID)
	if errors.Is(err, purchases.ErrTierUnknown) {
		server.Error(w, r, http.StatusNotFound, "not_found", "unknown tier")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create purchase")
		server.Error(w, r, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	server.JSON(w, http.StatusCreated, map[string]any{
		"purchaseId":          result.Purchase.ID.String(),
		"paymentClientSecret": result.ClientSecret,
		"amount":              result.AmountCents,
	})
}

// HandleGet returns one purchase owned by the caller.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "purchase not found")
		return
	}

	purchase, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load purchase")
		server.Error(w, r, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	if purchase == nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "purchase not found")
		return
	}
	if purchase.UserID != auth.UserFrom(r.Context()).ID {
		server.Error(w, r, http.StatusForbidden, "forbidden", "not your purchase")
		return
	}

	server.JSON(w, http.StatusOK, map[string]any{"purchase": toPurchaseResponse(purchase)})
}

// HandleWebhook verifies and dispatches a provider event. Always
// answers 200 {received:true} once the signature checks out: failures
// are logged and the provider retries.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	event, err := payments.VerifyAndParse(body, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_signature", "invalid webhook signature")
		return
	}

	ref := event.Data.Object.Reference
	switch event.Type {
	case "payment_intent.succeeded":
		err = h.service.CompletePayment(r.Context(), ref)
	case "payment_intent.payment_failed":
		err = h.service.FailPayment(r.Context(), ref)
	case "payout.paid":
		err = h.payouts.ResolvePayoutPaid(r.Context(), ref)
	case "payout.failed":
		err = h.payouts.ResolvePayoutFailed(r.Context(), ref)
	default:
		h.log.Debug().Str("type", event.Type).Msg("Ignoring webhook event type")
	}
	if err != nil {
		h.log.Error().Err(err).Str("type", event.Type).Str("ref", ref).Msg("Webhook handling failed")
	}

	server.JSON(w, http.StatusOK, map[string]any{"received": true})
}

func toPurchaseResponse(p *database.Purchase) map[string]any {
	return map[string]any{
		"id":          p.ID.String(),
		"tierId":      p.TierID,
		"status":      p.Status,
		"createdAt":   p.CreatedAt,
		"completedAt": p.CompletedAt,
	}
}
