// Package handlers exposes the live rules snapshot endpoint.
package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/modules/auth"
	"github.com/propdesk/propdesk/internal/modules/rules"
	"github.com/propdesk/propdesk/internal/server"
)

// Handler serves rules snapshots.
type Handler struct {
	service     *rules.Service
	authService *auth.Service
	log         zerolog.Logger
}

// NewHandler creates a new rules handler.
func NewHandler(service *rules.Service, authService *auth.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service:     service,
		authService: authService,
		log:         log.With().Str("handler", "rules").Logger(),
	}
}

// RegisterRoutes mounts the rules endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authService.RequireAuth)
		r.Get("/rules", h.HandleGet)
	})
}

// HandleGet returns the stored rules snapshot for one assessment.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	assessmentID, err := uuid.Parse(r.URL.Query().Get("assessmentId"))
	if err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "assessmentId query parameter required")
		return
	}

	snap, err := h.service.Snapshot(r.Context(), auth.UserFrom(r.Context()).ID, assessmentID)
	switch {
	case errors.Is(err, assessments.ErrNotFound):
		server.Error(w, r, http.StatusNotFound, "not_found", "assessment not found")
		return
	case errors.Is(err, assessments.ErrForbidden):
		server.Error(w, r, http.StatusForbidden, "forbidden", "not your assessment")
		return
	case err != nil:
		server.Error(w, r, http.StatusNotFound, "not_found", "no rules snapshot for assessment")
		return
	}

	server.JSON(w, http.StatusOK, snap)
}
