// Package handlers provides the assessment lifecycle endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/modules/auth"
	"github.com/propdesk/propdesk/internal/server"
)

// Handler handles assessment HTTP requests.
type Handler struct {
	service     *assessments.Service
	authService *auth.Service
	log         zerolog.Logger
}

// NewHandler creates a new assessments handler.
func NewHandler(service *assessments.Service, authService *auth.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service:     service,
		authService: authService,
		log:         log.With().Str("handler", "assessments").Logger(),
	}
}

// RegisterRoutes mounts the assessment endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authService.RequireAuth)
		r.Post("/assessments", h.HandleCreate)
		r.Get("/assessments", h.HandleList)
		r.Get("/assessments/{id}", h.HandleGet)
		r.Post("/assessments/{id}/start", h.transition(h.service.Start))
		r.Post("/assessments/{id}/pause", h.transition(h.service.Pause))
		r.Post("/assessments/{id}/resume", h.transition(h.service.Resume))
		r.Post("/assessments/{id}/abandon", h.transition(h.service.Abandon))
	})
}

// HandleCreate opens an assessment for a completed purchase.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PurchaseID string `json:"purchaseId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	purchaseID, err := uuid.Parse(req.PurchaseID)
	if err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid purchase id")
		return
	}

	assessment, err := h.service.Create(r.Context(), auth.UserFrom(r.Context()).ID, purchaseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	server.JSON(w, http.StatusCreated, map[string]any{"assessment": toAssessmentBody(assessment, nil)})
}

// HandleList returns the caller's assessments with live state.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.List(r.Context(), auth.UserFrom(r.Context()).ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(views))
	for _, v := range views {
		out = append(out, toAssessmentBody(v.Assessment, &v))
	}
	server.JSON(w, http.StatusOK, map[string]any{"assessments": out})
}

// HandleGet returns one assessment with live state and rules.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "assessment not found")
		return
	}

	view, err := h.service.Get(r.Context(), auth.UserFrom(r.Context()).ID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	server.JSON(w, http.StatusOK, map[string]any{"assessment": toAssessmentBody(view.Assessment, view)})
}

func (h *Handler) transition(fn func(ctx context.Context, userID, id uuid.UUID) (*database.Assessment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			server.Error(w, r, http.StatusNotFound, "not_found", "assessment not found")
			return
		}

		assessment, err := fn(r.Context(), auth.UserFrom(r.Context()).ID, id)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		server.JSON(w, http.StatusOK, map[string]any{"assessment": toAssessmentBody(assessment, nil)})
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, assessments.ErrNotFound):
		server.Error(w, r, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, assessments.ErrForbidden):
		server.Error(w, r, http.StatusForbidden, "forbidden", "not your resource")
	case errors.Is(err, assessments.ErrBadTransition):
		server.Error(w, r, http.StatusConflict, "conflict", "invalid state transition")
	case errors.Is(err, assessments.ErrAlreadyExists):
		server.Error(w, r, http.StatusConflict, "conflict", "assessment already exists for purchase")
	case errors.Is(err, assessments.ErrPurchaseIncomplete):
		server.Error(w, r, http.StatusConflict, "conflict", "purchase not completed")
	default:
		h.log.Error().Err(err).Str("correlation_id", server.CorrelationID(r.Context())).Msg("Assessment request failed")
		server.Error(w, r, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func toAssessmentBody(a *database.Assessment, view *assessments.View) map[string]any {
	body := map[string]any{
		"id":          a.ID.String(),
		"tierId":      a.TierID,
		"status":      a.Status,
		"createdAt":   a.CreatedAt,
		"startedAt":   a.StartedAt,
		"completedAt": a.CompletedAt,
	}
	if view != nil && view.State != nil {
		body["state"] = view.State
	}
	if view != nil && view.Rules != nil {
		body["rules"] = view.Rules
	}
	return body
}
