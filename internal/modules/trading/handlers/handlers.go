// Package handlers provides the order, position and trade endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/modules/auth"
	"github.com/propdesk/propdesk/internal/modules/trading"
	"github.com/propdesk/propdesk/internal/oracle"
	"github.com/propdesk/propdesk/internal/server"
)

// Handler handles trading HTTP requests.
type Handler struct {
	service     *trading.Service
	authService *auth.Service
	log         zerolog.Logger
}

// NewHandler creates a new trading handler.
func NewHandler(service *trading.Service, authService *auth.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service:     service,
		authService: authService,
		log:         log.With().Str("handler", "trading").Logger(),
	}
}

// RegisterRoutes mounts the trading endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authService.RequireAuth)
		r.Post("/orders", h.HandlePlaceOrder)
		r.Get("/positions", h.HandlePositions)
		r.Post("/positions/{id}/close", h.HandleClose)
		r.Get("/trades", h.HandleTrades)
	})
}

// HandlePlaceOrder runs the order saga.
func (h *Handler) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssessmentID string  `json:"assessmentId"`
		Market       string  `json:"market"`
		Side         string  `json:"side"`
		Quantity     float64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	assessmentID, err := uuid.Parse(req.AssessmentID)
	if err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid assessment id")
		return
	}

	result, err := h.service.PlaceOrder(r.Context(), auth.UserFrom(r.Context()).ID, trading.OrderRequest{
		AssessmentID: assessmentID,
		Market:       req.Market,
		Side:         req.Side,
		Quantity:     req.Quantity,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	server.JSON(w, http.StatusOK, result)
}

// HandlePositions returns the snapshot positions for one assessment.
func (h *Handler) HandlePositions(w http.ResponseWriter, r *http.Request) {
	assessmentID, err := uuid.Parse(r.URL.Query().Get("assessmentId"))
	if err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "assessmentId query parameter required")
		return
	}

	positions, err := h.service.Positions(r.Context(), auth.UserFrom(r.Context()).ID, assessmentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	server.JSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// HandleClose closes one open position at the current price.
func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	positionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "position not found")
		return
	}

	result, err := h.service.ClosePosition(r.Context(), auth.UserFrom(r.Context()).ID, positionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	server.JSON(w, http.StatusOK, result)
}

// HandleTrades returns a page of the caller's trades.
func (h *Handler) HandleTrades(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	trades, total, err := h.service.Trades(r.Context(), auth.UserFrom(r.Context()).ID, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	server.JSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, trading.ErrInvalidOrder),
		errors.Is(err, trading.ErrRiskExceeded),
		errors.Is(err, trading.ErrInsufficientBalance):
		server.Error(w, r, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, trading.ErrNotActive):
		server.Error(w, r, http.StatusConflict, "conflict", "assessment not active")
	case errors.Is(err, trading.ErrPositionNotFound):
		server.Error(w, r, http.StatusNotFound, "not_found", "position not found")
	case errors.Is(err, assessments.ErrNotFound):
		server.Error(w, r, http.StatusNotFound, "not_found", "assessment not found")
	case errors.Is(err, assessments.ErrForbidden):
		server.Error(w, r, http.StatusForbidden, "forbidden", "not your assessment")
	case errors.Is(err, oracle.ErrUnavailable):
		server.Error(w, r, http.StatusServiceUnavailable, "upstream_unavailable", "market data unavailable")
	default:
		h.log.Error().Err(err).Str("correlation_id", server.CorrelationID(r.Context())).Msg("Trading request failed")
		server.Error(w, r, http.StatusInternalServerError, "internal", "internal server error")
	}
}
