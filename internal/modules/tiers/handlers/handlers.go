// Package handlers provides the public tier catalog endpoint.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/modules/tiers"
	"github.com/propdesk/propdesk/internal/server"
)

// Handler serves the tier catalog.
type Handler struct {
	repo *tiers.Repository
	log  zerolog.Logger
}

// NewHandler creates a new tiers handler.
func NewHandler(repo *tiers.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "tiers").Logger(),
	}
}

// RegisterRoutes mounts the tier endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/tiers", h.HandleList)
}

type tierResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	PriceCents      int64   `json:"priceCents"`
	StartingBalance float64 `json:"startingBalance"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
	MinTrades       int     `json:"minTrades"`
	MaxRiskPerTrade float64 `json:"maxRiskPerTrade"`
	ProfitSplit     float64 `json:"profitSplit"`
}

// HandleList returns all tiers.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list tiers")
		server.Error(w, r, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	out := make([]tierResponse, 0, len(list))
	for _, t := range list {
		out = append(out, toTierResponse(t))
	}
	server.JSON(w, http.StatusOK, map[string]any{"tiers": out})
}

func toTierResponse(t database.Tier) tierResponse {
	return tierResponse{
		ID:              t.ID,
		Name:            t.Name,
		PriceCents:      t.PriceCents,
		StartingBalance: t.StartingBalance,
		MaxDrawdown:     t.MaxDrawdown,
		MinTrades:       t.MinTrades,
		MaxRiskPerTrade: t.MaxRiskPerTrade,
		ProfitSplit:     t.ProfitSplit,
	}
}
