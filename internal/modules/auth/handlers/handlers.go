// Package handlers provides HTTP handlers for registration, login and
// session introspection.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/modules/auth"
	"github.com/propdesk/propdesk/internal/server"
)

// Handler handles auth HTTP requests.
type Handler struct {
	service *auth.Service
	log     zerolog.Logger
}

// NewHandler creates a new auth handler.
func NewHandler(service *auth.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "auth").Logger(),
	}
}

// RegisterRoutes mounts the auth endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/register", h.HandleRegister)
	r.Post("/auth/login", h.HandleLogin)
	r.Group(func(r chi.Router) {
		r.Use(h.service.RequireAuth)
		r.Get("/auth/me", h.HandleMe)
		r.Post("/auth/logout", h.HandleLogout)
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"isAdmin"`
}

func toUserResponse(u *database.User) userResponse {
	return userResponse{ID: u.ID.String(), Email: u.Email, IsAdmin: u.IsAdmin}
}

// HandleRegister creates a user and returns a session token.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	user, token, err := h.service.Register(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrEmailTaken) {
		server.Error(w, r, http.StatusConflict, "conflict", "email already registered")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	server.JSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  toUserResponse(user),
	})
}

// HandleLogin verifies credentials and returns a session token.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.Error(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	user, token, err := h.service.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrBadCredentials) {
		server.Error(w, r, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	server.JSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  toUserResponse(user),
	})
}

// HandleMe returns the authenticated user.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	if user == nil {
		server.Error(w, r, http.StatusNotFound, "not_found", "user not found")
		return
	}
	server.JSON(w, http.StatusOK, map[string]any{"user": toUserResponse(user)})
}

// HandleLogout invalidates the current session.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), auth.TokenFrom(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	server.JSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error().Err(err).Str("correlation_id", server.CorrelationID(r.Context())).Msg("Auth request failed")
	server.Error(w, r, http.StatusInternalServerError, "internal", "internal server error")
}
