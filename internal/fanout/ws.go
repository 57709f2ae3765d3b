package fanout

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/propdesk/propdesk/internal/database"
)

// SessionValidator authenticates handshake tokens.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*database.User, error)
}

// AssessmentFinder resolves assessment ids for the ownership check.
type AssessmentFinder interface {
	Find(ctx context.Context, id uuid.UUID) (*database.Assessment, error)
}

// WSHandler upgrades and serves websocket clients.
type WSHandler struct {
	registry    *Registry
	ring        *Ring
	nodeID      string
	sessions    SessionValidator
	assessments AssessmentFinder
	log         zerolog.Logger
}

// NewWSHandler creates the websocket endpoint handler.
func NewWSHandler(registry *Registry, ring *Ring, nodeID string, sessions SessionValidator, assessments AssessmentFinder, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		registry:    registry,
		ring:        ring,
		nodeID:      nodeID,
		sessions:    sessions,
		assessments: assessments,
		log:         log.With().Str("handler", "ws").Logger(),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *WSHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.HandleWS)
}

type inboundFrame struct {
	Type string `json:"type"`
}

// HandleWS accepts a client: token auth, optional assessment scoping
// with an ownership and ring-owner check, then the pong read loop.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}

	ctx := r.Context()
	user, err := h.sessions.Validate(ctx, r.URL.Query().Get("token"))
	if err != nil {
		socket.Close(websocket.StatusPolicyViolation, "invalid session")
		return
	}

	assessmentID := r.URL.Query().Get("assessmentId")
	if assessmentID != "" {
		if !h.admitScoped(ctx, socket, user, assessmentID) {
			return
		}
	}

	conn := h.registry.Add(user.ID, assessmentID, socket)
	defer h.registry.Remove(conn.ID)

	greeting := map[string]string{
		"type":         "connected",
		"connectionId": conn.ID,
		"userId":       user.ID.String(),
	}
	if err := wsjson.Write(ctx, socket, greeting); err != nil {
		return
	}

	for {
		var in inboundFrame
		if err := wsjson.Read(ctx, socket, &in); err != nil {
			return
		}
		if in.Type == "pong" {
			conn.Touch()
		}
	}
}

// admitScoped verifies the assessment belongs to the user and that this
// node owns it on the ring. A foreign owner is answered with a redirect
// hint before the close.
func (h *WSHandler) admitScoped(ctx context.Context, socket *websocket.Conn, user *database.User, assessmentID string) bool {
	id, err := uuid.Parse(assessmentID)
	if err != nil {
		socket.Close(websocket.StatusPolicyViolation, "invalid assessment id")
		return false
	}

	assessment, err := h.assessments.Find(ctx, id)
	if err != nil || assessment == nil || assessment.UserID != user.ID {
		socket.Close(websocket.StatusPolicyViolation, "not your assessment")
		return false
	}

	owner, ok := h.ring.NodeFor(assessmentID)
	if ok && owner != h.nodeID {
		wsjson.Write(ctx, socket, map[string]string{"type": "redirect", "node": owner})
		socket.Close(websocket.StatusPolicyViolation, "assessment owned by another node")
		return false
	}
	return true
}
