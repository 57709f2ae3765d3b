package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/propdesk/propdesk/internal/metrics"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultConnectionTimeout = 60 * time.Second
)

// Conn is one registered websocket client.
type Conn struct {
	ID           string
	UserID       uuid.UUID
	AssessmentID string
	Socket       *websocket.Conn
	ConnectedAt  time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// Touch refreshes the heartbeat clock. Called on pong.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Conn) heartbeatAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeat)
}

// Registry tracks live connections on this node.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	log   zerolog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		log:   log.With().Str("component", "connections").Logger(),
	}
}

// Add registers a connection and returns it.
func (r *Registry) Add(userID uuid.UUID, assessmentID string, socket *websocket.Conn) *Conn {
	conn := &Conn{
		ID:            uuid.New().String(),
		UserID:        userID,
		AssessmentID:  assessmentID,
		Socket:        socket,
		ConnectedAt:   time.Now(),
		lastHeartbeat: time.Now(),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	metrics.WsConnections.Inc()
	r.log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID.String()).
		Str("assessment_id", assessmentID).
		Msg("Connection registered")
	return conn
}

// Remove drops a connection and observes its duration.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	metrics.WsConnections.Dec()
	r.log.Info().
		Str("connection_id", id).
		Dur("duration", time.Since(conn.ConnectedAt)).
		Msg("Connection removed")
}

// Get returns a connection by id, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// All returns every live connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// ForAssessment returns the connections watching one account.
func (r *Registry) ForAssessment(assessmentID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, conn := range r.conns {
		if conn.AssessmentID == assessmentID {
			out = append(out, conn)
		}
	}
	return out
}

// Send writes one JSON frame; write failures drop the connection.
func (r *Registry) Send(ctx context.Context, conn *Conn, frameType string, v any) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := wsjson.Write(writeCtx, conn.Socket, v); err != nil {
		r.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("Write failed, dropping connection")
		conn.Socket.Close(websocket.StatusInternalError, "write failed")
		r.Remove(conn.ID)
		return
	}
	metrics.WsMessagesSent.WithLabelValues(frameType).Inc()
}

// RunHeartbeat pings every connection on the interval and closes the
// ones whose last pong is older than the timeout.
func (r *Registry) RunHeartbeat(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, timeout)
		}
	}
}

func (r *Registry) sweep(ctx context.Context, timeout time.Duration) {
	for _, conn := range r.All() {
		if conn.heartbeatAge() > timeout {
			r.log.Info().Str("connection_id", conn.ID).Msg("Heartbeat timeout")
			conn.Socket.Close(websocket.StatusNormalClosure, "Heartbeat timeout")
			r.Remove(conn.ID)
			continue
		}
		r.Send(ctx, conn, "ping", map[string]string{"type": "ping"})
	}
}

// Shutdown closes every connection with a going-away code.
func (r *Registry) Shutdown() {
	for _, conn := range r.All() {
		conn.Socket.Close(websocket.StatusGoingAway, "server shutting down")
		r.Remove(conn.ID)
	}
}
