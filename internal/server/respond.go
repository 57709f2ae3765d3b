// Response helpers and correlation-id plumbing shared by the module
// handlers.

package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const correlationIDKey contextKey = "correlationId"

// CorrelationIDHeader is propagated from clients and echoed on every
// log line and event header.
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationID returns the request's correlation id, or empty when the
// middleware did not run.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithCorrelationID stores a correlation id on a context. Exposed for
// workers and consumers that originate their own ids.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationMiddleware generates or propagates the correlation id and
// echoes it on the response.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(CorrelationIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), id)))
	})
}

// JSON writes a JSON response body.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the single client-visible failure shape.
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

// Error writes the `{error, message, correlationId}` failure shape.
func Error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	JSON(w, status, errorBody{
		Error:         code,
		Message:       message,
		CorrelationID: CorrelationID(r.Context()),
	})
}
