package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/server"
)

type contextKey string

const userKey contextKey = "user"

// UserFrom returns the authenticated user stored by RequireAuth.
func UserFrom(ctx context.Context) *database.User {
	user, _ := ctx.Value(userKey).(*database.User)
	return user
}

// WithUser stores a user on a context. Exposed for handler tests.
func WithUser(ctx context.Context, user *database.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// TokenFrom extracts the bearer token from a request. The websocket
// handshake passes it as a query parameter instead.
func TokenFrom(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// RequireAuth rejects requests without a valid session and stores the
// user on the request context.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.Validate(r.Context(), TokenFrom(r))
		if err != nil {
			server.Error(w, r, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireAdmin rejects non-admin users. Must run inside RequireAuth.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r.Context())
		if user == nil || !user.IsAdmin {
			server.Error(w, r, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
