// Package auth implements registration, login and bearer-token session
// validation. Sessions live in the durable store; a cache copy with a
// 30-minute TTL is authoritative for that staleness window.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/propdesk/propdesk/internal/database"
)

// SessionTTL is the durable session lifetime.
const SessionTTL = 7 * 24 * time.Hour

// CacheTTL bounds how long a cached session is trusted without
// consulting the durable store.
const CacheTTL = 30 * time.Minute

var (
	// ErrEmailTaken rejects duplicate registration.
	ErrEmailTaken = errors.New("email already registered")
	// ErrBadCredentials rejects login and invalid tokens.
	ErrBadCredentials = errors.New("invalid credentials")
)

type cachedSession struct {
	UserID    uuid.UUID `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service owns the user and session lifecycle.
type Service struct {
	repo *Repository
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewService creates the auth service. rdb may be nil in tests; the
// service then skips the session cache and always reads durable.
func NewService(repo *Repository, rdb *redis.Client, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		rdb:  rdb,
		log:  log.With().Str("component", "auth").Logger(),
	}
}

// Register creates a user and an initial session.
func (s *Service) Register(ctx context.Context, email, password string) (*database.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", fmt.Errorf("invalid email address")
	}
	if len(password) < 8 {
		return nil, "", fmt.Errorf("password must be at least 8 characters")
	}

	existing, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		return nil, "", ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	user := &database.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	token, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}

	s.log.Info().Str("user_id", user.ID.String()).Msg("User registered")
	return user, token, nil
}

// Login verifies credentials and issues a session.
func (s *Service) Login(ctx context.Context, email, password string) (*database.User, string, error) {
	user, err := s.repo.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, "", err
	}
	if user == nil {
		return nil, "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrBadCredentials
	}

	token, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Validate resolves a bearer token to its user. The cache copy is
// checked first; a miss falls through to the durable store and
// re-populates the cache.
func (s *Service) Validate(ctx context.Context, token string) (*database.User, error) {
	if token == "" {
		return nil, ErrBadCredentials
	}

	if cached := s.cacheGet(ctx, token); cached != nil {
		if time.Now().Before(cached.ExpiresAt) {
			user, err := s.repo.FindUserByID(ctx, cached.UserID)
			if err != nil {
				return nil, err
			}
			if user != nil {
				return user, nil
			}
		}
	}

	session, err := s.repo.FindSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrBadCredentials
	}

	s.cacheSet(ctx, token, cachedSession{UserID: session.UserID, ExpiresAt: session.ExpiresAt})

	user, err := s.repo.FindUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrBadCredentials
	}
	return user, nil
}

// Logout invalidates a session in both stores.
func (s *Service) Logout(ctx context.Context, token string) error {
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, sessionKey(token)).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to evict cached session")
		}
	}
	return s.repo.DeleteSession(ctx, token)
}

// PurgeExpired removes expired durable sessions. Run from the
// maintenance scheduler.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredSessions(ctx)
}

func (s *Service) createSession(ctx context.Context, userID uuid.UUID) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	session := &database.Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: time.Now().Add(SessionTTL),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return "", err
	}
	s.cacheSet(ctx, token, cachedSession{UserID: userID, ExpiresAt: session.ExpiresAt})
	return token, nil
}

func sessionKey(token string) string {
	return "session:" + token
}

func (s *Service) cacheGet(ctx context.Context, token string) *cachedSession {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, sessionKey(token)).Bytes()
	if err != nil {
		return nil
	}
	var cached cachedSession
	if json.Unmarshal(data, &cached) != nil {
		return nil
	}
	return &cached
}

func (s *Service) cacheSet(ctx context.Context, token string, cached cachedSession) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, sessionKey(token), data, CacheTTL).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache session")
	}
}
