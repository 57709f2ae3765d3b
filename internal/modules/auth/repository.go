package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
)

// Repository is the durable store access for users and sessions.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over the shared gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts a user row.
func (r *Repository) CreateUser(ctx context.Context, user *database.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// FindUserByEmail returns the user or nil when absent.
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*database.User, error) {
	var user database.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}
	return &user, nil
}

// FindUserByID returns the user or nil when absent.
func (r *Repository) FindUserByID(ctx context.Context, id uuid.UUID) (*database.User, error) {
	var user database.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return &user, nil
}

// CreateSession inserts a session row.
func (r *Repository) CreateSession(ctx context.Context, session *database.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindSession returns a session that has not expired, or nil.
func (r *Repository) FindSession(ctx context.Context, token string) (*database.Session, error) {
	var session database.Session
	err := r.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", token, time.Now()).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a session row. Missing rows are not an error.
func (r *Repository) DeleteSession(ctx context.Context, token string) error {
	if err := r.db.WithContext(ctx).Delete(&database.Session{}, "token = ?", token).Error; err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions purges sessions past their expiry and returns
// how many were removed.
func (r *Repository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", time.Now()).Delete(&database.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
