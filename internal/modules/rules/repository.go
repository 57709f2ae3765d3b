package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
)

// Repository is the durable store access for violations and the
// liquidation of open positions.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over the shared gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateViolation inserts a violation row.
func (r *Repository) CreateViolation(ctx context.Context, violation *database.Violation) error {
	if err := r.db.WithContext(ctx).Create(violation).Error; err != nil {
		return fmt.Errorf("failed to create violation: %w", err)
	}
	return nil
}

// CloseOpenPositions durably sets closed_at on the given positions.
// Already-closed rows are untouched, which keeps the failure handler
// idempotent under replays.
func (r *Repository) CloseOpenPositions(ctx context.Context, ids []uuid.UUID, closedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&database.Position{}).
		Where("id IN ? AND closed_at IS NULL", ids).
		Update("closed_at", closedAt).Error
	if err != nil {
		return fmt.Errorf("failed to close positions: %w", err)
	}
	return nil
}
