package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
)

// Repository is the durable store access for positions, trades and
// violations.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over the shared gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreatePosition inserts a position row.
func (r *Repository) CreatePosition(ctx context.Context, position *database.Position) error {
	if err := r.db.WithContext(ctx).Create(position).Error; err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	return nil
}

// FindPosition returns one position row, or nil when absent.
func (r *Repository) FindPosition(ctx context.Context, id uuid.UUID) (*database.Position, error) {
	var position database.Position
	err := r.db.WithContext(ctx).First(&position, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up position: %w", err)
	}
	return &position, nil
}

// ClosePosition sets closed_at on an open position. Idempotent: an
// already-closed row is left as is.
func (r *Repository) ClosePosition(ctx context.Context, id uuid.UUID, closedAt time.Time) error {
	err := r.db.WithContext(ctx).Model(&database.Position{}).
		Where("id = ? AND closed_at IS NULL", id).
		Update("closed_at", closedAt).Error
	if err != nil {
		return fmt.Errorf("failed to close position %s: %w", id, err)
	}
	return nil
}

// CreateTrade inserts a trade row.
func (r *Repository) CreateTrade(ctx context.Context, trade *database.Trade) error {
	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// ListTradesByUser returns a page of the user's trades, newest first,
// with the unpaged total.
func (r *Repository) ListTradesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]database.Trade, int64, error) {
	owned := r.db.Model(&database.Assessment{}).Select("id").Where("user_id = ?", userID)

	var total int64
	err := r.db.WithContext(ctx).Model(&database.Trade{}).
		Where("assessment_id IN (?)", owned).
		Count(&total).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	var trades []database.Trade
	err = r.db.WithContext(ctx).
		Where("assessment_id IN (?)", owned).
		Order("created_at desc").
		Limit(limit).Offset(offset).
		Find(&trades).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, total, nil
}

// CreateViolation inserts a violation row.
func (r *Repository) CreateViolation(ctx context.Context, violation *database.Violation) error {
	if err := r.db.WithContext(ctx).Create(violation).Error; err != nil {
		return fmt.Errorf("failed to create violation: %w", err)
	}
	return nil
}
