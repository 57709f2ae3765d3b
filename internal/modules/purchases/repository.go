package purchases

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
)

// Repository is the durable store access for purchases.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over the shared gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a purchase row.
func (r *Repository) Create(ctx context.Context, purchase *database.Purchase) error {
	if err := r.db.WithContext(ctx).Create(purchase).Error; err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// FindByID returns one purchase, or nil when absent.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*database.Purchase, error) {
	var purchase database.Purchase
	err := r.db.WithContext(ctx).First(&purchase, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up purchase: %w", err)
	}
	return &purchase, nil
}

// FindByPaymentRef returns the purchase backing a payment intent, or nil.
func (r *Repository) FindByPaymentRef(ctx context.Context, ref string) (*database.Purchase, error) {
	var purchase database.Purchase
	err := r.db.WithContext(ctx).First(&purchase, "payment_ref = ?", ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up purchase by payment ref: %w", err)
	}
	return &purchase, nil
}

// SetPaymentRef records the external intent reference on a pending
// purchase.
func (r *Repository) SetPaymentRef(ctx context.Context, id uuid.UUID, ref string) error {
	err := r.db.WithContext(ctx).Model(&database.Purchase{}).
		Where("id = ?", id).
		Update("payment_ref", ref).Error
	if err != nil {
		return fmt.Errorf("failed to record payment ref: %w", err)
	}
	return nil
}
