// Package tiers exposes the seeded evaluation tier catalog. Tiers are
// immutable at runtime.
package tiers

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
)

// Repository reads the tier catalog.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over the shared gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// List returns all tiers ordered by price.
func (r *Repository) List(ctx context.Context) ([]database.Tier, error) {
	var tiers []database.Tier
	if err := r.db.WithContext(ctx).Order("price_cents asc").Find(&tiers).Error; err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	return tiers, nil
}

// Get returns one tier, or nil when unknown.
func (r *Repository) Get(ctx context.Context, id string) (*database.Tier, error) {
	var tier database.Tier
	err := r.db.WithContext(ctx).First(&tier, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tier %s: %w", id, err)
	}
	return &tier, nil
}
