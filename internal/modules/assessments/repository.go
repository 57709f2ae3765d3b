package assessments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
)

// Repository is the durable store access for assessments and their
// virtual accounts.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over the shared gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts an assessment row.
func (r *Repository) Create(ctx context.Context, assessment *database.Assessment) error {
	if err := r.db.WithContext(ctx).Create(assessment).Error; err != nil {
		return fmt.Errorf("failed to create assessment: %w", err)
	}
	return nil
}

// FindByID returns one assessment, or nil when absent.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*database.Assessment, error) {
	var assessment database.Assessment
	err := r.db.WithContext(ctx).First(&assessment, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up assessment: %w", err)
	}
	return &assessment, nil
}

// FindByPurchase returns the assessment backing a purchase, or nil.
func (r *Repository) FindByPurchase(ctx context.Context, purchaseID uuid.UUID) (*database.Assessment, error) {
	var assessment database.Assessment
	err := r.db.WithContext(ctx).First(&assessment, "purchase_id = ?", purchaseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up assessment by purchase: %w", err)
	}
	return &assessment, nil
}

// ListByUser returns a user's assessments, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]database.Assessment, error) {
	var assessments []database.Assessment
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&assessments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	return assessments, nil
}

// Transition flips status from one of the allowed source states to the
// target, applying the extra column updates atomically. Returns false
// when the row was not in an allowed source state.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from []string, to string, updates map[string]any) (bool, error) {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to

	res := r.db.WithContext(ctx).Model(&database.Assessment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition assessment %s to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CreateVirtualAccount inserts the balance envelope row.
func (r *Repository) CreateVirtualAccount(ctx context.Context, va *database.VirtualAccount) error {
	if err := r.db.WithContext(ctx).Create(va).Error; err != nil {
		return fmt.Errorf("failed to create virtual account: %w", err)
	}
	return nil
}

// FindVirtualAccount returns the envelope for an assessment, or nil.
func (r *Repository) FindVirtualAccount(ctx context.Context, assessmentID uuid.UUID) (*database.VirtualAccount, error) {
	var va database.VirtualAccount
	err := r.db.WithContext(ctx).First(&va, "assessment_id = ?", assessmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up virtual account: %w", err)
	}
	return &va, nil
}

// PurgeAbandoned hard-deletes abandoned assessments past their
// soft-delete horizon, cascading children. Returns how many assessments
// were removed.
func (r *Repository) PurgeAbandoned(ctx context.Context, now time.Time) (int64, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&database.Assessment{}).
		Where("status = ? AND delete_after IS NOT NULL AND delete_after <= ?", database.AssessmentAbandoned, now).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find purgeable assessments: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&database.Trade{}, &database.Position{}, &database.Violation{},
			&database.VirtualAccount{},
		} {
			if err := tx.Where("assessment_id IN ?", ids).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("account_id IN ?", ids).Delete(&database.RuleCheck{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&database.Assessment{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge abandoned assessments: %w", err)
	}
	return int64(len(ids)), nil
}
