package funded

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
)

// Repository is the durable store access for funded accounts, their
// envelopes and withdrawals.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over the shared gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateAccount inserts the funded account and its envelope in one
// transaction.
func (r *Repository) CreateAccount(ctx context.Context, account *database.FundedAccount, envelope *database.FundedVirtualAccount) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			return err
		}
		return tx.Create(envelope).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create funded account: %w", err)
	}
	return nil
}

// DeleteAccount removes the account and envelope rows. Compensation for
// a failed activation.
func (r *Repository) DeleteAccount(ctx context.Context, accountID uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("funded_account_id = ?", accountID).Delete(&database.FundedVirtualAccount{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", accountID).Delete(&database.FundedAccount{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete funded account: %w", err)
	}
	return nil
}

// FindByID returns one funded account, or nil.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*database.FundedAccount, error) {
	var account database.FundedAccount
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up funded account: %w", err)
	}
	return &account, nil
}

// FindByAssessment returns the funded account created from an
// assessment, or nil. The unique index on assessment_id is what makes
// activation idempotent.
func (r *Repository) FindByAssessment(ctx context.Context, assessmentID uuid.UUID) (*database.FundedAccount, error) {
	var account database.FundedAccount
	err := r.db.WithContext(ctx).First(&account, "assessment_id = ?", assessmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up funded account by assessment: %w", err)
	}
	return &account, nil
}

// ListByUser returns a user's funded accounts, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]database.FundedAccount, error) {
	var accounts []database.FundedAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list funded accounts: %w", err)
	}
	return accounts, nil
}

// FindEnvelope returns the balance envelope for a funded account.
func (r *Repository) FindEnvelope(ctx context.Context, accountID uuid.UUID) (*database.FundedVirtualAccount, error) {
	var envelope database.FundedVirtualAccount
	err := r.db.WithContext(ctx).First(&envelope, "funded_account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up funded envelope: %w", err)
	}
	return &envelope, nil
}

// Close transitions active → closed with a reason. Returns false when
// the account was not active.
func (r *Repository) Close(ctx context.Context, id uuid.UUID, reason string, closedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&database.FundedAccount{}).
		Where("id = ? AND status = ?", id, database.FundedActive).
		Updates(map[string]any{
			"status":         database.FundedClosed,
			"closure_reason": reason,
			"closed_at":      closedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to close funded account: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CreateWithdrawal inserts a withdrawal row.
func (r *Repository) CreateWithdrawal(ctx context.Context, withdrawal *database.Withdrawal) error {
	if err := r.db.WithContext(ctx).Create(withdrawal).Error; err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

// DeleteWithdrawal removes a withdrawal row. Compensation for a failed
// payout call.
func (r *Repository) DeleteWithdrawal(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&database.Withdrawal{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete withdrawal: %w", err)
	}
	return nil
}

// FindWithdrawal returns one withdrawal, or nil.
func (r *Repository) FindWithdrawal(ctx context.Context, id uuid.UUID) (*database.Withdrawal, error) {
	var withdrawal database.Withdrawal
	err := r.db.WithContext(ctx).First(&withdrawal, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up withdrawal: %w", err)
	}
	return &withdrawal, nil
}

// FindWithdrawalByPayoutRef resolves a provider payout reference.
func (r *Repository) FindWithdrawalByPayoutRef(ctx context.Context, ref string) (*database.Withdrawal, error) {
	var withdrawal database.Withdrawal
	err := r.db.WithContext(ctx).First(&withdrawal, "payout_ref = ?", ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up withdrawal by payout ref: %w", err)
	}
	return &withdrawal, nil
}

// ListPendingWithdrawals returns withdrawals awaiting manual review,
// oldest first.
func (r *Repository) ListPendingWithdrawals(ctx context.Context) ([]database.Withdrawal, error) {
	var withdrawals []database.Withdrawal
	err := r.db.WithContext(ctx).
		Where("status = ?", database.WithdrawalPending).
		Order("requested_at asc").
		Find(&withdrawals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	return withdrawals, nil
}

// UpdateWithdrawal applies column updates guarded by the current status.
// Returns false when the row was not in the expected status.
func (r *Repository) UpdateWithdrawal(ctx context.Context, id uuid.UUID, fromStatus []string, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&database.Withdrawal{}).
		Where("id = ? AND status IN ?", id, fromStatus).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update withdrawal %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AddToTotalWithdrawals shifts the envelope's monotonic counter; a
// negative delta is the payout-failed revert.
func (r *Repository) AddToTotalWithdrawals(ctx context.Context, accountID uuid.UUID, delta float64) error {
	err := r.db.WithContext(ctx).Model(&database.FundedVirtualAccount{}).
		Where("funded_account_id = ?", accountID).
		Update("total_withdrawals", gorm.Expr("total_withdrawals + ?", delta)).Error
	if err != nil {
		return fmt.Errorf("failed to adjust total withdrawals: %w", err)
	}
	return nil
}
