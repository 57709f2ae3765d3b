// Package purchases handles tier purchases: intent creation against the
// payment provider and webhook-driven completion, which atomically
// creates the backing assessment.
package purchases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/modules/tiers"
	"github.com/propdesk/propdesk/internal/payments"
	"github.com/propdesk/propdesk/internal/server"
)

// ErrTierUnknown rejects purchases of tiers that do not exist.
var ErrTierUnknown = errors.New("unknown tier")

// IntentCreator is the slice of the payment client the service needs.
type IntentCreator interface {
	CreateIntent(ctx context.Context, amountCents int64, currency, purchaseID string) (*payments.Intent, error)
}

// Service owns the purchase lifecycle.
type Service struct {
	db       *gorm.DB
	repo     *Repository
	tierRepo *tiers.Repository
	provider IntentCreator
	producer events.Producer
	log      zerolog.Logger
}

// NewService creates the purchases service.
func NewService(db *gorm.DB, repo *Repository, tierRepo *tiers.Repository, provider IntentCreator, producer events.Producer, log zerolog.Logger) *Service {
	return &Service{
		db:       db,
		repo:     repo,
		tierRepo: tierRepo,
		provider: provider,
		producer: producer,
		log:      log.With().Str("component", "purchases").Logger(),
	}
}

// CreateResult is the response of a new purchase.
type CreateResult struct {
	Purchase     *database.Purchase
	ClientSecret string
	AmountCents  int64
}

// Create opens a pending purchase and a payment intent for it.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, tierID string) (*CreateResult, error) {
	tier, err := s.tierRepo.Get(ctx, tierID)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, ErrTierUnknown
	}

	purchase := &database.Purchase{
		ID:     uuid.New(),
		UserID: userID,
		TierID: tier.ID,
		Status: database.PurchasePending,
		// Placeholder until the provider assigns the real reference;
		// the column is unique so it cannot be empty.
		PaymentRef: "pending:" + uuid.New().String(),
	}
	if err := s.repo.Create(ctx, purchase); err != nil {
		return nil, err
	}

	intent, err := s.provider.CreateIntent(ctx, tier.PriceCents, "usd", purchase.ID.String())
	if err != nil {
		return nil, fmt.Errorf("payment provider rejected intent: %w", err)
	}
	if err := s.repo.SetPaymentRef(ctx, purchase.ID, intent.Reference); err != nil {
		return nil, err
	}
	purchase.PaymentRef = intent.Reference

	s.emit(ctx, events.TopicPurchaseInitiated, purchase, tier.PriceCents)
	return &CreateResult{Purchase: purchase, ClientSecret: intent.ClientSecret, AmountCents: tier.PriceCents}, nil
}

// Get returns one purchase, or nil.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*database.Purchase, error) {
	return s.repo.FindByID(ctx, id)
}

// CompletePayment handles payment_intent.succeeded: in one transaction
// the purchase flips to completed and the assessment row is created.
// Duplicate webhook deliveries for the same intent find the purchase
// already completed and return without a second assessment.
func (s *Service) CompletePayment(ctx context.Context, paymentRef string) error {
	purchase, err := s.repo.FindByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}
	if purchase == nil {
		return fmt.Errorf("no purchase for payment ref %s", paymentRef)
	}
	if purchase.Status == database.PurchaseCompleted {
		s.log.Info().Str("purchase_id", purchase.ID.String()).Msg("Duplicate payment webhook ignored")
		return nil
	}

	assessment := &database.Assessment{
		ID:         uuid.New(),
		UserID:     purchase.UserID,
		TierID:     purchase.TierID,
		PurchaseID: purchase.ID,
		Status:     database.AssessmentPending,
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&database.Purchase{}).
			Where("id = ? AND status = ?", purchase.ID, database.PurchasePending).
			Updates(map[string]any{"status": database.PurchaseCompleted, "completed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race with a concurrent delivery.
			return nil
		}
		return tx.Create(assessment).Error
	})
	if err != nil {
		return fmt.Errorf("failed to complete purchase %s: %w", purchase.ID, err)
	}

	s.emit(ctx, events.TopicPurchaseCompleted, purchase, 0)
	if err := s.producer.Publish(ctx, assessment.ID.String(),
		events.NewAssessmentLifecycle(events.TopicAssessmentCreated, assessment.ID.String(), purchase.UserID.String(), purchase.TierID, ""),
		server.CorrelationID(ctx)); err != nil {
		s.log.Warn().Err(err).Msg("Failed to emit assessment created")
	}

	s.log.Info().
		Str("purchase_id", purchase.ID.String()).
		Str("assessment_id", assessment.ID.String()).
		Msg("Purchase completed")
	return nil
}

// FailPayment handles payment_intent.payment_failed.
func (s *Service) FailPayment(ctx context.Context, paymentRef string) error {
	purchase, err := s.repo.FindByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}
	if purchase == nil || purchase.Status != database.PurchasePending {
		return nil
	}

	err = s.db.WithContext(ctx).Model(&database.Purchase{}).
		Where("id = ? AND status = ?", purchase.ID, database.PurchasePending).
		Update("status", database.PurchaseFailed).Error
	if err != nil {
		return fmt.Errorf("failed to mark purchase failed: %w", err)
	}

	s.emit(ctx, events.TopicPurchaseFailed, purchase, 0)
	return nil
}

func (s *Service) emit(ctx context.Context, topic string, purchase *database.Purchase, amountCents int64) {
	err := s.producer.Publish(ctx, purchase.ID.String(), events.NewPurchaseEvent(topic, events.PurchaseData{
		PurchaseID:  purchase.ID.String(),
		UserID:      purchase.UserID.String(),
		TierID:      purchase.TierID,
		AmountCents: amountCents,
	}), server.CorrelationID(ctx))
	if err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("Failed to emit purchase event")
	}
}
