package purchases

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/modules/tiers"
	"github.com/propdesk/propdesk/internal/payments"
)

type fakeProvider struct {
	intents int
}

func (f *fakeProvider) CreateIntent(_ context.Context, _ int64, _, purchaseID string) (*payments.Intent, error) {
	f.intents++
	return &payments.Intent{
		Reference:    "pi_" + purchaseID,
		ClientSecret: "secret_" + purchaseID,
		Status:       "requires_payment_method",
	}, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *events.Recorder) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, database.SeedTiers(db))

	recorder := events.NewRecorder()
	service := NewService(db, NewRepository(db), tiers.NewRepository(db), &fakeProvider{}, recorder, zerolog.Nop())
	return service, db, recorder
}

func TestCreatePurchase(t *testing.T) {
	s, _, recorder := newTestService(t)
	ctx := context.Background()

	result, err := s.Create(ctx, uuid.New(), "starter")
	require.NoError(t, err)
	assert.Equal(t, database.PurchasePending, result.Purchase.Status)
	assert.NotEmpty(t, result.ClientSecret)
	assert.Positive(t, result.AmountCents)
	assert.Equal(t, 1, recorder.CountTopic(events.TopicPurchaseInitiated))
}

func TestCreatePurchaseUnknownTier(t *testing.T) {
	s, _, _ := newTestService(t)

	_, err := s.Create(context.Background(), uuid.New(), "platinum")
	assert.ErrorIs(t, err, ErrTierUnknown)
}

func TestCompletePaymentCreatesAssessmentOnce(t *testing.T) {
	s, db, recorder := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	result, err := s.Create(ctx, userID, "starter")
	require.NoError(t, err)

	require.NoError(t, s.CompletePayment(ctx, result.Purchase.PaymentRef))
	// Duplicate delivery of the same intent.
	require.NoError(t, s.CompletePayment(ctx, result.Purchase.PaymentRef))

	var purchase database.Purchase
	require.NoError(t, db.First(&purchase, "id = ?", result.Purchase.ID).Error)
	assert.Equal(t, database.PurchaseCompleted, purchase.Status)
	require.NotNil(t, purchase.CompletedAt)

	var count int64
	require.NoError(t, db.Model(&database.Assessment{}).
		Where("purchase_id = ?", result.Purchase.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	assert.Equal(t, 1, recorder.CountTopic(events.TopicPurchaseCompleted))
	assert.Equal(t, 1, recorder.CountTopic(events.TopicAssessmentCreated))
}

func TestFailPayment(t *testing.T) {
	s, db, recorder := newTestService(t)
	ctx := context.Background()

	result, err := s.Create(ctx, uuid.New(), "standard")
	require.NoError(t, err)

	require.NoError(t, s.FailPayment(ctx, result.Purchase.PaymentRef))

	var purchase database.Purchase
	require.NoError(t, db.First(&purchase, "id = ?", result.Purchase.ID).Error)
	assert.Equal(t, database.PurchaseFailed, purchase.Status)
	assert.Equal(t, 1, recorder.CountTopic(events.TopicPurchaseFailed))

	// Completed purchases are not demoted by a late failure event.
	require.NoError(t, s.FailPayment(ctx, result.Purchase.PaymentRef))
	assert.Equal(t, 1, recorder.CountTopic(events.TopicPurchaseFailed))
}
