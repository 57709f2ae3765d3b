package funded

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/modules/purchases"
	"github.com/propdesk/propdesk/internal/modules/tiers"
	"github.com/propdesk/propdesk/internal/payments"
)

type payoutCall struct {
	amountCents  int64
	withdrawalID string
}

type fakeProvider struct {
	calls       []payoutCall
	fail        bool
	afterPayout func()
}

func (f *fakeProvider) CreatePayout(_ context.Context, amountCents int64, _, withdrawalID string) (*payments.Payout, error) {
	if f.fail {
		return nil, errors.New("provider unavailable")
	}
	f.calls = append(f.calls, payoutCall{amountCents: amountCents, withdrawalID: withdrawalID})
	if f.afterPayout != nil {
		f.afterPayout()
	}
	return &payments.Payout{Reference: "po_" + withdrawalID, Status: "paid"}, nil
}

// updateBlocker fails withdrawal-table updates once armed, after letting
// a configured number through. Simulates the database dropping out
// mid-saga.
type updateBlocker struct {
	armed bool
	allow int
}

func (b *updateBlocker) hook(tx *gorm.DB) {
	if !b.armed || tx.Statement.Table != "withdrawals" {
		return
	}
	if b.allow > 0 {
		b.allow--
		return
	}
	_ = tx.AddError(errors.New("write: connection reset by peer"))
}

type fixture struct {
	service  *Service
	db       *gorm.DB
	states   *cache.Memory
	recorder *events.Recorder
	provider *fakeProvider
	userID   uuid.UUID
}

func newFixture(t *testing.T) (*fixture, uuid.UUID) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)

	tier := database.Tier{
		ID: "t0", Name: "T0", PriceCents: 9900,
		StartingBalance: 50000, MaxDrawdown: 0.2, MinTrades: 2,
		MaxRiskPerTrade: 0.1, ProfitSplit: 0.85,
		FundedMaxDrawdown: 0.1, FundedMaxRiskPerTrade: 0.05,
	}
	require.NoError(t, db.Create(&tier).Error)

	states := cache.NewMemory()
	recorder := events.NewRecorder()
	keyed := locks.NewKeyed()
	provider := &fakeProvider{}
	tierRepo := tiers.NewRepository(db)
	assessmentSvc := assessments.NewService(
		assessments.NewRepository(db),
		tierRepo,
		purchases.NewRepository(db),
		states, keyed, recorder, zerolog.Nop(),
	)
	service := NewService(NewRepository(db), assessmentSvc, tierRepo, states, keyed, provider, recorder, zerolog.Nop())

	f := &fixture{
		service: service, db: db, states: states,
		recorder: recorder, provider: provider, userID: uuid.New(),
	}

	purchase := &database.Purchase{
		ID: uuid.New(), UserID: f.userID, TierID: tier.ID,
		PaymentRef: "pi_" + uuid.New().String(), Status: database.PurchaseCompleted,
	}
	require.NoError(t, db.Create(purchase).Error)
	started := time.Now().Add(-72 * time.Hour)
	completed := time.Now()
	assessment := &database.Assessment{
		ID: uuid.New(), UserID: f.userID, TierID: tier.ID,
		PurchaseID: purchase.ID, Status: database.AssessmentPassed,
		StartedAt: &started, CompletedAt: &completed,
	}
	require.NoError(t, db.Create(assessment).Error)
	return f, assessment.ID
}

// activate creates the funded account and bumps its simulated balance to
// profit, the precondition for withdrawal tests.
func (f *fixture) activate(t *testing.T, assessmentID uuid.UUID, balance float64) *database.FundedAccount {
	t.Helper()
	ctx := context.Background()
	account, err := f.service.Activate(ctx, assessmentID)
	require.NoError(t, err)
	require.NotNil(t, account)

	require.NoError(t, f.db.Model(&database.FundedVirtualAccount{}).
		Where("funded_account_id = ?", account.ID).
		Updates(map[string]any{"current_balance": balance, "peak_balance": balance}).Error)

	state, err := f.states.Get(ctx, cache.ScopeFunded, account.ID.String())
	require.NoError(t, err)
	state.CurrentBalance = balance
	state.PeakBalance = balance
	require.NoError(t, f.states.Set(ctx, cache.ScopeFunded, account.ID.String(), state))
	return account
}

func TestActivationIsIdempotent(t *testing.T) {
	f, assessmentID := newFixture(t)
	ctx := context.Background()

	account, err := f.service.Activate(ctx, assessmentID)
	require.NoError(t, err)
	require.NotNil(t, account)

	envelope, err := f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, envelope.StartingBalance)
	assert.Equal(t, 50000.0, envelope.CurrentBalance)
	assert.Zero(t, envelope.TotalWithdrawals)

	state, err := f.states.Get(ctx, cache.ScopeFunded, account.ID.String())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 50000.0, state.CurrentBalance)

	// Redelivery of the completed event returns the same account.
	err = f.service.HandleAssessmentCompleted(ctx, events.Message{
		Topic:         events.TopicAssessmentCompleted,
		CorrelationID: uuid.New().String(),
		Data: events.NewAssessmentLifecycle(events.TopicAssessmentCompleted,
			assessmentID.String(), f.userID.String(), "t0", database.AssessmentPassed),
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&database.FundedAccount{}).Where("assessment_id = ?", assessmentID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicFundedCreated))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicFundedActivated))
}

func TestActivationIgnoresNonPassedEvents(t *testing.T) {
	f, assessmentID := newFixture(t)
	ctx := context.Background()

	err := f.service.HandleAssessmentCompleted(ctx, events.Message{
		Topic: events.TopicAssessmentCompleted,
		Data: events.NewAssessmentLifecycle(events.TopicAssessmentCompleted,
			assessmentID.String(), f.userID.String(), "t0", database.AssessmentFailed),
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&database.FundedAccount{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWithdrawableAmount(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)

	view, err := f.service.Get(context.Background(), f.userID, account.ID)
	require.NoError(t, err)
	// 0.85 * (55000 - 50000 - 0)
	assert.InDelta(t, 4250.0, view.Withdrawable, 1e-9)
}

func TestSmallWithdrawalAutoApproves(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)
	ctx := context.Background()

	result, err := f.service.RequestWithdrawal(ctx, f.userID, account.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, database.WithdrawalCompleted, result.Status)
	assert.False(t, result.RequiresReview)

	require.Len(t, f.provider.calls, 1)
	assert.EqualValues(t, 50000, f.provider.calls[0].amountCents)

	var withdrawal database.Withdrawal
	require.NoError(t, f.db.First(&withdrawal, "funded_account_id = ?", account.ID).Error)
	assert.Equal(t, database.WithdrawalCompleted, withdrawal.Status)
	assert.NotEmpty(t, withdrawal.PayoutRef)
	assert.NotNil(t, withdrawal.ApprovedAt)
	assert.NotNil(t, withdrawal.CompletedAt)

	envelope, err := f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, envelope.TotalWithdrawals, 1e-9)

	state, err := f.states.Get(ctx, cache.ScopeFunded, account.ID.String())
	require.NoError(t, err)
	assert.InDelta(t, 500.0, state.TotalWithdrawals, 1e-9)

	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalRequested))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalApproved))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalCompleted))

	// Paid profit no longer counts as withdrawable.
	view, err := f.service.Get(ctx, f.userID, account.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.85*(55000-50000-500), view.Withdrawable, 1e-9)
}

func TestLargeWithdrawalWaitsForReview(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)
	ctx := context.Background()

	result, err := f.service.RequestWithdrawal(ctx, f.userID, account.ID, 3000)
	require.NoError(t, err)
	assert.Equal(t, database.WithdrawalPending, result.Status)
	assert.True(t, result.RequiresReview)
	assert.Empty(t, f.provider.calls)

	pending, err := f.service.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	withdrawal, err := f.service.Approve(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, database.WithdrawalCompleted, withdrawal.Status)
	require.Len(t, f.provider.calls, 1)
	assert.EqualValues(t, 300000, f.provider.calls[0].amountCents)

	envelope, err := f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3000.0, envelope.TotalWithdrawals, 1e-9)

	// Second approval attempt is rejected: no longer pending.
	_, err = f.service.Approve(ctx, pending[0].ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestRejectWithdrawal(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)
	ctx := context.Background()

	result, err := f.service.RequestWithdrawal(ctx, f.userID, account.ID, 3000)
	require.NoError(t, err)

	id := uuid.MustParse(result.WithdrawalID)
	withdrawal, err := f.service.Reject(ctx, id, "documents missing")
	require.NoError(t, err)
	assert.Equal(t, database.WithdrawalRejected, withdrawal.Status)
	assert.Equal(t, "documents missing", withdrawal.RejectionReason)
	assert.Empty(t, f.provider.calls)

	envelope, err := f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, envelope.TotalWithdrawals)
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalRejected))
}

func TestWithdrawalValidation(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)
	ctx := context.Background()

	_, err := f.service.RequestWithdrawal(ctx, f.userID, account.ID, 50)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Withdrawable is 4250, so 5000 is over.
	_, err = f.service.RequestWithdrawal(ctx, f.userID, account.ID, 5000)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.service.RequestWithdrawal(ctx, uuid.New(), account.ID, 500)
	assert.ErrorIs(t, err, ErrForbidden)

	var count int64
	require.NoError(t, f.db.Model(&database.Withdrawal{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPayoutFailureCompensates(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)
	ctx := context.Background()
	f.provider.fail = true

	_, err := f.service.RequestWithdrawal(ctx, f.userID, account.ID, 500)
	require.Error(t, err)

	// Compensation removed the row; totals untouched.
	var count int64
	require.NoError(t, f.db.Model(&database.Withdrawal{}).Count(&count).Error)
	assert.Zero(t, count)

	envelope, err := f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, envelope.TotalWithdrawals)

	// No approved event for a withdrawal that never survived the saga.
	assert.Zero(t, f.recorder.CountTopic(events.TopicWithdrawalApproved))
}

func TestFailureAfterPayoutKeepsWithdrawalRow(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)
	ctx := context.Background()

	blocker := &updateBlocker{}
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("fail_withdrawal_updates", blocker.hook))
	f.provider.afterPayout = func() { blocker.armed = true }

	_, err := f.service.RequestWithdrawal(ctx, f.userID, account.ID, 500)
	require.Error(t, err)

	// The provider paid, so the row must survive for reconciliation; a
	// deleted row would let a fresh request mint a fresh idempotency key
	// and pay out twice.
	require.Len(t, f.provider.calls, 1)
	var withdrawal database.Withdrawal
	require.NoError(t, f.db.First(&withdrawal, "funded_account_id = ?", account.ID).Error)
	assert.Equal(t, database.WithdrawalApproved, withdrawal.Status)
	assert.Nil(t, withdrawal.CompletedAt)
	assert.Zero(t, f.recorder.CountTopic(events.TopicWithdrawalCompleted))
}

func TestPayoutWebhookSettlesStalledCompletion(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)
	ctx := context.Background()

	// Let the payout reference land, then fail the completion flip.
	blocker := &updateBlocker{allow: 1}
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("fail_withdrawal_updates", blocker.hook))
	f.provider.afterPayout = func() { blocker.armed = true }

	_, err := f.service.RequestWithdrawal(ctx, f.userID, account.ID, 500)
	require.Error(t, err)

	var withdrawal database.Withdrawal
	require.NoError(t, f.db.First(&withdrawal, "funded_account_id = ?", account.ID).Error)
	assert.Equal(t, database.WithdrawalApproved, withdrawal.Status)
	require.NotEmpty(t, withdrawal.PayoutRef)

	envelope, err := f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, envelope.TotalWithdrawals)

	// The payout.paid webhook finishes what the stalled saga could not.
	blocker.armed = false
	require.NoError(t, f.service.ResolvePayoutPaid(ctx, withdrawal.PayoutRef))

	require.NoError(t, f.db.First(&withdrawal, "id = ?", withdrawal.ID).Error)
	assert.Equal(t, database.WithdrawalCompleted, withdrawal.Status)
	require.NotNil(t, withdrawal.CompletedAt)

	envelope, err = f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, envelope.TotalWithdrawals, 1e-9)

	state, err := f.states.Get(ctx, cache.ScopeFunded, account.ID.String())
	require.NoError(t, err)
	assert.InDelta(t, 500.0, state.TotalWithdrawals, 1e-9)

	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalApproved))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalCompleted))

	// Redelivery of the webhook changes nothing.
	require.NoError(t, f.service.ResolvePayoutPaid(ctx, withdrawal.PayoutRef))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalCompleted))
	envelope, err = f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, envelope.TotalWithdrawals, 1e-9)
}

func TestResolvePayoutFailedReverts(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 55000)
	ctx := context.Background()

	result, err := f.service.RequestWithdrawal(ctx, f.userID, account.ID, 500)
	require.NoError(t, err)

	var withdrawal database.Withdrawal
	require.NoError(t, f.db.First(&withdrawal, "id = ?", uuid.MustParse(result.WithdrawalID)).Error)
	require.NoError(t, f.service.ResolvePayoutFailed(ctx, withdrawal.PayoutRef))

	require.NoError(t, f.db.First(&withdrawal, "id = ?", withdrawal.ID).Error)
	assert.Equal(t, database.WithdrawalRejected, withdrawal.Status)
	assert.Equal(t, "payout failed", withdrawal.RejectionReason)

	envelope, err := f.service.repo.FindEnvelope(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, envelope.TotalWithdrawals)

	state, err := f.states.Get(ctx, cache.ScopeFunded, account.ID.String())
	require.NoError(t, err)
	assert.Zero(t, state.TotalWithdrawals)
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalFailed))

	// Redelivery is a no-op.
	require.NoError(t, f.service.ResolvePayoutFailed(ctx, withdrawal.PayoutRef))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicWithdrawalFailed))
}

func TestMarkClosedDropsHotState(t *testing.T) {
	f, assessmentID := newFixture(t)
	account := f.activate(t, assessmentID, 43000)
	ctx := context.Background()

	transitioned, err := f.service.MarkClosed(ctx, account.ID, "drawdown violation")
	require.NoError(t, err)
	assert.True(t, transitioned)

	var closed database.FundedAccount
	require.NoError(t, f.db.First(&closed, "id = ?", account.ID).Error)
	assert.Equal(t, database.FundedClosed, closed.Status)
	assert.Equal(t, "drawdown violation", closed.ClosureReason)
	assert.NotNil(t, closed.ClosedAt)

	state, err := f.states.Get(ctx, cache.ScopeFunded, account.ID.String())
	require.NoError(t, err)
	assert.Nil(t, state)

	// Terminal stickiness.
	transitioned, err = f.service.MarkClosed(ctx, account.ID, "again")
	require.NoError(t, err)
	assert.False(t, transitioned)

	// Closed accounts cannot withdraw.
	_, err = f.service.RequestWithdrawal(ctx, f.userID, account.ID, 500)
	assert.ErrorIs(t, err, ErrNotActive)
}
