package rules

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/domain"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/modules/purchases"
	"github.com/propdesk/propdesk/internal/modules/tiers"
)

type fixture struct {
	service  *Service
	db       *gorm.DB
	states   *cache.Memory
	recorder *events.Recorder
	userID   uuid.UUID
}

func newFixture(t *testing.T) (*fixture, uuid.UUID) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)

	tier := database.Tier{
		ID: "t0", Name: "T0", PriceCents: 9900,
		StartingBalance: 50000, MaxDrawdown: 0.2, MinTrades: 2,
		MaxRiskPerTrade: 0.1, ProfitSplit: 0.8,
		FundedMaxDrawdown: 0.1, FundedMaxRiskPerTrade: 0.05,
	}
	require.NoError(t, db.Create(&tier).Error)

	states := cache.NewMemory()
	recorder := events.NewRecorder()
	keyed := locks.NewKeyed()
	assessmentSvc := assessments.NewService(
		assessments.NewRepository(db),
		tiers.NewRepository(db),
		purchases.NewRepository(db),
		states, keyed, recorder, zerolog.Nop(),
	)
	service := NewService(NewRepository(db), assessmentSvc, nil, states, keyed, recorder, 0.08, zerolog.Nop())

	f := &fixture{service: service, db: db, states: states, recorder: recorder, userID: uuid.New()}

	purchase := &database.Purchase{
		ID: uuid.New(), UserID: f.userID, TierID: tier.ID,
		PaymentRef: "pi_" + uuid.New().String(), Status: database.PurchaseCompleted,
	}
	require.NoError(t, db.Create(purchase).Error)
	now := time.Now()
	assessment := &database.Assessment{
		ID: uuid.New(), UserID: f.userID, TierID: tier.ID,
		PurchaseID: purchase.ID, Status: database.AssessmentActive, StartedAt: &now,
	}
	require.NoError(t, db.Create(assessment).Error)
	return f, assessment.ID
}

func TestCheckWritesRulesSnapshot(t *testing.T) {
	f, id := newFixture(t)
	ctx := context.Background()

	state := domain.NewAccountState(50000)
	state.CurrentBalance = 41000 // drawdown 0.18, inside the danger band
	require.NoError(t, f.states.Set(ctx, cache.ScopeAssessment, id.String(), state))

	require.NoError(t, f.service.CheckAssessment(ctx, id))

	snap, err := f.states.GetRules(ctx, cache.ScopeAssessment, id.String())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, domain.StatusDanger, snap.Drawdown.Status)
	assert.InDelta(t, 0.18, snap.Drawdown.Value, 1e-9)

	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicDrawdownChecked))
	assert.Zero(t, f.recorder.CountTopic(events.TopicViolationDetected))

	var assessment database.Assessment
	require.NoError(t, f.db.First(&assessment, "id = ?", id).Error)
	assert.Equal(t, database.AssessmentActive, assessment.Status)
}

func TestViolationFailsAndLiquidates(t *testing.T) {
	f, id := newFixture(t)
	ctx := context.Background()

	positionID := uuid.New()
	state := domain.NewAccountState(50000)
	state.CurrentBalance = 39000 // drawdown 0.22 >= 0.2
	state.Positions = []domain.PositionState{{
		ID: positionID.String(), Market: "BTC/USD", Side: domain.SideLong,
		Quantity: 0.01, EntryPrice: 50000, CurrentPrice: 48000,
		UnrealizedPnl: -20, OpenedAt: time.Now(), Status: domain.PositionActive,
	}}
	state.UnrealizedPnl = -20
	require.NoError(t, f.states.Set(ctx, cache.ScopeAssessment, id.String(), state))
	require.NoError(t, f.db.Create(&database.Position{
		ID: positionID, AssessmentID: id, Market: "BTC/USD", Side: domain.SideLong,
		Quantity: 0.01, EntryPrice: 50000, CurrentPrice: 48000,
		Status: database.PositionOpen, OpenedAt: time.Now(),
	}).Error)

	require.NoError(t, f.service.CheckAssessment(ctx, id))

	var assessment database.Assessment
	require.NoError(t, f.db.First(&assessment, "id = ?", id).Error)
	assert.Equal(t, database.AssessmentFailed, assessment.Status)

	var position database.Position
	require.NoError(t, f.db.First(&position, "id = ?", positionID).Error)
	assert.NotNil(t, position.ClosedAt)

	after, err := f.states.Get(ctx, cache.ScopeAssessment, id.String())
	require.NoError(t, err)
	assert.Empty(t, after.Positions)
	assert.Zero(t, after.UnrealizedPnl)

	var violation database.Violation
	require.NoError(t, f.db.First(&violation, "assessment_id = ?", id).Error)
	assert.Equal(t, domain.RuleDrawdown, violation.Rule)

	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicViolationDetected))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicPositionClosed))

	// Second sweep: the failed guard skips, no duplicate events.
	require.NoError(t, f.service.CheckAssessment(ctx, id))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicViolationDetected))
}

func TestTradeCountViolationIsInformational(t *testing.T) {
	f, id := newFixture(t)
	ctx := context.Background()

	state := domain.NewAccountState(50000)
	state.TradeCount = 10 // far past MinTrades
	require.NoError(t, f.states.Set(ctx, cache.ScopeAssessment, id.String(), state))

	require.NoError(t, f.service.CheckAssessment(ctx, id))

	// Trade count past its threshold is remapped to safe, not violation.
	snap, err := f.states.GetRules(ctx, cache.ScopeAssessment, id.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSafe, snap.TradeCount.Status)

	var assessment database.Assessment
	require.NoError(t, f.db.First(&assessment, "id = ?", id).Error)
	// No profit yet, so the pass gate holds and nothing failed.
	assert.Equal(t, database.AssessmentActive, assessment.Status)
	assert.Zero(t, f.recorder.CountTopic(events.TopicViolationDetected))
}

func TestPassCriteria(t *testing.T) {
	f, id := newFixture(t)
	ctx := context.Background()

	state := domain.NewAccountState(50000)
	state.TradeCount = 2
	state.CurrentBalance = 54500 // 9% over starting, target is 8%
	state.PeakBalance = 54500
	require.NoError(t, f.states.Set(ctx, cache.ScopeAssessment, id.String(), state))

	require.NoError(t, f.service.CheckAssessment(ctx, id))

	var assessment database.Assessment
	require.NoError(t, f.db.First(&assessment, "id = ?", id).Error)
	assert.Equal(t, database.AssessmentPassed, assessment.Status)
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicAssessmentCompleted))

	// Hot state dropped on the terminal transition.
	after, err := f.states.Get(ctx, cache.ScopeAssessment, id.String())
	require.NoError(t, err)
	assert.Nil(t, after)
}

func TestPassBlockedByOpenPositions(t *testing.T) {
	f, id := newFixture(t)
	ctx := context.Background()

	state := domain.NewAccountState(50000)
	state.TradeCount = 5
	state.CurrentBalance = 56000
	state.PeakBalance = 56000
	state.Positions = []domain.PositionState{{
		ID: uuid.New().String(), Market: "BTC/USD", Side: domain.SideLong,
		Quantity: 0.01, EntryPrice: 50000, CurrentPrice: 50000,
		OpenedAt: time.Now(), Status: domain.PositionActive,
	}}
	require.NoError(t, f.states.Set(ctx, cache.ScopeAssessment, id.String(), state))

	require.NoError(t, f.service.CheckAssessment(ctx, id))

	var assessment database.Assessment
	require.NoError(t, f.db.First(&assessment, "id = ?", id).Error)
	assert.Equal(t, database.AssessmentActive, assessment.Status)
}
