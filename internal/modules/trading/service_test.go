package trading

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
	"github.com/propdesk/propdesk/internal/config"
	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/domain"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/modules/purchases"
	"github.com/propdesk/propdesk/internal/modules/tiers"
	"github.com/propdesk/propdesk/internal/oracle"
)

type fakePrices struct {
	prices map[string]*oracle.Price
}

func (f *fakePrices) Price(_ context.Context, market string) (*oracle.Price, error) {
	p, ok := f.prices[market]
	if !ok {
		return nil, oracle.ErrUnavailable
	}
	return p, nil
}

type fixture struct {
	service  *Service
	db       *gorm.DB
	states   *cache.Memory
	recorder *events.Recorder
	prices   *fakePrices
	userID   uuid.UUID
}

func testConfig() *config.Config {
	return &config.Config{
		SagaTimeout:    5 * time.Second,
		CryptoFees:     config.MarketFees{Slippage: 0.001, Fee: 0.001},
		PredictionFees: config.MarketFees{Slippage: 0.02, Fee: 0.0005},
	}
}

func newFixture(t *testing.T, tier database.Tier) (*fixture, uuid.UUID) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.Create(&tier).Error)

	states := cache.NewMemory()
	recorder := events.NewRecorder()
	keyed := locks.NewKeyed()
	prices := &fakePrices{prices: map[string]*oracle.Price{}}

	assessmentSvc := assessments.NewService(
		assessments.NewRepository(db),
		tiers.NewRepository(db),
		purchases.NewRepository(db),
		states, keyed, recorder, zerolog.Nop(),
	)
	service := NewService(NewRepository(db), assessmentSvc, states, keyed, prices, recorder, testConfig(), zerolog.Nop())

	f := &fixture{service: service, db: db, states: states, recorder: recorder, prices: prices, userID: uuid.New()}

	// Seed an active assessment directly; the lifecycle itself is
	// covered by the assessments package tests.
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
	require.NoError(t, db.Create(&database.VirtualAccount{
		ID: uuid.New(), AssessmentID: assessment.ID,
		StartingBalance: tier.StartingBalance,
		CurrentBalance:  tier.StartingBalance,
		PeakBalance:     tier.StartingBalance,
	}).Error)
	require.NoError(t, states.Set(context.Background(), cache.ScopeAssessment, assessment.ID.String(),
		domain.NewAccountState(tier.StartingBalance)))

	return f, assessment.ID
}

func evalTier() database.Tier {
	return database.Tier{
		ID: "t0", Name: "T0", PriceCents: 9900,
		StartingBalance: 50000, MaxDrawdown: 0.2, MinTrades: 5,
		MaxRiskPerTrade: 0.1, ProfitSplit: 0.8,
		FundedMaxDrawdown: 0.1, FundedMaxRiskPerTrade: 0.05,
	}
}

func TestPlaceOrderRiskGateThenAccept(t *testing.T) {
	f, assessmentID := newFixture(t, evalTier())
	ctx := context.Background()
	f.prices.prices["BTC/USD"] = &oracle.Price{Scalar: 50000}

	// quantity 0.1: totalCost 5010.005, risk 0.1002 > 0.1.
	_, err := f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "BTC/USD", Side: domain.SideLong, Quantity: 0.1,
	})
	assert.ErrorIs(t, err, ErrRiskExceeded)

	// quantity 0.05: risk about 0.0501, accepted.
	result, err := f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "BTC/USD", Side: domain.SideLong, Quantity: 0.05,
	})
	require.NoError(t, err)
	assert.Equal(t, "filled", result.Status)
	require.NotNil(t, result.Position)
	assert.InDelta(t, 50050.0, result.Position.EntryPrice, 1e-9)
	assert.InDelta(t, 50000-2505.0025, result.Balance, 1e-6)

	state, err := f.states.Get(ctx, cache.ScopeAssessment, assessmentID.String())
	require.NoError(t, err)
	require.Len(t, state.Positions, 1)

	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicOrderPlaced))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicOrderFilled))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicPositionOpened))

	var trade database.Trade
	require.NoError(t, f.db.First(&trade, "assessment_id = ? AND kind = ?", assessmentID, database.TradeOpen).Error)
	assert.Equal(t, result.OrderID, trade.OrderID.String())
	assert.InDelta(t, 2.5, trade.SlippageAmount, 1e-6)
}

func TestPlaceOrderValidation(t *testing.T) {
	f, assessmentID := newFixture(t, evalTier())
	ctx := context.Background()
	f.prices.prices["BTC/USD"] = &oracle.Price{Scalar: 50000}

	_, err := f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "BTC/USD", Side: domain.SideYes, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "BTC/USD", Side: domain.SideLong, Quantity: 0,
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "ETH/USD", Side: domain.SideLong, Quantity: 1,
	})
	assert.ErrorIs(t, err, oracle.ErrUnavailable)

	_, err = f.service.PlaceOrder(ctx, uuid.New(), OrderRequest{
		AssessmentID: assessmentID, Market: "BTC/USD", Side: domain.SideLong, Quantity: 1,
	})
	assert.ErrorIs(t, err, assessments.ErrForbidden)
}

func TestPlaceOrderDrawdownTrip(t *testing.T) {
	tier := evalTier()
	tier.MaxRiskPerTrade = 0.5
	f, assessmentID := newFixture(t, tier)
	ctx := context.Background()
	f.prices.prices["BTC/USD"] = &oracle.Price{Scalar: 1000}

	// Prior losses: balance 42000 against peak 50000 (drawdown 0.16).
	state, err := f.states.Get(ctx, cache.ScopeAssessment, assessmentID.String())
	require.NoError(t, err)
	state.CurrentBalance = 42000
	require.NoError(t, f.states.Set(ctx, cache.ScopeAssessment, assessmentID.String(), state))

	// Cost about 5010: balance would drop to about 36990, drawdown 0.26.
	result, err := f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "BTC/USD", Side: domain.SideLong, Quantity: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, "drawdown_violation", result.Reason)

	// Snapshot rolled back: balance and positions as before the order.
	state, err = f.states.Get(ctx, cache.ScopeAssessment, assessmentID.String())
	require.NoError(t, err)
	assert.Equal(t, 42000.0, state.CurrentBalance)
	assert.Empty(t, state.Positions)

	var assessment database.Assessment
	require.NoError(t, f.db.First(&assessment, "id = ?", assessmentID).Error)
	assert.Equal(t, database.AssessmentFailed, assessment.Status)

	var violation database.Violation
	require.NoError(t, f.db.First(&violation, "assessment_id = ?", assessmentID).Error)
	assert.Equal(t, domain.RuleDrawdown, violation.Rule)
	assert.Greater(t, violation.Value, 0.2)

	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicViolationDetected))
	assert.Zero(t, f.recorder.CountTopic(events.TopicPositionOpened))

	// Terminal: the next order is a state conflict.
	_, err = f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "BTC/USD", Side: domain.SideLong, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestPredictionPriceClamp(t *testing.T) {
	quote := BuildQuote("polymarket:E1", 0.99, 100,
		config.MarketFees{Slippage: 0.001, Fee: 0.001},
		config.MarketFees{Slippage: 0.02, Fee: 0.0005})

	// 0.99 * 1.02 = 1.0098, clamped to 1.0.
	assert.Equal(t, 1.0, quote.ExecutionPrice)
	assert.InDelta(t, 100*(1+0.0005), quote.TotalCost, 1e-9)
	assert.InDelta(t, (1.0-0.99)*100, quote.SlippageAmount, 1e-9)
}

func TestPlaceOrderPrediction(t *testing.T) {
	f, assessmentID := newFixture(t, evalTier())
	ctx := context.Background()
	f.prices.prices["polymarket:E1"] = &oracle.Price{Prediction: true, Yes: 0.99, No: 0.01}

	result, err := f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "polymarket:E1", Side: domain.SideYes, Quantity: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Position.EntryPrice)
	assert.InDelta(t, 50000-100.05, result.Balance, 1e-9)
}

func TestClosePosition(t *testing.T) {
	f, assessmentID := newFixture(t, evalTier())
	ctx := context.Background()
	f.prices.prices["BTC/USD"] = &oracle.Price{Scalar: 50000}

	opened, err := f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "BTC/USD", Side: domain.SideLong, Quantity: 0.05,
	})
	require.NoError(t, err)
	positionID := uuid.MustParse(opened.Position.ID)

	// Price moves up before the close.
	f.prices.prices["BTC/USD"] = &oracle.Price{Scalar: 51000}

	closed, err := f.service.ClosePosition(ctx, f.userID, positionID)
	require.NoError(t, err)

	expectedPnl := (51000 - opened.Position.EntryPrice) * 0.05
	assert.InDelta(t, expectedPnl, closed.RealizedPnl, 1e-6)
	assert.InDelta(t, opened.Balance+0.05*opened.Position.EntryPrice+expectedPnl, closed.Balance, 1e-6)

	state, err := f.states.Get(ctx, cache.ScopeAssessment, assessmentID.String())
	require.NoError(t, err)
	assert.Empty(t, state.Positions)
	assert.Equal(t, 1, state.TradeCount)
	assert.InDelta(t, expectedPnl, state.RealizedPnl, 1e-6)
	// Balance overtook the starting peak, so the peak followed.
	assert.Equal(t, state.CurrentBalance, state.PeakBalance)

	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicPositionClosed))
	assert.Equal(t, 1, f.recorder.CountTopic(events.TopicTradeCompleted))

	var trade database.Trade
	require.NoError(t, f.db.First(&trade, "position_id = ? AND kind = ?", positionID, database.TradeClose).Error)
	assert.InDelta(t, expectedPnl, trade.RealizedPnl, 1e-6)

	// Closing again: the position is gone from the snapshot.
	_, err = f.service.ClosePosition(ctx, f.userID, positionID)
	assert.Error(t, err)
}

func TestShortSidePnl(t *testing.T) {
	f, assessmentID := newFixture(t, evalTier())
	ctx := context.Background()
	f.prices.prices["ETH/USD"] = &oracle.Price{Scalar: 2000}

	opened, err := f.service.PlaceOrder(ctx, f.userID, OrderRequest{
		AssessmentID: assessmentID, Market: "ETH/USD", Side: domain.SideShort, Quantity: 1,
	})
	require.NoError(t, err)

	f.prices.prices["ETH/USD"] = &oracle.Price{Scalar: 1900}
	closed, err := f.service.ClosePosition(ctx, f.userID, uuid.MustParse(opened.Position.ID))
	require.NoError(t, err)

	// Short profits when the price falls.
	assert.InDelta(t, opened.Position.EntryPrice-1900, closed.RealizedPnl, 1e-6)
	assert.Greater(t, closed.RealizedPnl, 0.0)
}
