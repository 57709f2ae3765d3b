package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/config"
	"github.com/propdesk/propdesk/internal/domain"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
)

func testConfig() *config.Config {
	return &config.Config{
		CryptoFees:     config.MarketFees{Slippage: 0.001, Fee: 0.001},
		PredictionFees: config.MarketFees{Slippage: 0.02, Fee: 0.0005},
	}
}

func newService(t *testing.T) (*Service, *cache.Memory, *events.Recorder) {
	t.Helper()
	states := cache.NewMemory()
	recorder := events.NewRecorder()
	return NewService(states, locks.NewKeyed(), recorder, testConfig(), zerolog.Nop()), states, recorder
}

func TestCancelEventRefundsPositions(t *testing.T) {
	service, states, recorder := newService(t)
	ctx := context.Background()
	accountID := uuid.New().String()

	state := domain.NewAccountState(50000)
	state.CurrentBalance = 4000
	state.TradeCount = 7
	state.Positions = []domain.PositionState{
		{ID: uuid.New().String(), Market: "polymarket:election-2026", Side: domain.SideYes,
			Quantity: 100, EntryPrice: 0.4, CurrentPrice: 0.45, UnrealizedPnl: 5,
			OpenedAt: time.Now(), Status: domain.PositionActive},
		{ID: uuid.New().String(), Market: "polymarket:election-2026", Side: domain.SideNo,
			Quantity: 100, EntryPrice: 0.6, CurrentPrice: 0.55, UnrealizedPnl: 5,
			OpenedAt: time.Now(), Status: domain.PositionActive},
		{ID: uuid.New().String(), Market: "kalshi:election-2026", Side: domain.SideYes,
			Quantity: 100, EntryPrice: 0.8, CurrentPrice: 0.8, UnrealizedPnl: 0,
			OpenedAt: time.Now(), Status: domain.PositionActive},
		// Unrelated position is left alone.
		{ID: uuid.New().String(), Market: "BTC/USD", Side: domain.SideLong,
			Quantity: 0.01, EntryPrice: 50000, CurrentPrice: 51000, UnrealizedPnl: 10,
			OpenedAt: time.Now(), Status: domain.PositionActive},
	}
	state.UnrealizedPnl = 20
	require.NoError(t, states.Set(ctx, cache.ScopeAssessment, accountID, state))

	require.NoError(t, service.CancelEvent(ctx, "election-2026"))

	after, err := states.Get(ctx, cache.ScopeAssessment, accountID)
	require.NoError(t, err)

	// Refunds: 40.02 + 60.03 + 80.04 at the prediction fee rate.
	assert.InDelta(t, 4000+180.09, after.CurrentBalance, 1e-9)
	assert.Equal(t, 7, after.TradeCount)

	active := after.ActivePositions()
	require.Len(t, active, 1)
	assert.Equal(t, "BTC/USD", active[0].Market)
	assert.InDelta(t, 10, after.UnrealizedPnl, 1e-9)

	// Cancelled positions stay attached with zeroed P&L.
	require.Len(t, after.Positions, 4)
	cancelled := 0
	for _, p := range after.Positions {
		if p.Status == domain.PositionCancelled {
			cancelled++
			assert.Zero(t, p.UnrealizedPnl)
		}
	}
	assert.Equal(t, 3, cancelled)

	assert.Equal(t, 3, recorder.CountTopic(events.TopicPositionRefunded))
}

func TestCancelEventRedeliveryIsIdempotent(t *testing.T) {
	service, states, recorder := newService(t)
	ctx := context.Background()
	accountID := uuid.New().String()

	state := domain.NewAccountState(50000)
	state.CurrentBalance = 4000
	state.Positions = []domain.PositionState{
		{ID: uuid.New().String(), Market: "polymarket:election-2026", Side: domain.SideYes,
			Quantity: 100, EntryPrice: 0.4, CurrentPrice: 0.4,
			OpenedAt: time.Now(), Status: domain.PositionActive},
	}
	require.NoError(t, states.Set(ctx, cache.ScopeAssessment, accountID, state))

	msg := events.Message{
		Topic:         events.TopicEventCancelled,
		CorrelationID: uuid.New().String(),
		Data:          &events.EventCancelledData{EventID: "election-2026", Source: "polymarket", Status: "cancelled"},
	}
	require.NoError(t, service.HandleEventCancelled(ctx, msg))
	require.NoError(t, service.HandleEventCancelled(ctx, msg))

	after, err := states.Get(ctx, cache.ScopeAssessment, accountID)
	require.NoError(t, err)
	assert.InDelta(t, 4000+40.02, after.CurrentBalance, 1e-9)
	assert.Equal(t, 1, recorder.CountTopic(events.TopicPositionRefunded))
}

func TestCancelEventSweepsFundedScope(t *testing.T) {
	service, states, recorder := newService(t)
	ctx := context.Background()
	accountID := uuid.New().String()

	state := domain.NewAccountState(50000)
	state.Positions = []domain.PositionState{
		{ID: uuid.New().String(), Market: "kalshi:rate-cut-sep", Side: domain.SideNo,
			Quantity: 50, EntryPrice: 0.3, CurrentPrice: 0.3,
			OpenedAt: time.Now(), Status: domain.PositionActive},
	}
	require.NoError(t, states.Set(ctx, cache.ScopeFunded, accountID, state))

	require.NoError(t, service.CancelEvent(ctx, "rate-cut-sep"))

	after, err := states.Get(ctx, cache.ScopeFunded, accountID)
	require.NoError(t, err)
	assert.InDelta(t, 50000+15.0075, after.CurrentBalance, 1e-9)
	assert.Empty(t, after.ActivePositions())
	assert.Equal(t, 1, recorder.CountTopic(events.TopicPositionRefunded))
}
