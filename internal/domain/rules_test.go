package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, Drawdown(0, 100))
	assert.Equal(t, 0.0, Drawdown(100, 100))
	assert.Equal(t, 0.0, Drawdown(100, 150))
	assert.InDelta(t, 0.2, Drawdown(50000, 40000), 1e-12)
	assert.InDelta(t, 0.200002, Drawdown(50000, 39999.9), 1e-6)
}

func TestBucketStatus(t *testing.T) {
	threshold := 0.2

	assert.Equal(t, StatusSafe, BucketStatus(0.0, threshold))
	assert.Equal(t, StatusSafe, BucketStatus(0.159, threshold))
	assert.Equal(t, StatusWarning, BucketStatus(0.16, threshold))
	assert.Equal(t, StatusWarning, BucketStatus(0.179, threshold))
	assert.Equal(t, StatusDanger, BucketStatus(0.18, threshold))
	assert.Equal(t, StatusDanger, BucketStatus(0.199, threshold))
	assert.Equal(t, StatusViolation, BucketStatus(0.2, threshold))
	assert.Equal(t, StatusViolation, BucketStatus(0.9, threshold))

	// Degenerate threshold never flags
	assert.Equal(t, StatusSafe, BucketStatus(1.0, 0))
}

func TestMaxRiskPerTrade(t *testing.T) {
	s := &AccountState{
		CurrentBalance: 50000,
		Positions: []PositionState{
			{ID: "a", Quantity: 0.05, EntryPrice: 50050, Status: PositionActive},
			{ID: "b", Quantity: 100, EntryPrice: 0.6, Status: PositionActive},
			{ID: "c", Quantity: 1000, EntryPrice: 10, Status: PositionCancelled},
		},
	}

	// Cancelled position "c" would dominate but must be ignored.
	assert.InDelta(t, 0.05005, MaxRiskPerTrade(s), 1e-9)

	s.CurrentBalance = 0
	assert.Equal(t, 0.0, MaxRiskPerTrade(s))
}

func TestEvaluateRulesTradeCountRemap(t *testing.T) {
	s := NewAccountState(50000)
	s.TradeCount = 12

	snap := EvaluateRules(s, Thresholds{MaxDrawdown: 0.2, MaxRiskPerTrade: 0.1, MinTrades: 10})

	// Trade count reached the minimum; that is success, not a violation.
	assert.Equal(t, StatusSafe, snap.TradeCount.Status)
	assert.Equal(t, 12.0, snap.TradeCount.Value)
	assert.False(t, snap.Violated())
}

func TestEvaluateRulesViolation(t *testing.T) {
	s := NewAccountState(50000)
	s.CurrentBalance = 39999.9
	s.PeakBalance = 50000

	snap := EvaluateRules(s, Thresholds{MaxDrawdown: 0.2, MaxRiskPerTrade: 0.1, MinTrades: 10})

	assert.Equal(t, StatusViolation, snap.Drawdown.Status)
	assert.True(t, snap.Violated())
}

func TestEvaluateRulesFundedSkipsTradeCount(t *testing.T) {
	s := NewAccountState(50000)
	snap := EvaluateRules(s, Thresholds{MaxDrawdown: 0.12, MaxRiskPerTrade: 0.05})

	assert.Equal(t, RuleResult{}, snap.TradeCount)
}

func TestValidateSide(t *testing.T) {
	assert.NoError(t, ValidateSide("BTC/USD", SideLong))
	assert.NoError(t, ValidateSide("BTC/USD", SideShort))
	assert.Error(t, ValidateSide("BTC/USD", SideYes))

	assert.NoError(t, ValidateSide("polymarket:E1", SideYes))
	assert.NoError(t, ValidateSide("kalshi:E2", SideNo))
	assert.Error(t, ValidateSide("polymarket:E1", SideLong))
}

func TestPositionPnl(t *testing.T) {
	assert.InDelta(t, 500.0, PositionPnl(SideLong, 0.1, 50000, 55000), 1e-9)
	assert.InDelta(t, -500.0, PositionPnl(SideShort, 0.1, 50000, 55000), 1e-9)
	assert.InDelta(t, 20.0, PositionPnl(SideYes, 100, 0.4, 0.6), 1e-9)
	assert.InDelta(t, -20.0, PositionPnl(SideNo, 100, 0.4, 0.6), 1e-9)
}

func TestCloneIsDeep(t *testing.T) {
	s := NewAccountState(1000)
	s.Positions = append(s.Positions, PositionState{ID: "p1", Status: PositionActive})

	c := s.Clone()
	c.Positions[0].Status = PositionCancelled
	c.CurrentBalance = 0

	assert.Equal(t, PositionActive, s.Positions[0].Status)
	assert.Equal(t, 1000.0, s.CurrentBalance)
}
