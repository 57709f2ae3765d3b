package domain

// RuleStatus is the bucketed severity of one rule value against its
// threshold.
type RuleStatus string

const (
	StatusSafe      RuleStatus = "safe"
	StatusWarning   RuleStatus = "warning"
	StatusDanger    RuleStatus = "danger"
	StatusViolation RuleStatus = "violation"
)

// Rule names as persisted in violations and rule-check snapshots.
const (
	RuleDrawdown     = "drawdown"
	RuleTradeCount   = "tradeCount"
	RuleRiskPerTrade = "riskPerTrade"
)

// RuleResult is one {value, threshold, status} triple in a rules snapshot.
type RuleResult struct {
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Status    RuleStatus `json:"status"`
}

// RulesSnapshot is the cache-resident rules view for one account, keyed
// `assessment:{id}:rules` / `funded:{id}:rules`.
type RulesSnapshot struct {
	Drawdown     RuleResult `json:"drawdown"`
	TradeCount   RuleResult `json:"tradeCount"`
	RiskPerTrade RuleResult `json:"riskPerTrade"`
}

// Thresholds are the tier limits a rules evaluation runs against.
// MinTrades <= 0 disables the trade-count rule (funded accounts).
type Thresholds struct {
	MaxDrawdown     float64
	MaxRiskPerTrade float64
	MinTrades       int
}

// Drawdown computes (peak - current) / peak, floored at zero. Zero peak
// means no drawdown can be computed yet.
func Drawdown(peak, current float64) float64 {
	if peak <= 0 || current >= peak {
		return 0
	}
	return (peak - current) / peak
}

// MaxRiskPerTrade returns the largest single-position risk across active
// positions: quantity x entry price over current balance.
func MaxRiskPerTrade(s *AccountState) float64 {
	if s.CurrentBalance <= 0 {
		return 0
	}
	var max float64
	for _, p := range s.ActivePositions() {
		risk := p.Quantity * p.EntryPrice / s.CurrentBalance
		if risk > max {
			max = risk
		}
	}
	return max
}

// BucketStatus maps a value against its threshold:
// v < 0.8t safe, 0.8t <= v < 0.9t warning, 0.9t <= v < t danger, v >= t violation.
func BucketStatus(value, threshold float64) RuleStatus {
	if threshold <= 0 {
		return StatusSafe
	}
	switch {
	case value >= threshold:
		return StatusViolation
	case value >= 0.9*threshold:
		return StatusDanger
	case value >= 0.8*threshold:
		return StatusWarning
	default:
		return StatusSafe
	}
}

// EvaluateRules computes the full rules snapshot for an account state.
// The trade-count rule is informational: reaching the minimum is the
// goal, so its "violation" bucket is remapped to safe.
func EvaluateRules(s *AccountState, t Thresholds) *RulesSnapshot {
	dd := Drawdown(s.PeakBalance, s.CurrentBalance)
	risk := MaxRiskPerTrade(s)

	snap := &RulesSnapshot{
		Drawdown: RuleResult{
			Value:     dd,
			Threshold: t.MaxDrawdown,
			Status:    BucketStatus(dd, t.MaxDrawdown),
		},
		RiskPerTrade: RuleResult{
			Value:     risk,
			Threshold: t.MaxRiskPerTrade,
			Status:    BucketStatus(risk, t.MaxRiskPerTrade),
		},
	}

	if t.MinTrades > 0 {
		tc := RuleResult{
			Value:     float64(s.TradeCount),
			Threshold: float64(t.MinTrades),
			Status:    BucketStatus(float64(s.TradeCount), float64(t.MinTrades)),
		}
		if tc.Status == StatusViolation {
			tc.Status = StatusSafe
		}
		snap.TradeCount = tc
	}

	return snap
}

// Violated reports whether drawdown or per-trade risk breached its
// threshold. Trade count never fails an account.
func (r *RulesSnapshot) Violated() bool {
	return r.Drawdown.Status == StatusViolation || r.RiskPerTrade.Status == StatusViolation
}
