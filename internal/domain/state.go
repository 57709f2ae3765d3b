// Package domain holds the shared domain types for the hot-path state:
// the cache-resident account snapshot, the rules snapshot, and the risk
// math both services agree on.
package domain

import "time"

// Position status values inside a hot snapshot.
const (
	PositionActive    = "active"
	PositionCancelled = "cancelled"
)

// PositionState is one open (or cancelled-in-place) position inside a
// hot snapshot.
type PositionState struct {
	ID            string    `json:"id"`
	Market        string    `json:"market"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entryPrice"`
	CurrentPrice  float64   `json:"currentPrice"`
	UnrealizedPnl float64   `json:"unrealizedPnl"`
	OpenedAt      time.Time `json:"openedAt"`
	Status        string    `json:"status"`
}

// AccountState is the authoritative real-time view of one assessment or
// funded account while it is live. It is stored as a single JSON blob in
// the cache and replaced atomically on every write.
type AccountState struct {
	CurrentBalance float64         `json:"currentBalance"`
	PeakBalance    float64         `json:"peakBalance"`
	RealizedPnl    float64         `json:"realizedPnl"`
	UnrealizedPnl  float64         `json:"unrealizedPnl"`
	TradeCount     int             `json:"tradeCount"`
	Positions      []PositionState `json:"positions"`

	// TotalWithdrawals mirrors the funded envelope column; always zero
	// for assessment snapshots.
	TotalWithdrawals float64 `json:"totalWithdrawals,omitempty"`
}

// NewAccountState returns the initial snapshot for a freshly started
// account with the tier's starting balance.
func NewAccountState(startingBalance float64) *AccountState {
	return &AccountState{
		CurrentBalance: startingBalance,
		PeakBalance:    startingBalance,
		Positions:      []PositionState{},
	}
}

// Clone returns a deep copy. Sagas capture a clone before mutating so a
// failed step can restore the previous balance and positions.
func (s *AccountState) Clone() *AccountState {
	c := *s
	c.Positions = make([]PositionState, len(s.Positions))
	copy(c.Positions, s.Positions)
	return &c
}

// ActivePositions returns the positions that are still live. Cancelled
// positions stay attached to the snapshot (that is what makes event
// cancellation redelivery idempotent) and are filtered here.
func (s *AccountState) ActivePositions() []PositionState {
	out := make([]PositionState, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.Status == PositionActive {
			out = append(out, p)
		}
	}
	return out
}

// FindPosition returns a pointer into Positions for the given id, or nil.
func (s *AccountState) FindPosition(id string) *PositionState {
	for i := range s.Positions {
		if s.Positions[i].ID == id {
			return &s.Positions[i]
		}
	}
	return nil
}

// RemovePosition drops the position with the given id and reports
// whether it was present.
func (s *AccountState) RemovePosition(id string) bool {
	for i := range s.Positions {
		if s.Positions[i].ID == id {
			s.Positions = append(s.Positions[:i], s.Positions[i+1:]...)
			return true
		}
	}
	return false
}

// SumUnrealized recomputes the unrealized P&L over active positions.
func (s *AccountState) SumUnrealized() float64 {
	var total float64
	for _, p := range s.ActivePositions() {
		total += p.UnrealizedPnl
	}
	return total
}
