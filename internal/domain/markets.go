package domain

import (
	"fmt"
	"strings"
)

// Market class prefixes for prediction markets. Any other identifier is
// treated as a crypto market with a scalar reference price.
const (
	PrefixPolymarket = "polymarket:"
	PrefixKalshi     = "kalshi:"
)

// Sides per market class.
const (
	SideLong  = "long"
	SideShort = "short"
	SideYes   = "yes"
	SideNo    = "no"
)

// IsPredictionMarket reports whether the market identifier refers to a
// prediction market (price is a {yes, no} pair in [0, 1]).
func IsPredictionMarket(market string) bool {
	return strings.HasPrefix(market, PrefixPolymarket) || strings.HasPrefix(market, PrefixKalshi)
}

// ValidateSide checks that the side fits the market class: long/short
// for crypto, yes/no for prediction markets.
func ValidateSide(market, side string) error {
	if IsPredictionMarket(market) {
		if side != SideYes && side != SideNo {
			return fmt.Errorf("side %q is not valid for prediction market %q", side, market)
		}
		return nil
	}
	if side != SideLong && side != SideShort {
		return fmt.Errorf("side %q is not valid for crypto market %q", side, market)
	}
	return nil
}

// PositionPnl computes the unrealized (or, at exit, realized) P&L for a
// position given the current price. Long and yes profit when price rises;
// short and no profit when it falls.
func PositionPnl(side string, quantity, entry, current float64) float64 {
	switch side {
	case SideLong, SideYes:
		return (current - entry) * quantity
	case SideShort, SideNo:
		return (entry - current) * quantity
	}
	return 0
}

// CancellationEventMarkets returns the market identifiers a voided event
// id may appear under in position records.
func CancellationEventMarkets(eventID string) []string {
	return []string{eventID, PrefixPolymarket + eventID, PrefixKalshi + eventID}
}
