package trading

import (
	"github.com/propdesk/propdesk/internal/config"
	"github.com/propdesk/propdesk/internal/domain"
)

// Quote is the synthetic execution pricing for one order.
type Quote struct {
	ReferencePrice float64
	ExecutionPrice float64
	SlippageAmount float64
	FeeAmount      float64
	TotalCost      float64
}

// BuildQuote applies slippage and fees to a reference price. Prediction
// market prices are probabilities, so the slipped price is clamped to
// 1.0 before sizing.
func BuildQuote(market string, ref, quantity float64, crypto, prediction config.MarketFees) Quote {
	fees := crypto
	if domain.IsPredictionMarket(market) {
		fees = prediction
	}

	exec := ref * (1 + fees.Slippage)
	if domain.IsPredictionMarket(market) && exec > 1.0 {
		exec = 1.0
	}

	fee := exec * quantity * fees.Fee
	return Quote{
		ReferencePrice: ref,
		ExecutionPrice: exec,
		SlippageAmount: (exec - ref) * quantity,
		FeeAmount:      fee,
		TotalCost:      exec*quantity + fee,
	}
}
