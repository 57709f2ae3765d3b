package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/propdesk/propdesk/internal/domain"
)

// Payload is implemented by every typed event body. The topic determines
// the concrete type on the wire; Decode performs the tagged-variant
// unmarshal at the consumer edge.
type Payload interface {
	Topic() string
}

// Envelope is the wire shape of every message: correlation id and
// timestamp around the typed data.
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// Message is a decoded bus message as handlers receive it.
type Message struct {
	Topic         string
	Key           string
	CorrelationID string
	Timestamp     time.Time
	Data          Payload
}

// OrderPlacedData announces an accepted order before its fill.
type OrderPlacedData struct {
	AssessmentID string  `json:"assessmentId"`
	OrderID      string  `json:"orderId"`
	Market       string  `json:"market"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
}

func (d *OrderPlacedData) Topic() string { return TopicOrderPlaced }

// OrderFilledData carries the synthetic fill.
type OrderFilledData struct {
	AssessmentID string  `json:"assessmentId"`
	OrderID      string  `json:"orderId"`
	PositionID   string  `json:"positionId"`
	Market       string  `json:"market"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	FeeAmount    float64 `json:"feeAmount"`
	Balance      float64 `json:"balance"`
}

func (d *OrderFilledData) Topic() string { return TopicOrderFilled }

// PositionOpenedData carries the new position snapshot entry.
type PositionOpenedData struct {
	AssessmentID string               `json:"assessmentId"`
	Position     domain.PositionState `json:"position"`
}

func (d *PositionOpenedData) Topic() string { return TopicPositionOpened }

// PositionClosedData is emitted on manual close, liquidation and
// rollback of an observed position.
type PositionClosedData struct {
	AssessmentID string  `json:"assessmentId"`
	PositionID   string  `json:"positionId"`
	Market       string  `json:"market"`
	EntryPrice   float64 `json:"entryPrice"`
	ExitPrice    float64 `json:"exitPrice"`
	RealizedPnl  float64 `json:"realizedPnl"`
}

func (d *PositionClosedData) Topic() string { return TopicPositionClosed }

// TradeCompletedData follows a close with the resulting balance.
type TradeCompletedData struct {
	AssessmentID string  `json:"assessmentId"`
	PositionID   string  `json:"positionId"`
	RealizedPnl  float64 `json:"realizedPnl"`
	Balance      float64 `json:"balance"`
}

func (d *TradeCompletedData) Topic() string { return TopicTradeCompleted }

// PositionRefundedData is emitted per refunded position on event
// cancellation.
type PositionRefundedData struct {
	AssessmentID string  `json:"assessmentId"`
	PositionID   string  `json:"positionId"`
	Market       string  `json:"market"`
	Refund       float64 `json:"refund"`
}

func (d *PositionRefundedData) Topic() string { return TopicPositionRefunded }

// AssessmentLifecycleData is shared by the assessment lifecycle topics.
// Status is only set on assessment.completed (passed/failed/abandoned).
type AssessmentLifecycleData struct {
	AssessmentID string `json:"assessmentId"`
	UserID       string `json:"userId"`
	TierID       string `json:"tierId,omitempty"`
	Status       string `json:"status,omitempty"`

	topic string
}

func (d *AssessmentLifecycleData) Topic() string { return d.topic }

// NewAssessmentLifecycle builds a lifecycle payload for one of the
// assessment.* topics.
func NewAssessmentLifecycle(topic, assessmentID, userID, tierID, status string) *AssessmentLifecycleData {
	return &AssessmentLifecycleData{
		AssessmentID: assessmentID,
		UserID:       userID,
		TierID:       tierID,
		Status:       status,
		topic:        topic,
	}
}

// BalanceUpdatedData mirrors live balance changes for the fan-out path.
type BalanceUpdatedData struct {
	AssessmentID string  `json:"assessmentId"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
}

func (d *BalanceUpdatedData) Topic() string { return TopicBalanceUpdated }

// PnlUpdatedData mirrors live P&L changes for the fan-out path.
type PnlUpdatedData struct {
	AssessmentID  string  `json:"assessmentId"`
	RealizedPnl   float64 `json:"realizedPnl"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
}

func (d *PnlUpdatedData) Topic() string { return TopicPnlUpdated }

// ViolationDetectedData records a terminal rule breach.
type ViolationDetectedData struct {
	Scope     string  `json:"scope"`
	AccountID string  `json:"accountId"`
	Rule      string  `json:"rule"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

func (d *ViolationDetectedData) Topic() string { return TopicViolationDetected }

// DrawdownCheckedData carries the periodic rules snapshot.
type DrawdownCheckedData struct {
	Scope     string               `json:"scope"`
	AccountID string               `json:"accountId"`
	Rules     domain.RulesSnapshot `json:"rules"`
}

func (d *DrawdownCheckedData) Topic() string { return TopicDrawdownChecked }

// FundedAccountData is shared by funded-account.created/activated.
type FundedAccountData struct {
	FundedAccountID string `json:"fundedAccountId"`
	AssessmentID    string `json:"assessmentId"`
	UserID          string `json:"userId"`

	topic string
}

func (d *FundedAccountData) Topic() string { return d.topic }

// NewFundedAccountEvent builds a payload for one of the funded-account.*
// topics.
func NewFundedAccountEvent(topic, fundedAccountID, assessmentID, userID string) *FundedAccountData {
	return &FundedAccountData{
		FundedAccountID: fundedAccountID,
		AssessmentID:    assessmentID,
		UserID:          userID,
		topic:           topic,
	}
}

// WithdrawalData is shared by the withdrawal.* topics.
type WithdrawalData struct {
	WithdrawalID    string  `json:"withdrawalId"`
	FundedAccountID string  `json:"fundedAccountId"`
	UserID          string  `json:"userId"`
	Amount          float64 `json:"amount"`
	Reason          string  `json:"reason,omitempty"`

	topic string
}

func (d *WithdrawalData) Topic() string { return d.topic }

// NewWithdrawalEvent builds a payload for one of the withdrawal.* topics.
func NewWithdrawalEvent(topic string, d WithdrawalData) *WithdrawalData {
	d.topic = topic
	return &d
}

// PurchaseData is shared by the payment.purchase-* topics.
type PurchaseData struct {
	PurchaseID  string `json:"purchaseId"`
	UserID      string `json:"userId"`
	TierID      string `json:"tierId"`
	AmountCents int64  `json:"amountCents"`

	topic string
}

func (d *PurchaseData) Topic() string { return d.topic }

// NewPurchaseEvent builds a payload for one of the payment.purchase-*
// topics.
func NewPurchaseEvent(topic string, d PurchaseData) *PurchaseData {
	d.topic = topic
	return &d
}

// EventCancelledData is consumed when an underlying market event is
// voided upstream.
type EventCancelledData struct {
	EventID string `json:"eventId"`
	Source  string `json:"source"`
	Status  string `json:"status"`
}

func (d *EventCancelledData) Topic() string { return TopicEventCancelled }

// MarketTickData is a market-data tick, broadcast to every websocket
// client. Scalar for crypto, yes/no pair for prediction markets.
type MarketTickData struct {
	Market string   `json:"market"`
	Price  *float64 `json:"price,omitempty"`
	Yes    *float64 `json:"yes,omitempty"`
	No     *float64 `json:"no,omitempty"`

	topic string
}

func (d *MarketTickData) Topic() string { return d.topic }

// Decode unmarshals a raw data body into the typed payload for topic.
// Unknown topics return an error; consumers log and drop.
func Decode(topic string, data []byte) (Payload, error) {
	var payload Payload
	switch topic {
	case TopicOrderPlaced:
		payload = &OrderPlacedData{}
	case TopicOrderFilled:
		payload = &OrderFilledData{}
	case TopicPositionOpened:
		payload = &PositionOpenedData{}
	case TopicPositionClosed:
		payload = &PositionClosedData{}
	case TopicTradeCompleted:
		payload = &TradeCompletedData{}
	case TopicPositionRefunded:
		payload = &PositionRefundedData{}
	case TopicAssessmentCreated, TopicAssessmentStarted, TopicAssessmentPaused,
		TopicAssessmentResumed, TopicAssessmentAbandoned, TopicAssessmentCompleted:
		payload = &AssessmentLifecycleData{topic: topic}
	case TopicBalanceUpdated:
		payload = &BalanceUpdatedData{}
	case TopicPnlUpdated:
		payload = &PnlUpdatedData{}
	case TopicViolationDetected:
		payload = &ViolationDetectedData{}
	case TopicDrawdownChecked:
		payload = &DrawdownCheckedData{}
	case TopicFundedCreated, TopicFundedActivated:
		payload = &FundedAccountData{topic: topic}
	case TopicWithdrawalRequested, TopicWithdrawalApproved, TopicWithdrawalCompleted,
		TopicWithdrawalRejected, TopicWithdrawalFailed:
		payload = &WithdrawalData{topic: topic}
	case TopicPurchaseInitiated, TopicPurchaseCompleted, TopicPurchaseFailed:
		payload = &PurchaseData{topic: topic}
	case TopicEventCancelled:
		payload = &EventCancelledData{}
	case TopicCryptoTicks, TopicPredictionTicks:
		payload = &MarketTickData{topic: topic}
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", topic, err)
	}
	return payload, nil
}
