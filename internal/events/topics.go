// Package events defines the event-bus contract: topics, the message
// envelope, the typed payload per topic, and the Kafka producer and
// consumer used by both services.
package events

// Topics produced and consumed by the platform. Messages are partitioned
// by account id; ordering is guaranteed within one account only.
const (
	TopicOrderPlaced      = "trading.order-placed"
	TopicOrderFilled      = "trading.order-filled"
	TopicPositionOpened   = "trading.position-opened"
	TopicPositionClosed   = "trading.position-closed"
	TopicTradeCompleted   = "trading.trade-completed"
	TopicPositionRefunded = "trading.position-refunded"

	TopicAssessmentCreated   = "assessment.created"
	TopicAssessmentStarted   = "assessment.started"
	TopicAssessmentPaused    = "assessment.paused"
	TopicAssessmentResumed   = "assessment.resumed"
	TopicAssessmentAbandoned = "assessment.abandoned"
	TopicAssessmentCompleted = "assessment.completed"

	TopicBalanceUpdated = "assessment.balance-updated"
	TopicPnlUpdated     = "assessment.pnl-updated"

	TopicViolationDetected = "rules.violation-detected"
	TopicDrawdownChecked   = "rules.drawdown-checked"

	TopicFundedCreated   = "funded-account.created"
	TopicFundedActivated = "funded-account.activated"

	TopicWithdrawalRequested = "withdrawal.requested"
	TopicWithdrawalApproved  = "withdrawal.approved"
	TopicWithdrawalCompleted = "withdrawal.completed"
	TopicWithdrawalRejected  = "withdrawal.rejected"
	TopicWithdrawalFailed    = "withdrawal.failed"

	TopicPurchaseInitiated = "payment.purchase-initiated"
	TopicPurchaseCompleted = "payment.purchase-completed"
	TopicPurchaseFailed    = "payment.purchase-failed"

	TopicEventCancelled = "events.event-cancelled"

	TopicCryptoTicks     = "market-data.crypto-ticks"
	TopicPredictionTicks = "market-data.prediction-ticks"
)

// Consumer group ids.
const (
	GroupFundedActivation  = "core-funded-activation"
	GroupEventCancellation = "core-event-cancellation"
	GroupFanoutRouter      = "fanout-router"
)
