package fanout

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/propdesk/propdesk/internal/events"
)

// Frame types sent to clients.
const (
	FrameMarketPrice      = "market_price"
	FramePnlUpdate        = "pnl_update"
	FramePositionUpdate   = "position_update"
	FrameAssessmentUpdate = "assessment_update"
	FrameViolation        = "violation"
	FrameRuleStatus       = "rule_status"
)

// Router turns bus messages into websocket frames. Market ticks go to
// every client; account-scoped topics go to the connections watching
// that account, and only on the node the ring assigns as owner.
type Router struct {
	registry *Registry
	ring     *Ring
	nodeID   string
	log      zerolog.Logger
}

// NewRouter creates the router for this node.
func NewRouter(registry *Registry, ring *Ring, nodeID string, log zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		ring:     ring,
		nodeID:   nodeID,
		log:      log.With().Str("component", "router").Logger(),
	}
}

// RoutedTopics lists every bus topic the router subscribes to.
func RoutedTopics() []string {
	return []string{
		events.TopicCryptoTicks,
		events.TopicPredictionTicks,
		events.TopicOrderFilled,
		events.TopicBalanceUpdated,
		events.TopicPnlUpdated,
		events.TopicTradeCompleted,
		events.TopicPositionOpened,
		events.TopicPositionClosed,
		events.TopicPositionRefunded,
		events.TopicAssessmentCreated,
		events.TopicAssessmentStarted,
		events.TopicAssessmentPaused,
		events.TopicAssessmentResumed,
		events.TopicAssessmentAbandoned,
		events.TopicAssessmentCompleted,
		events.TopicViolationDetected,
		events.TopicDrawdownChecked,
	}
}

type frame struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId,omitempty"`
	Data          any    `json:"data"`
}

// Handle is the consumer handler for every routed topic. Unknown
// payloads are dropped with a log line.
func (r *Router) Handle(ctx context.Context, msg events.Message) error {
	switch data := msg.Data.(type) {
	case *events.MarketTickData:
		r.broadcast(ctx, frame{Type: FrameMarketPrice, CorrelationID: msg.CorrelationID, Data: data})
	case *events.OrderFilledData:
		r.scoped(ctx, data.AssessmentID, frame{Type: FramePnlUpdate, CorrelationID: msg.CorrelationID, Data: data})
	case *events.BalanceUpdatedData:
		r.scoped(ctx, data.AssessmentID, frame{Type: FramePnlUpdate, CorrelationID: msg.CorrelationID, Data: data})
	case *events.PnlUpdatedData:
		r.scoped(ctx, data.AssessmentID, frame{Type: FramePnlUpdate, CorrelationID: msg.CorrelationID, Data: data})
	case *events.TradeCompletedData:
		r.scoped(ctx, data.AssessmentID, frame{Type: FramePnlUpdate, CorrelationID: msg.CorrelationID, Data: data})
	case *events.PositionOpenedData:
		r.scoped(ctx, data.AssessmentID, frame{Type: FramePositionUpdate, CorrelationID: msg.CorrelationID, Data: data})
	case *events.PositionClosedData:
		r.scoped(ctx, data.AssessmentID, frame{Type: FramePositionUpdate, CorrelationID: msg.CorrelationID, Data: data})
	case *events.PositionRefundedData:
		r.scoped(ctx, data.AssessmentID, frame{Type: FramePositionUpdate, CorrelationID: msg.CorrelationID, Data: data})
	case *events.AssessmentLifecycleData:
		r.scoped(ctx, data.AssessmentID, frame{Type: FrameAssessmentUpdate, CorrelationID: msg.CorrelationID, Data: data})
	case *events.ViolationDetectedData:
		r.scoped(ctx, data.AccountID, frame{Type: FrameViolation, CorrelationID: msg.CorrelationID, Data: data})
	case *events.DrawdownCheckedData:
		r.scoped(ctx, data.AccountID, frame{Type: FrameRuleStatus, CorrelationID: msg.CorrelationID, Data: data})
	default:
		r.log.Debug().Str("topic", msg.Topic).Msg("No route for topic, dropping")
	}
	return nil
}

func (r *Router) broadcast(ctx context.Context, f frame) {
	for _, conn := range r.registry.All() {
		r.registry.Send(ctx, conn, f.Type, f)
	}
}

// scoped delivers to the watchers of one account, on the owning node
// only. Non-owners drop: the ring is eventually consistent, so a
// misroute costs at most one local delivery.
func (r *Router) scoped(ctx context.Context, accountID string, f frame) {
	owner, ok := r.ring.NodeFor(accountID)
	if !ok || owner != r.nodeID {
		return
	}
	for _, conn := range r.registry.ForAssessment(accountID) {
		r.registry.Send(ctx, conn, f.Type, f)
	}
}
