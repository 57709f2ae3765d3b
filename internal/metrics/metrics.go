// Package metrics registers the Prometheus instruments shared by the
// core and fan-out services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersPlaced counts accepted orders by market class.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_orders_placed_total",
		Help: "Orders accepted by the placement saga.",
	}, []string{"market_class"})

	// OrdersRejected counts rejected orders by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_orders_rejected_total",
		Help: "Orders rejected by the placement saga.",
	}, []string{"reason"})

	// ViolationsDetected counts terminal rule breaches by rule.
	ViolationsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_rule_violations_total",
		Help: "Rule violations that failed an assessment or closed a funded account.",
	}, []string{"rule"})

	// PersistenceCycles counts worker cycles by outcome.
	PersistenceCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_persistence_cycles_total",
		Help: "Persistence worker cycles.",
	}, []string{"outcome"})

	// DeadLetters counts entries pushed to the persistence DLQ.
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propdesk_persistence_dead_letters_total",
		Help: "Operations routed to the dead-letter queue.",
	})

	// WithdrawalsProcessed counts withdrawals by terminal status.
	WithdrawalsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_withdrawals_total",
		Help: "Withdrawal requests by resulting status.",
	}, []string{"status"})

	// WsConnections gauges open websocket connections on this node.
	WsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "propdesk_ws_connections",
		Help: "Open websocket connections.",
	})

	// WsMessagesSent counts outbound websocket frames by message type.
	WsMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_ws_messages_sent_total",
		Help: "Websocket frames pushed to clients.",
	}, []string{"type"})
)
