package events

import "time"

// Event enumerates high-level topics inside the orchestration core.
type Event string

const (
	EventSignalReceived Event = "signal.received"
	EventSignalRejected Event = "signal.rejected"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderRejected  Event = "order.rejected"
	EventTradeOpened    Event = "trade.opened"
	EventTradeResolved  Event = "trade.resolved"
	EventLaneCreated    Event = "lane.created"
	EventLaneAdvanced   Event = "lane.advanced"
	EventLaneCompleted  Event = "lane.completed"
	EventBalanceUpdated Event = "balance.updated"
	EventWorkerState    Event = "worker.state"
)

// SignalEvent describes a signal entering or leaving the pipeline.
type SignalEvent struct {
	SignalID string    `json:"signal_id"`
	Symbol   string    `json:"symbol"`
	Action   string    `json:"action"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// TradeEvent carries order and trade lifecycle updates.
type TradeEvent struct {
	TrackingID string    `json:"tracking_id"`
	TradeID    string    `json:"trade_id,omitempty"`
	Account    string    `json:"account"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Amount     float64   `json:"amount"`
	Level      int       `json:"level"`
	Recovery   bool      `json:"recovery"`
	LaneID     string    `json:"lane_id,omitempty"`
	Result     string    `json:"result,omitempty"`
	Profit     float64   `json:"profit,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// LaneEvent carries recovery-lane lifecycle updates.
type LaneEvent struct {
	LaneID     string    `json:"lane_id"`
	Account    string    `json:"account"`
	Symbol     string    `json:"symbol"`
	Level      int       `json:"level"`
	NextAmount float64   `json:"next_amount"`
	TotalRisk  float64   `json:"total_risk"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// BalanceEvent reports a refreshed account balance.
type BalanceEvent struct {
	Account string    `json:"account"`
	Balance float64   `json:"balance"`
	At      time.Time `json:"at"`
}

// WorkerEvent reports a connection worker state transition.
type WorkerEvent struct {
	Account string    `json:"account"`
	State   string    `json:"state"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Envelope wraps a payload with its topic for multi-topic streams.
type Envelope struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}
