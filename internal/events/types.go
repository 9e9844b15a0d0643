package events

import "time"

// Event enumerates high-level topics inside the trading engine.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventSignalReceived Event = "signal.received"
	EventSignalRejected Event = "signal.rejected"
	EventRiskRejected   Event = "risk.rejected"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventStopTriggered  Event = "position.stop_triggered"
	EventDeadLetter     Event = "signal.dead_letter"
)

// PriceTick is the payload for EventPriceTick.
type PriceTick struct {
	Exchange  string
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// RiskRejection is the payload for EventRiskRejected.
type RiskRejection struct {
	UserID   string
	SignalID string
	Symbol   string
	Reason   string
}

// OrderUpdate is the payload for the order.* topics.
type OrderUpdate struct {
	UserID        string
	ClientOrderID string
	Symbol        string
	Exchange      string
	Side          string
	Qty           float64
	FillPrice     float64
	Simulated     bool
	Reason        string
}

// PositionUpdate is the payload for the position.* topics.
type PositionUpdate struct {
	UserID     string
	PositionID string
	Symbol     string
	Exchange   string
	Direction  string
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	Reason     string
}
