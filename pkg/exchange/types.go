package exchange

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusFilled   OrderStatus = "FILLED"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusRejected OrderStatus = "REJECTED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusUnknown  OrderStatus = "UNKNOWN"
	StatusNotFound OrderStatus = "NOT_FOUND"
)

// OrderRequest captures an order intent to be sent to a venue.
// ClientOrderID is the caller's idempotency key: resubmitting the same id
// must not produce a second fill on a conforming venue.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // required for LIMIT
	StopPrice     float64 // required for STOP
	ClientOrderID string
}

// OrderResult returns the venue ack for a submitted or queried order.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	FilledQty       float64
	AvgFillPrice    float64
	Simulated       bool // true when the fill was synthesized, never touched a venue
	Timestamp       time.Time
}

// Balance is a single asset balance on a venue.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// SymbolRule carries per-instrument constraints the sizing logic needs.
type SymbolRule struct {
	Symbol  string
	MinLot  float64 // minimum order quantity
	LotStep float64 // quantity increment
}
