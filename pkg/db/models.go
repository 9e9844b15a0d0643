package db

import (
	"database/sql"
	"time"
)

// Position is the persisted form of an open or historical position.
type Position struct {
	ID            string
	UserID        string
	Symbol        string
	Exchange      string
	Direction     string
	EntryPrice    float64
	Qty           float64
	StopLoss      float64
	TakeProfit    float64
	CurrentPrice  float64
	UnrealizedPnL float64
	RiskLevel     string
	State         string
	ClientOrderID string
	OpenedAt      time.Time
	ClosedAt      sql.NullTime
	LastTickAt    sql.NullTime
}

// Order is a submitted exchange order keyed by its idempotent client id.
type Order struct {
	ClientOrderID string
	SignalID      string
	UserID        string
	Symbol        string
	Exchange      string
	Side          string
	Type          string
	Qty           float64
	Price         float64
	Status        string
	FilledQty     float64
	AvgFillPrice  float64
	Simulated     bool
	CreatedAt     time.Time
}

// Trade is a realized round trip produced when a position closes.
type Trade struct {
	ID         string    `json:"id"`
	PositionID string    `json:"position_id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Exchange   string    `json:"exchange"`
	Direction  string    `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Qty        float64   `json:"qty"`
	PnL        float64   `json:"pnl"`
	EntryAt    time.Time `json:"entry_at"`
	ExitAt     time.Time `json:"exit_at"`
}

// DeadLetter is a signal that exhausted its retry budget.
type DeadLetter struct {
	ID           string    `json:"id"`
	SignalID     string    `json:"signal_id"`
	Payload      string    `json:"payload"`
	Reason       string    `json:"reason"`
	Redeliveries int       `json:"redeliveries"`
	CreatedAt    time.Time `json:"created_at"`
}

// Credential stores a user's API keys for one venue, encrypted at rest.
type Credential struct {
	UserID       string
	Exchange     string
	APIKeyEnc    string
	APISecretEnc string
	Testnet      bool
	UpdatedAt    time.Time
}

// BacktestRun is a completed simulation with its metrics serialized to JSON.
type BacktestRun struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	TotalTrades    int       `json:"total_trades"`
	MetricsJSON    string    `json:"metrics_json"`
	CreatedAt      time.Time `json:"created_at"`
}
