package risk

import "time"

// Rejection reason constants. A rejection is a policy decision, not a
// failure; the pipeline acks the signal and emits an event.
const (
	ReasonLowConfidence     = "LOW_CONFIDENCE"
	ReasonPositionLimit     = "POSITION_LIMIT"
	ReasonDuplicatePosition = "DUPLICATE_POSITION"
	ReasonDailyLossLimit    = "DAILY_LOSS_LIMIT"
	ReasonMissingStopLoss   = "MISSING_STOP_LOSS"
	ReasonNeutralSignal     = "NEUTRAL_SIGNAL"
	ReasonZeroSize          = "ZERO_SIZE"
)

// Limits defines per-user risk parameters. Read-only snapshot per
// evaluation; owned by the account layer, never mutated by the gate.
type Limits struct {
	MaxPositionSizePercent float64   `json:"max_position_size_percent" yaml:"max_position_size_percent"`
	MaxPositionSizeUsd     float64   `json:"max_position_size_usd" yaml:"max_position_size_usd"`
	MaxDailyLossPercent    float64   `json:"max_daily_loss_percent" yaml:"max_daily_loss_percent"`
	MaxOpenPositions       int       `json:"max_open_positions" yaml:"max_open_positions"`
	MaxLeverage            float64   `json:"max_leverage" yaml:"max_leverage"`
	RequireStopLoss        bool      `json:"require_stop_loss" yaml:"require_stop_loss"`
	UpdatedAt              time.Time `json:"updated_at" yaml:"updated_at"`
}

// AccountState is the exposure snapshot the gate evaluates against.
type AccountState struct {
	Equity          float64 // total account value in quote currency
	AvailableMargin float64 // free collateral backing new positions
	OpenPositions   int     // count of open positions for the user
	HasOpenPosition bool    // existing open position on this (symbol, exchange)
	DailyLoss       float64 // realized loss today, positive magnitude
}

// Decision is the outcome of a gate evaluation. When Approved is false,
// Reason carries one of the rejection constants above.
type Decision struct {
	Approved        bool    `json:"approved"`
	Reason          string  `json:"reason,omitempty"`
	Quantity        float64 `json:"quantity"`
	Notional        float64 `json:"notional"`
	EntryPrice      float64 `json:"entry_price"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`
}
