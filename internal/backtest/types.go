// Package backtest replays historical candles through the live sizing
// rules and computes performance statistics from the result.
package backtest

import "time"

// Candle is one bar of historical market data.
type Candle struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Open      float64   `json:"open" yaml:"open"`
	High      float64   `json:"high" yaml:"high"`
	Low       float64   `json:"low" yaml:"low"`
	Close     float64   `json:"close" yaml:"close"`
	Volume    float64   `json:"volume" yaml:"volume"`
}

// SimulatedTrade is a closed round trip produced by the simulator.
// Immutable once recorded.
type SimulatedTrade struct {
	EntryTimestamp time.Time `json:"entry_timestamp"`
	ExitTimestamp  time.Time `json:"exit_timestamp"`
	Symbol         string    `json:"symbol"`
	Direction      string    `json:"direction"`
	EntryPrice     float64   `json:"entry_price"`
	ExitPrice      float64   `json:"exit_price"`
	Quantity       float64   `json:"quantity"`
	ProfitLoss     float64   `json:"profit_loss"`
}

// EquityPoint is one point of the equity curve, one per simulated bar.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Metrics is the derived performance report for a run.
type Metrics struct {
	TotalReturn        float64 `json:"total_return"`
	TotalReturnPercent float64 `json:"total_return_percent"`
	AnnualizedReturn   float64 `json:"annualized_return"`

	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`

	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	ProfitFactor float64 `json:"profit_factor"`

	AverageWin      float64 `json:"average_win"`
	AverageLoss     float64 `json:"average_loss"`
	Expectancy      float64 `json:"expectancy"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`

	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDrawdownPercent  float64 `json:"max_drawdown_percent"`
	MaxDrawdownDuration int     `json:"max_drawdown_duration"`
	AvgDrawdown         float64 `json:"avg_drawdown"`

	SharpeRatio   float64 `json:"sharpe_ratio"`
	SortinoRatio  float64 `json:"sortino_ratio"`
	CalmarRatio   float64 `json:"calmar_ratio"`
	Volatility    float64 `json:"volatility"`
	ValueAtRisk95 float64 `json:"value_at_risk_95"`

	MaxWinStreak  int `json:"max_win_streak"`
	MaxLossStreak int `json:"max_loss_streak"`
}
