package backtest

import (
	"fmt"
	"log"

	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
)

// Config controls one simulation run.
type Config struct {
	Symbol            string  `json:"symbol" yaml:"symbol"`
	InitialCapital    float64 `json:"initial_capital" yaml:"initial_capital"`
	FillAtClose       bool    `json:"fill_at_close" yaml:"fill_at_close"` // market entries fill at the bar close instead of the open
	MinConfidence     float64 `json:"min_confidence" yaml:"min_confidence"`
	StopLossPercent   float64 `json:"stop_loss_percent" yaml:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent" yaml:"take_profit_percent"`
	DefaultSizeUsd    float64 `json:"default_size_usd" yaml:"default_size_usd"`

	Limits risk.Limits `json:"limits" yaml:"limits"`
}

// TradeSignal is a strategy's intent for one bar. LimitPrice zero means
// a market entry.
type TradeSignal struct {
	Direction     signal.Direction `json:"direction" yaml:"direction"`
	Confidence    float64          `json:"confidence" yaml:"confidence"`
	SuggestedSize float64          `json:"suggested_size" yaml:"suggested_size"`
	LimitPrice    float64          `json:"limit_price" yaml:"limit_price"`
}

// Strategy produces at most one trade intent per bar. It sees only the
// candles up to and including the current bar.
type Strategy func(i int, history []Candle) *TradeSignal

// Result bundles everything a run produced.
type Result struct {
	Trades      []SimulatedTrade
	EquityCurve []EquityPoint
	Metrics     Metrics
	FinalEquity float64
}

type simPosition struct {
	direction  signal.Direction
	entryPrice float64
	qty        float64
	stopLoss   float64
	takeProfit float64
	entryBar   int
}

type pendingEntry struct {
	direction  signal.Direction
	limitPrice float64
	qty        float64
	stopLoss   float64
	takeProfit float64
}

// Simulator replays candles through the live sizing rules with a
// simplified fill model. Each run is single-threaded and deterministic;
// independent runs may execute in parallel.
type Simulator struct {
	cfg  Config
	gate *risk.Gate
}

func NewSimulator(cfg Config) *Simulator {
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = 10000
	}
	return &Simulator{
		cfg:  cfg,
		gate: risk.NewGate(cfg.MinConfidence, cfg.StopLossPercent, cfg.TakeProfitPercent, cfg.DefaultSizeUsd, nil),
	}
}

// Run replays the candles in order. The strategy may be nil, which
// makes the run a pure buy-nothing equity replay.
func (s *Simulator) Run(candles []Candle, strategy Strategy) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("no candles to replay")
	}

	var (
		cash    = s.cfg.InitialCapital
		pos     *simPosition
		pending *pendingEntry
		trades  []SimulatedTrade
		curve   = make([]EquityPoint, 0, len(candles))
	)

	for i, c := range candles {
		// 1. Exit checks on the open position against the bar's range.
		if pos != nil {
			if exitPrice, ok := exitWithinBar(pos, c); ok {
				cash += realize(pos, exitPrice)
				trades = append(trades, s.record(pos, candles, i, exitPrice))
				pos = nil
			}
		}

		// 2. A resting limit entry fills when the range crosses it.
		if pos == nil && pending != nil && limitCrossed(pending, c) {
			pos = &simPosition{
				direction:  pending.direction,
				entryPrice: pending.limitPrice,
				qty:        pending.qty,
				stopLoss:   pending.stopLoss,
				takeProfit: pending.takeProfit,
				entryBar:   i,
			}
			pending = nil
		}

		// 3. Ask the strategy, run the gate, enter.
		if strategy != nil && pos == nil && pending == nil {
			if intent := strategy(i, candles[:i+1]); intent != nil {
				entryPrice := c.Open
				if s.cfg.FillAtClose {
					entryPrice = c.Close
				}
				refPrice := entryPrice
				if intent.LimitPrice > 0 {
					refPrice = intent.LimitPrice
				}

				dec := s.evaluate(i, intent, refPrice, cash)
				if dec.Approved {
					if intent.LimitPrice > 0 {
						pending = &pendingEntry{
							direction:  intent.Direction,
							limitPrice: intent.LimitPrice,
							qty:        dec.Quantity,
							stopLoss:   dec.StopLossPrice,
							takeProfit: dec.TakeProfitPrice,
						}
					} else {
						pos = &simPosition{
							direction:  intent.Direction,
							entryPrice: entryPrice,
							qty:        dec.Quantity,
							stopLoss:   dec.StopLossPrice,
							takeProfit: dec.TakeProfitPrice,
							entryBar:   i,
						}
					}
				}
			}
		}

		// 4. One equity point per bar, marked at the close.
		curve = append(curve, EquityPoint{Timestamp: c.Timestamp, Equity: cash + markPnL(pos, c.Close)})
	}

	// Liquidate at the final close so every entry becomes a measurable
	// round trip.
	if pos != nil {
		last := len(candles) - 1
		exitPrice := candles[last].Close
		cash += realize(pos, exitPrice)
		trades = append(trades, s.record(pos, candles, last, exitPrice))
		curve[last].Equity = cash
		pos = nil
	}

	metrics := Calculate(trades, curve, s.cfg.InitialCapital)
	log.Printf("Backtest %s: %d bars, %d trades, final equity %.2f",
		s.cfg.Symbol, len(candles), len(trades), curve[len(curve)-1].Equity)

	return Result{
		Trades:      trades,
		EquityCurve: curve,
		Metrics:     metrics,
		FinalEquity: curve[len(curve)-1].Equity,
	}, nil
}

// evaluate routes the intent through the same risk gate the live
// pipeline uses, with account state tracked internally.
func (s *Simulator) evaluate(bar int, intent *TradeSignal, price, equity float64) risk.Decision {
	sig := signal.Signal{
		ID:            fmt.Sprintf("backtest-%s-%d", s.cfg.Symbol, bar),
		UserID:        "backtest",
		Symbol:        s.cfg.Symbol,
		Exchange:      "simulated",
		Direction:     intent.Direction,
		Confidence:    intent.Confidence,
		SuggestedSize: intent.SuggestedSize,
	}
	state := risk.AccountState{
		Equity:          equity,
		AvailableMargin: equity,
	}
	return s.gate.Evaluate(sig, price, s.cfg.Limits, state)
}

// exitWithinBar checks stop-loss first, then take-profit, against the
// bar's range. Conservative: when both lie inside the range the stop
// wins.
func exitWithinBar(pos *simPosition, c Candle) (float64, bool) {
	long := pos.direction != signal.DirectionShort
	if pos.stopLoss > 0 {
		if (long && c.Low <= pos.stopLoss) || (!long && c.High >= pos.stopLoss) {
			return pos.stopLoss, true
		}
	}
	if pos.takeProfit > 0 {
		if (long && c.High >= pos.takeProfit) || (!long && c.Low <= pos.takeProfit) {
			return pos.takeProfit, true
		}
	}
	return 0, false
}

func limitCrossed(p *pendingEntry, c Candle) bool {
	if p.direction == signal.DirectionShort {
		return c.High >= p.limitPrice
	}
	return c.Low <= p.limitPrice
}

func realize(pos *simPosition, exitPrice float64) float64 {
	sign := 1.0
	if pos.direction == signal.DirectionShort {
		sign = -1
	}
	return sign * (exitPrice - pos.entryPrice) * pos.qty
}

func markPnL(pos *simPosition, price float64) float64 {
	if pos == nil {
		return 0
	}
	return realize(pos, price)
}

func (s *Simulator) record(pos *simPosition, candles []Candle, exitBar int, exitPrice float64) SimulatedTrade {
	return SimulatedTrade{
		EntryTimestamp: candles[pos.entryBar].Timestamp,
		ExitTimestamp:  candles[exitBar].Timestamp,
		Symbol:         s.cfg.Symbol,
		Direction:      string(pos.direction),
		EntryPrice:     pos.entryPrice,
		ExitPrice:      exitPrice,
		Quantity:       pos.qty,
		ProfitLoss:     realize(pos, exitPrice),
	}
}
