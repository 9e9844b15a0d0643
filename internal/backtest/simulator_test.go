package backtest

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
)

func testConfig() Config {
	return Config{
		Symbol:            "BTC/USDT",
		InitialCapital:    10000,
		MinConfidence:     0.7,
		StopLossPercent:   2,
		TakeProfitPercent: 5,
		DefaultSizeUsd:    1000,
		Limits: risk.Limits{
			MaxPositionSizePercent: 100,
			MaxPositionSizeUsd:     100000,
			MaxOpenPositions:       10,
			MaxLeverage:            10,
			RequireStopLoss:        true,
		},
	}
}

func candleSeries(bars ...[4]float64) []Candle {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]Candle, len(bars))
	for i, b := range bars {
		candles[i] = Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      b[0],
			High:      b[1],
			Low:       b[2],
			Close:     b[3],
		}
	}
	return candles
}

func longAtBar(bar int, confidence float64) Strategy {
	return func(i int, history []Candle) *TradeSignal {
		if i == bar {
			return &TradeSignal{Direction: signal.DirectionLong, Confidence: confidence, SuggestedSize: 1000}
		}
		return nil
	}
}

func TestRunMarketEntryFillsAtOpen(t *testing.T) {
	candles := candleSeries(
		[4]float64{100, 101, 99, 100},
		[4]float64{100, 103, 100, 102},
		[4]float64{102, 103, 101, 102},
	)

	sim := NewSimulator(testConfig())
	res, err := sim.Run(candles, longAtBar(0, 0.9))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, expected the final liquidation", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.EntryPrice != 100 {
		t.Errorf("entry = %v, expected fill at the bar open", tr.EntryPrice)
	}
	if tr.ExitPrice != 102 {
		t.Errorf("exit = %v, expected liquidation at the last close", tr.ExitPrice)
	}
	// 1000 USD at 100 = 10 units; (102-100)*10 = 20.
	approx(t, "pnl", tr.ProfitLoss, 20, 1e-9)
	approx(t, "final equity", res.FinalEquity, 10020, 1e-9)
}

func TestRunMarketEntryFillsAtCloseWhenConfigured(t *testing.T) {
	candles := candleSeries(
		[4]float64{100, 103, 99, 102},
		[4]float64{102, 104, 101, 103},
	)

	cfg := testConfig()
	cfg.FillAtClose = true
	res, err := NewSimulator(cfg).Run(candles, longAtBar(0, 0.9))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Trades[0].EntryPrice != 102 {
		t.Errorf("entry = %v, expected fill at the bar close", res.Trades[0].EntryPrice)
	}
}

func TestRunLowConfidenceNeverTrades(t *testing.T) {
	candles := candleSeries(
		[4]float64{100, 101, 99, 100},
		[4]float64{100, 110, 100, 110},
	)

	res, err := NewSimulator(testConfig()).Run(candles, longAtBar(0, 0.5))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("low-confidence signal produced %d trades", len(res.Trades))
	}
	// Flat equity curve, one point per bar.
	if len(res.EquityCurve) != 2 {
		t.Fatalf("equity points = %d, expected one per bar", len(res.EquityCurve))
	}
	for _, p := range res.EquityCurve {
		if p.Equity != 10000 {
			t.Errorf("equity moved without trades: %v", p.Equity)
		}
	}
}

func TestRunStopLossExitsWithinBar(t *testing.T) {
	// Entry at 100 with a 2% stop at 98; third bar trades down through it.
	candles := candleSeries(
		[4]float64{100, 101, 99, 100},
		[4]float64{100, 101, 99, 100},
		[4]float64{99, 100, 97, 99.5},
		[4]float64{99.5, 100, 99, 99.8},
	)

	res, err := NewSimulator(testConfig()).Run(candles, longAtBar(0, 0.9))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, expected 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitPrice != 98 {
		t.Errorf("exit = %v, expected the stop price 98", tr.ExitPrice)
	}
	approx(t, "pnl", tr.ProfitLoss, -20, 1e-9) // (98-100) * 10
}

func TestRunTakeProfitExitsWithinBar(t *testing.T) {
	// Entry at 100, take-profit at 105; second bar spikes through it.
	candles := candleSeries(
		[4]float64{100, 101, 99, 100},
		[4]float64{101, 106, 100, 104},
	)

	res, err := NewSimulator(testConfig()).Run(candles, longAtBar(0, 0.9))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Trades[0].ExitPrice != 105 {
		t.Errorf("exit = %v, expected the take-profit 105", res.Trades[0].ExitPrice)
	}
}

func TestRunLimitEntryWaitsForCross(t *testing.T) {
	strategy := func(i int, history []Candle) *TradeSignal {
		if i == 0 {
			return &TradeSignal{
				Direction:     signal.DirectionLong,
				Confidence:    0.9,
				SuggestedSize: 1000,
				LimitPrice:    95,
			}
		}
		return nil
	}
	candles := candleSeries(
		[4]float64{100, 101, 99, 100}, // limit 95 untouched
		[4]float64{100, 101, 98, 100}, // still untouched
		[4]float64{99, 100, 94, 96},   // low crosses 95, entry fills
		[4]float64{96, 98, 95.5, 97},
	)

	res, err := NewSimulator(testConfig()).Run(candles, strategy)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, expected 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.EntryPrice != 95 {
		t.Errorf("entry = %v, expected the limit price 95", tr.EntryPrice)
	}
	if !tr.EntryTimestamp.Equal(candles[2].Timestamp) {
		t.Errorf("entry at %v, expected bar 2", tr.EntryTimestamp)
	}
}

func TestRunShortDirection(t *testing.T) {
	strategy := func(i int, history []Candle) *TradeSignal {
		if i == 0 {
			return &TradeSignal{Direction: signal.DirectionShort, Confidence: 0.9, SuggestedSize: 1000}
		}
		return nil
	}
	candles := candleSeries(
		[4]float64{100, 100.5, 99, 100},
		[4]float64{99, 99.5, 97, 97.5},
	)

	res, err := NewSimulator(testConfig()).Run(candles, strategy)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	tr := res.Trades[0]
	if tr.Direction != "short" {
		t.Errorf("direction = %s", tr.Direction)
	}
	// Short 10 units at 100, liquidated at 97.5: +25.
	approx(t, "pnl", tr.ProfitLoss, 25, 1e-9)
}

func TestRunEmptyCandlesErrors(t *testing.T) {
	if _, err := NewSimulator(testConfig()).Run(nil, nil); err == nil {
		t.Fatal("expected error for empty candle series")
	}
}

func TestScenarioRoundTrip(t *testing.T) {
	scenarioYAML := `
name: stop-loss-regression
config:
  symbol: BTC/USDT
  initial_capital: 10000
  min_confidence: 0.7
  stop_loss_percent: 2
  take_profit_percent: 5
  default_size_usd: 1000
  limits:
    max_position_size_percent: 100
    max_position_size_usd: 100000
    max_open_positions: 10
    max_leverage: 10
    require_stop_loss: true
candles:
  - {timestamp: 2025-01-01T00:00:00Z, open: 100, high: 101, low: 99, close: 100}
  - {timestamp: 2025-01-01T01:00:00Z, open: 100, high: 101, low: 97, close: 99}
signals:
  0: {direction: long, confidence: 0.9, suggested_size: 1000}
`
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(scenarioYAML), 0644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario failed: %v", err)
	}
	if sc.Name != "stop-loss-regression" || len(sc.Candles) != 2 {
		t.Fatalf("scenario parsed wrong: %+v", sc)
	}

	res, err := sc.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// The second bar trades through the 98 stop.
	if len(res.Trades) != 1 || res.Trades[0].ExitPrice != 98 {
		t.Fatalf("unexpected result: %+v", res.Trades)
	}
	if math.Abs(res.FinalEquity-9980) > 1e-9 {
		t.Errorf("final equity = %v, expected 9980", res.FinalEquity)
	}
}
