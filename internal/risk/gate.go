package risk

import (
	"log"
	"math"

	"trading-engine/internal/signal"
	"trading-engine/pkg/exchange"
)

// Gate accepts, rejects, or resizes candidate signals against per-user
// limits and the account's current exposure. It is stateless between
// evaluations; all inputs arrive as snapshots.
type Gate struct {
	MinConfidence     float64
	StopLossPercent   float64 // offset from entry, e.g. 2 = 2%
	TakeProfitPercent float64
	DefaultSizeUsd    float64 // notional used when a signal carries no suggested size
	Rules             exchange.RuleProvider
}

// NewGate builds a gate with the given thresholds. rules may be nil, in
// which case quantities are not floored to lot constraints.
func NewGate(minConfidence, stopLossPct, takeProfitPct, defaultSizeUsd float64, rules exchange.RuleProvider) *Gate {
	return &Gate{
		MinConfidence:     minConfidence,
		StopLossPercent:   stopLossPct,
		TakeProfitPercent: takeProfitPct,
		DefaultSizeUsd:    defaultSizeUsd,
		Rules:             rules,
	}
}

// Evaluate runs the ordered risk checks; the first failing check wins.
// price is the intended entry price from the market feed.
func (g *Gate) Evaluate(sig signal.Signal, price float64, limits Limits, state AccountState) Decision {
	if sig.Direction == signal.DirectionNeutral {
		return Decision{Reason: ReasonNeutralSignal}
	}
	if sig.Confidence < g.MinConfidence {
		return Decision{Reason: ReasonLowConfidence}
	}
	if limits.MaxOpenPositions > 0 && state.OpenPositions >= limits.MaxOpenPositions {
		return Decision{Reason: ReasonPositionLimit}
	}
	// Idempotent no-op, not an error: the position this signal wants
	// already exists.
	if state.HasOpenPosition {
		return Decision{Reason: ReasonDuplicatePosition}
	}
	if limits.MaxDailyLossPercent > 0 && state.Equity > 0 &&
		state.DailyLoss >= limits.MaxDailyLossPercent/100*state.Equity {
		return Decision{Reason: ReasonDailyLossLimit}
	}

	stopLoss, takeProfit := g.exitPrices(sig.Direction, price)
	if limits.RequireStopLoss && stopLoss <= 0 {
		return Decision{Reason: ReasonMissingStopLoss}
	}

	notional := g.sizeNotional(sig, limits, state)

	// Leverage breach clamps the size down rather than rejecting.
	if limits.MaxLeverage > 0 && state.AvailableMargin > 0 {
		maxNotional := limits.MaxLeverage * state.AvailableMargin
		if notional > maxNotional {
			log.Printf("Leverage clamp for %s %s: %.2f -> %.2f USD", sig.UserID, sig.Symbol, notional, maxNotional)
			notional = maxNotional
		}
	}

	qty := g.floorToLot(sig.Symbol, notional/price)
	if qty <= 0 || price <= 0 {
		return Decision{Reason: ReasonZeroSize}
	}

	return Decision{
		Approved:        true,
		Quantity:        qty,
		Notional:        qty * price,
		EntryPrice:      price,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
	}
}

// sizeNotional applies the position-size caps: percent of equity, hard
// USD ceiling, and the signal's suggested size (or the configured
// default when absent).
func (g *Gate) sizeNotional(sig signal.Signal, limits Limits, state AccountState) float64 {
	notional := math.Inf(1)
	if limits.MaxPositionSizePercent > 0 && state.Equity > 0 {
		notional = limits.MaxPositionSizePercent / 100 * state.Equity
	}
	if limits.MaxPositionSizeUsd > 0 {
		notional = math.Min(notional, limits.MaxPositionSizeUsd)
	}
	suggested := sig.SuggestedSize
	if suggested <= 0 {
		suggested = g.DefaultSizeUsd
	}
	if suggested > 0 {
		notional = math.Min(notional, suggested)
	}
	if math.IsInf(notional, 1) {
		return 0
	}
	return notional
}

// exitPrices derives stop-loss and take-profit from the configured
// percentage offsets; direction decides the sign of each offset.
func (g *Gate) exitPrices(dir signal.Direction, price float64) (stopLoss, takeProfit float64) {
	if price <= 0 || g.StopLossPercent <= 0 {
		return 0, 0
	}
	sl := g.StopLossPercent / 100
	tp := g.TakeProfitPercent / 100
	switch dir {
	case signal.DirectionLong:
		stopLoss = price * (1 - sl)
		if tp > 0 {
			takeProfit = price * (1 + tp)
		}
	case signal.DirectionShort:
		stopLoss = price * (1 + sl)
		if tp > 0 {
			takeProfit = price * (1 - tp)
		}
	}
	return stopLoss, takeProfit
}

// floorToLot rounds a quantity down to the venue's lot step and drops
// orders below the minimum lot.
func (g *Gate) floorToLot(symbol string, qty float64) float64 {
	if g.Rules == nil {
		return qty
	}
	rule := g.Rules.SymbolRule(symbol)
	if rule.LotStep > 0 {
		qty = math.Floor(qty/rule.LotStep) * rule.LotStep
	}
	if rule.MinLot > 0 && qty < rule.MinLot {
		return 0
	}
	return qty
}
