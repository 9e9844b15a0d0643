// Package order converts risk-approved signals into venue order calls,
// with retry, slippage tolerance, and a simulated-fill fallback.
package order

import (
	"context"
	"fmt"
	"log"
	"time"

	"trading-engine/internal/events"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

// PriceSource supplies the last known market price for dry-run fills.
type PriceSource interface {
	LastPrice(venue, symbol string) (price float64, at time.Time, ok bool)
}

// ErrStalePrice is returned when the dry-run fallback cannot find a
// recent enough market price to synthesize a fill.
var ErrStalePrice = fmt.Errorf("no market price within staleness bound")

// Executor submits orders to a venue gateway, persists the outcome, and
// emits order events.
type Executor struct {
	DB  *db.Database
	Bus *events.Bus

	RetryAttempts  int
	RetryDelay     time.Duration
	CallTimeout    time.Duration
	SlippagePct    float64 // dry-run fill slippage, percent against the order
	DryRunFallback bool
	PriceMaxAge    time.Duration // staleness bound on the dry-run price
	Prices         PriceSource

	// sleep is swapped in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an executor. database and bus may be nil, in which
// case persistence and events are skipped.
func NewExecutor(database *db.Database, bus *events.Bus, retryAttempts int, retryDelay time.Duration) *Executor {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Executor{
		DB:            database,
		Bus:           bus,
		RetryAttempts: retryAttempts,
		RetryDelay:    retryDelay,
		CallTimeout:   10 * time.Second,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute submits req through gw. Transient venue errors are retried
// with a fixed delay reusing the same ClientOrderID; fatal errors abort
// immediately. When all retries exhaust with transient errors and the
// dry-run fallback is enabled, a simulated fill is synthesized from the
// last known market price.
func (e *Executor) Execute(ctx context.Context, gw exchange.Gateway, venue, userID, signalID string, req exchange.OrderRequest) (exchange.OrderResult, error) {
	e.persistOrder(ctx, venue, userID, signalID, req, "SUBMITTED", false)
	e.publish(events.EventOrderSubmitted, userID, venue, req, exchange.OrderResult{}, "")

	res, err := e.submitWithRetry(ctx, gw, req)
	if err == nil {
		e.recordResult(ctx, userID, venue, req, res)
		return res, nil
	}

	if exchange.IsTransient(err) && e.DryRunFallback {
		sim, simErr := e.simulatedFill(venue, req)
		if simErr != nil {
			e.recordFailure(ctx, userID, venue, req, fmt.Errorf("%v (dry-run fallback: %w)", err, simErr))
			return exchange.OrderResult{}, err
		}
		log.Printf("⚠️ Dry-run fallback for %s: simulated fill %s %s @ %.4f",
			req.ClientOrderID, req.Side, req.Symbol, sim.AvgFillPrice)
		e.recordResult(ctx, userID, venue, req, sim)
		return sim, nil
	}

	e.recordFailure(ctx, userID, venue, req, err)
	return exchange.OrderResult{}, err
}

func (e *Executor) submitWithRetry(ctx context.Context, gw exchange.Gateway, req exchange.OrderRequest) (exchange.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.RetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
		res, err := gw.PlaceOrder(callCtx, req)
		cancel()

		if err == nil {
			return res, nil
		}
		if exchange.IsFatal(err) {
			return exchange.OrderResult{}, err
		}
		lastErr = err
		log.Printf("Order %s attempt %d/%d failed: %v", req.ClientOrderID, attempt, e.RetryAttempts, err)

		if attempt < e.RetryAttempts {
			if serr := e.sleep(ctx, e.RetryDelay); serr != nil {
				return exchange.OrderResult{}, serr
			}
		}
	}
	return exchange.OrderResult{}, lastErr
}

// simulatedFill synthesizes a paper fill at the last known price with
// slippage applied against the order: buys fill above the mark, sells
// below. The synthesized result is flagged so downstream consumers and
// operators can tell paper exposure from real.
func (e *Executor) simulatedFill(venue string, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if e.Prices == nil {
		return exchange.OrderResult{}, ErrStalePrice
	}
	price, at, ok := e.Prices.LastPrice(venue, req.Symbol)
	if !ok || price <= 0 {
		return exchange.OrderResult{}, ErrStalePrice
	}
	if e.PriceMaxAge > 0 && time.Since(at) > e.PriceMaxAge {
		return exchange.OrderResult{}, ErrStalePrice
	}

	slip := e.SlippagePct / 100
	if req.Side == exchange.SideBuy {
		price *= 1 + slip
	} else {
		price *= 1 - slip
	}

	return exchange.OrderResult{
		ExchangeOrderID: "dryrun-" + req.ClientOrderID,
		ClientOrderID:   req.ClientOrderID,
		Status:          exchange.StatusFilled,
		FilledQty:       req.Qty,
		AvgFillPrice:    price,
		Simulated:       true,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// Cancel cancels an order under the same retry policy as Execute.
// "Order already filled" is success, not failure: the venue resolved
// the race for us and the caller should treat the position as open.
func (e *Executor) Cancel(ctx context.Context, gw exchange.Gateway, symbol, clientOrderID string) (exchange.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.RetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
		res, err := gw.CancelOrder(callCtx, symbol, clientOrderID)
		cancel()

		if err == nil {
			return res, nil
		}
		if exchange.IsFatal(err) {
			// Re-query: a fatal cancel usually means the order raced to
			// a terminal state before the cancel landed.
			statusCtx, cancelStatus := context.WithTimeout(ctx, e.CallTimeout)
			status, statusErr := gw.GetOrderStatus(statusCtx, symbol, clientOrderID)
			cancelStatus()
			if statusErr == nil && status.Status == exchange.StatusFilled {
				return status, nil
			}
			return exchange.OrderResult{}, err
		}
		lastErr = err

		if attempt < e.RetryAttempts {
			if serr := e.sleep(ctx, e.RetryDelay); serr != nil {
				return exchange.OrderResult{}, serr
			}
		}
	}
	return exchange.OrderResult{}, lastErr
}

func (e *Executor) persistOrder(ctx context.Context, venue, userID, signalID string, req exchange.OrderRequest, status string, simulated bool) {
	if e.DB == nil {
		return
	}
	model := db.Order{
		ClientOrderID: req.ClientOrderID,
		SignalID:      signalID,
		UserID:        userID,
		Symbol:        req.Symbol,
		Exchange:      venue,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        status,
		Simulated:     simulated,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.DB.CreateOrder(ctx, model); err != nil {
		log.Printf("executor: store order %s error: %v", req.ClientOrderID, err)
	}
}

func (e *Executor) recordResult(ctx context.Context, userID, venue string, req exchange.OrderRequest, res exchange.OrderResult) {
	if e.DB != nil {
		if err := e.DB.UpdateOrderResult(ctx, req.ClientOrderID, string(res.Status), res.FilledQty, res.AvgFillPrice, res.Simulated); err != nil {
			log.Printf("executor: update order %s error: %v", req.ClientOrderID, err)
		}
	}
	topic := events.EventOrderFilled
	if res.Status != exchange.StatusFilled {
		topic = events.EventOrderSubmitted
	}
	e.publish(topic, userID, venue, req, res, "")
}

func (e *Executor) recordFailure(ctx context.Context, userID, venue string, req exchange.OrderRequest, err error) {
	if e.DB != nil {
		if uerr := e.DB.UpdateOrderResult(ctx, req.ClientOrderID, string(exchange.StatusRejected), 0, 0, false); uerr != nil {
			log.Printf("executor: update order %s error: %v", req.ClientOrderID, uerr)
		}
	}
	e.publish(events.EventOrderRejected, userID, venue, req, exchange.OrderResult{}, err.Error())
}

func (e *Executor) publish(topic events.Event, userID, venue string, req exchange.OrderRequest, res exchange.OrderResult, reason string) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(topic, events.OrderUpdate{
		UserID:        userID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Exchange:      venue,
		Side:          string(req.Side),
		Qty:           req.Qty,
		FillPrice:     res.AvgFillPrice,
		Simulated:     res.Simulated,
		Reason:        reason,
	})
}
