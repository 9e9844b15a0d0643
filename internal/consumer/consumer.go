// Package consumer drives the live pipeline: it drains the durable
// signal queue through the risk gate, order executor, and position
// manager, owning retry and dead-letter policy.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-engine/internal/events"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

// GatewayResolver mirrors position.GatewayResolver so the consumer and
// recovery share one wiring point.
type GatewayResolver interface {
	Resolve(ctx context.Context, userID, venue string) (exchange.Gateway, error)
}

// HealthRecorder is the gateway registry's failure circuit. Resolvers
// that implement it get venue call outcomes fed back so the circuit can
// open on a persistently failing venue.
type HealthRecorder interface {
	RecordFailure(userID, venue string)
	RecordSuccess(userID, venue string)
}

// Consumer pulls signal envelopes from the durable queue and applies
// them. Work for the same (user, symbol, exchange) key is serialized by
// a per-key lock; distinct keys proceed in parallel across the worker
// pool.
type Consumer struct {
	Queue     *signal.DurableQueue
	DB        *db.Database
	Bus       *events.Bus
	Gate      *risk.Gate
	Limits    *risk.Registry
	Positions *position.Manager
	Executor  *order.Executor
	Gateways  GatewayResolver
	Prices    order.PriceSource

	Workers          int
	MaxRetryAttempts int
	RetryBackoff     time.Duration
	QuoteAsset       string // asset counted as account equity

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
	wg       sync.WaitGroup
}

// Run starts the worker pool and blocks until the context is cancelled
// and all in-flight signals have finished.
func (c *Consumer) Run(ctx context.Context) {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	c.keyLocks = make(map[string]*sync.Mutex)

	log.Printf("Signal consumer: %d workers, max %d redeliveries", c.Workers, c.MaxRetryAttempts)
	for i := 0; i < c.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.wg.Wait()
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.Queue.Chan():
			if !ok {
				return
			}
			c.handle(ctx, env)
		}
	}
}

// handle applies one envelope. The queue entry is marked complete only
// once the outcome is durable; anything retryable goes back on the
// queue with a bumped redelivery count.
func (c *Consumer) handle(ctx context.Context, env signal.Envelope) {
	sig := env.Payload
	now := time.Now().UTC()

	if err := sig.Validate(); err != nil {
		log.Printf("❌ signal %s discarded: %v", env.ID, err)
		c.Bus.Publish(events.EventSignalRejected, events.RiskRejection{
			UserID: sig.UserID, SignalID: sig.ID, Symbol: sig.Symbol, Reason: err.Error(),
		})
		c.Queue.MarkComplete(env.ID)
		return
	}
	if sig.Expired(now) {
		log.Printf("signal %s expired at %s, discarding", sig.ID, sig.ExpiresAt.Format(time.RFC3339))
		c.Queue.MarkComplete(env.ID)
		return
	}
	if sig.Deferred(now) {
		c.Queue.Requeue(env, time.Until(sig.ScheduledAt))
		return
	}

	// Serialize per key. The lock is held across the venue round trip
	// because the one-open-position invariant spans it; distinct keys
	// never contend.
	l := c.keyLock(sig.Key())
	l.Lock()
	defer l.Unlock()

	entryID := signal.ClientOrderID(sig.ID, 0)
	if _, err := c.DB.GetPositionByClientOrderID(ctx, entryID); err == nil {
		log.Printf("signal %s already produced a position, skipping redelivery", sig.ID)
		c.Queue.MarkComplete(env.ID)
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		c.retryOrDeadLetter(ctx, env, fmt.Errorf("dedup lookup: %w", err))
		return
	}

	if err := c.process(ctx, sig, entryID); err != nil {
		c.retryOrDeadLetter(ctx, env, err)
		return
	}
	c.Queue.MarkComplete(env.ID)
}

// process runs one signal through gate, executor, and position manager.
// A nil return means the outcome (open, rejection, or fatal abort) is
// durably recorded; an error means the signal should be redelivered.
func (c *Consumer) process(ctx context.Context, sig signal.Signal, entryID string) error {
	price, _, ok := c.Prices.LastPrice(sig.Exchange, sig.Symbol)
	if !ok || price <= 0 {
		return fmt.Errorf("no market price for %s on %s", sig.Symbol, sig.Exchange)
	}

	gw, err := c.Gateways.Resolve(ctx, sig.UserID, sig.Exchange)
	if err != nil {
		return fmt.Errorf("resolve gateway: %w", err)
	}

	state, err := c.accountState(ctx, gw, sig)
	if err != nil {
		return err
	}

	limits := c.Limits.Get(sig.UserID)
	dec := c.gateFor(gw).Evaluate(sig, price, limits, state)
	if !dec.Approved {
		log.Printf("⚠️ signal %s rejected: %s", sig.ID, dec.Reason)
		c.Bus.Publish(events.EventRiskRejected, events.RiskRejection{
			UserID: sig.UserID, SignalID: sig.ID, Symbol: sig.Symbol, Reason: dec.Reason,
		})
		return nil
	}

	pos := db.Position{
		ID:            uuid.NewString(),
		UserID:        sig.UserID,
		Symbol:        sig.Symbol,
		Exchange:      sig.Exchange,
		Direction:     string(sig.Direction),
		EntryPrice:    dec.EntryPrice,
		Qty:           dec.Quantity,
		StopLoss:      dec.StopLossPrice,
		TakeProfit:    dec.TakeProfitPrice,
		ClientOrderID: entryID,
	}
	if err := c.Positions.Begin(ctx, pos); err != nil {
		var ie *position.InvariantError
		if errors.As(err, &ie) {
			// The gate's duplicate check raced another worker; treat as
			// an idempotent no-op.
			log.Printf("⚠️ %v", ie)
			return nil
		}
		return fmt.Errorf("begin position: %w", err)
	}

	req := exchange.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          sideFor(sig.Direction),
		Type:          exchange.OrderTypeMarket,
		Qty:           dec.Quantity,
		ClientOrderID: entryID,
	}
	res, err := c.Executor.Execute(ctx, gw, sig.Exchange, sig.UserID, sig.ID, req)
	c.noteVenue(sig.UserID, sig.Exchange, err)
	if err != nil {
		if exchange.IsFatal(err) {
			// Definitive venue rejection: drop the opening row, ack.
			if aerr := c.Positions.Abort(ctx, pos.ID, err.Error()); aerr != nil {
				log.Printf("❌ abort after fatal order error: %v", aerr)
			}
			return nil
		}
		// Transient exhaustion with the fallback disabled. The venue may
		// still have the order; resolve before deciding.
		return c.resolveUncertain(ctx, gw, sig, pos.ID, entryID, err)
	}

	if err := c.Positions.ConfirmOpen(ctx, pos.ID, res); err != nil {
		return fmt.Errorf("confirm open: %w", err)
	}
	return nil
}

// resolveUncertain re-queries the venue after an ambiguous submit
// failure. A fill confirms the open; a definitive absence aborts and
// asks for redelivery.
func (c *Consumer) resolveUncertain(ctx context.Context, gw exchange.Gateway, sig signal.Signal, posID, entryID string, cause error) error {
	res, qerr := gw.GetOrderStatus(ctx, sig.Symbol, entryID)
	if qerr == nil && res.Status == exchange.StatusFilled {
		if err := c.Positions.ConfirmOpen(ctx, posID, res); err != nil {
			return fmt.Errorf("confirm open after requery: %w", err)
		}
		return nil
	}

	if errors.Is(qerr, exchange.ErrOrderNotFound) || (qerr == nil && terminal(res.Status)) {
		if err := c.Positions.Abort(ctx, posID, cause.Error()); err != nil {
			log.Printf("❌ abort after failed submit: %v", err)
		}
		return cause
	}

	// Still unknown. Leave the opening row for recovery rather than
	// guessing; the redelivery will dedup against it.
	return cause
}

func terminal(s exchange.OrderStatus) bool {
	return s == exchange.StatusRejected || s == exchange.StatusCanceled
}

// accountState snapshots the exposure the gate evaluates against.
func (c *Consumer) accountState(ctx context.Context, gw exchange.Gateway, sig signal.Signal) (risk.AccountState, error) {
	open, err := c.DB.CountOpenPositions(ctx, sig.UserID)
	if err != nil {
		return risk.AccountState{}, fmt.Errorf("count open positions: %w", err)
	}

	hasOpen := false
	if _, err := c.DB.GetOpenPositionByKey(ctx, sig.UserID, sig.Symbol, sig.Exchange); err == nil {
		hasOpen = true
	} else if !errors.Is(err, db.ErrNotFound) {
		return risk.AccountState{}, fmt.Errorf("open position lookup: %w", err)
	}

	dailyLoss, err := c.DB.GetDailyLoss(ctx, sig.UserID, time.Now().UTC())
	if err != nil {
		return risk.AccountState{}, fmt.Errorf("daily loss lookup: %w", err)
	}

	balances, err := gw.GetBalances(ctx)
	c.noteVenue(sig.UserID, sig.Exchange, err)
	if err != nil {
		return risk.AccountState{}, fmt.Errorf("fetch balances: %w", err)
	}
	equity, margin := 0.0, 0.0
	for _, b := range balances {
		if b.Asset == c.QuoteAsset {
			equity = b.Free + b.Locked
			margin = b.Free
		}
	}

	return risk.AccountState{
		Equity:          equity,
		AvailableMargin: margin,
		OpenPositions:   open,
		HasOpenPosition: hasOpen,
		DailyLoss:       dailyLoss,
	}, nil
}

// gateFor returns the gate bound to the venue's lot rules when the
// gateway provides them.
func (c *Consumer) gateFor(gw exchange.Gateway) *risk.Gate {
	if rules, ok := gw.(exchange.RuleProvider); ok {
		g := *c.Gate
		g.Rules = rules
		return &g
	}
	return c.Gate
}

// retryOrDeadLetter requeues a failed envelope until the redelivery
// budget runs out, then parks it in the dead-letter table.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, env signal.Envelope, cause error) {
	if env.RedeliveryCount < c.MaxRetryAttempts {
		env.RedeliveryCount++
		log.Printf("⚠️ signal %s failed (%v), redelivery %d/%d",
			env.ID, cause, env.RedeliveryCount, c.MaxRetryAttempts)
		c.Queue.Requeue(env, c.RetryBackoff)
		return
	}

	payload, _ := json.Marshal(env.Payload)
	dl := db.DeadLetter{
		ID:           uuid.NewString(),
		SignalID:     env.ID,
		Payload:      string(payload),
		Reason:       cause.Error(),
		Redeliveries: env.RedeliveryCount,
	}
	if err := c.DB.InsertDeadLetter(ctx, dl); err != nil {
		log.Printf("❌ dead-letter insert for %s: %v", env.ID, err)
		return // leave the WAL entry; recovery redelivers
	}
	log.Printf("❌ signal %s dead-lettered after %d redeliveries: %v", env.ID, env.RedeliveryCount, cause)
	c.Bus.Publish(events.EventDeadLetter, events.RiskRejection{
		UserID: env.Payload.UserID, SignalID: env.ID, Symbol: env.Payload.Symbol, Reason: cause.Error(),
	})
	c.Queue.MarkComplete(env.ID)
}

// noteVenue feeds a venue call outcome into the resolver's failure
// circuit. Fatal errors are venue answers, not connectivity failures,
// so they count as healthy.
func (c *Consumer) noteVenue(userID, venue string, err error) {
	hr, ok := c.Gateways.(HealthRecorder)
	if !ok {
		return
	}
	if err != nil && !exchange.IsFatal(err) {
		hr.RecordFailure(userID, venue)
		return
	}
	hr.RecordSuccess(userID, venue)
}

func (c *Consumer) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLocks[key] = l
	}
	return l
}

func sideFor(d signal.Direction) exchange.Side {
	if d == signal.DirectionShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// ClosePosition implements position.Closer: it submits the closing
// order through the executor with the position-derived idempotency key
// and returns the venue fill price.
func (c *Consumer) ClosePosition(ctx context.Context, pos db.Position, reason string) (float64, error) {
	gw, err := c.Gateways.Resolve(ctx, pos.UserID, pos.Exchange)
	if err != nil {
		return 0, fmt.Errorf("resolve gateway: %w", err)
	}

	side := exchange.SideSell
	if pos.Direction == string(signal.DirectionShort) {
		side = exchange.SideBuy
	}
	req := exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          exchange.OrderTypeMarket,
		Qty:           pos.Qty,
		ClientOrderID: signal.ClientOrderID(pos.ID, 1),
	}

	res, err := c.Executor.Execute(ctx, gw, pos.Exchange, pos.UserID, pos.ID, req)
	c.noteVenue(pos.UserID, pos.Exchange, err)
	if err != nil {
		return 0, fmt.Errorf("close order for %s (%s): %w", pos.ID, reason, err)
	}
	return res.AvgFillPrice, nil
}
