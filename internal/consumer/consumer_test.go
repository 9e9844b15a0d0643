package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-engine/internal/events"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

type staticPrices struct {
	price float64
}

func (s staticPrices) LastPrice(venue, symbol string) (float64, time.Time, bool) {
	if s.price <= 0 {
		return 0, time.Time{}, false
	}
	return s.price, time.Now().UTC(), true
}

type paperResolver struct {
	gw  exchange.Gateway
	err error
}

func (r paperResolver) Resolve(ctx context.Context, userID, venue string) (exchange.Gateway, error) {
	return r.gw, r.err
}

func newTestConsumer(t *testing.T) (*Consumer, *exchange.PaperGateway) {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	queue, err := signal.NewDurableQueue(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(queue.Close)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	paper := exchange.NewPaperGateway()
	paper.SetMark("BTC-USDT", 100)

	positions := position.NewManager(database, bus, 1)
	c := &Consumer{
		Queue:     queue,
		DB:        database,
		Bus:       bus,
		Gate:      risk.NewGate(0.7, 2, 5, 1000, nil),
		Limits: risk.NewRegistry(risk.Limits{
			MaxPositionSizePercent: 100,
			MaxPositionSizeUsd:     100000,
			MaxDailyLossPercent:    100,
			MaxOpenPositions:       10,
			MaxLeverage:            10,
			RequireStopLoss:        true,
		}),
		Positions:        positions,
		Executor:         order.NewExecutor(database, bus, 1, 0),
		Gateways:         paperResolver{gw: paper},
		Prices:           staticPrices{price: 100},
		MaxRetryAttempts: 2,
		RetryBackoff:     time.Millisecond,
		QuoteAsset:       "USDT",
		keyLocks:         make(map[string]*sync.Mutex),
	}
	positions.SetCloser(c)
	return c, paper
}

func testSignal(id string) signal.Signal {
	return signal.Signal{
		ID:          id,
		UserID:      "user-1",
		Symbol:      "BTC-USDT",
		Exchange:    "paper",
		Direction:   signal.DirectionLong,
		Confidence:  0.9,
		StrategyID:  "strat-1",
		GeneratedAt: time.Now().UTC(),
	}
}

// handleNext pulls the next delivery off the queue and applies it,
// exactly as a pool worker would.
func handleNext(t *testing.T, c *Consumer) signal.Envelope {
	t.Helper()
	select {
	case env := <-c.Queue.Chan():
		c.handle(context.Background(), env)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
		return signal.Envelope{}
	}
}

func TestValidSignalOpensPosition(t *testing.T) {
	c, _ := newTestConsumer(t)
	ctx := context.Background()

	sig := testSignal("sig-open")
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	pos, err := c.DB.GetPositionByClientOrderID(ctx, signal.ClientOrderID(sig.ID, 0))
	if err != nil {
		t.Fatalf("position lookup: %v", err)
	}
	if pos.State != position.StateOpen {
		t.Fatalf("state = %q, want open", pos.State)
	}
	if pos.EntryPrice != 100 {
		t.Errorf("entry = %.2f, want 100", pos.EntryPrice)
	}
	if pos.Qty != 10 {
		t.Errorf("qty = %.2f, want 10 (1000 USD at 100)", pos.Qty)
	}
	if pos.StopLoss != 98 || pos.TakeProfit != 105 {
		t.Errorf("exits = %.2f/%.2f, want 98/105", pos.StopLoss, pos.TakeProfit)
	}
	if m := c.Queue.GetMetrics(); m.Completed != 1 {
		t.Errorf("completed = %d, want 1", m.Completed)
	}
}

func TestLowConfidenceRejectedAndAcked(t *testing.T) {
	c, _ := newTestConsumer(t)
	ctx := context.Background()

	ch, unsub := c.Bus.Subscribe(events.EventRiskRejected, 4)
	defer unsub()

	sig := testSignal("sig-lowconf")
	sig.Confidence = 0.5
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	select {
	case raw := <-ch:
		rej := raw.(events.RiskRejection)
		if rej.Reason != risk.ReasonLowConfidence {
			t.Errorf("reason = %q, want %q", rej.Reason, risk.ReasonLowConfidence)
		}
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}

	if n, _ := c.DB.CountOpenPositions(ctx, sig.UserID); n != 0 {
		t.Errorf("open positions = %d, want 0", n)
	}
	if m := c.Queue.GetMetrics(); m.Completed != 1 {
		t.Errorf("completed = %d, want 1 (rejection is a final outcome)", m.Completed)
	}
}

func TestMalformedSignalDiscarded(t *testing.T) {
	c, _ := newTestConsumer(t)

	ch, unsub := c.Bus.Subscribe(events.EventSignalRejected, 4)
	defer unsub()

	sig := testSignal("sig-bad")
	sig.Symbol = ""
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no discard event")
	}
	if m := c.Queue.GetMetrics(); m.Completed != 1 {
		t.Errorf("completed = %d, want 1", m.Completed)
	}
}

func TestExpiredSignalDiscarded(t *testing.T) {
	c, _ := newTestConsumer(t)
	ctx := context.Background()

	sig := testSignal("sig-expired")
	sig.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	if n, _ := c.DB.CountOpenPositions(ctx, sig.UserID); n != 0 {
		t.Errorf("open positions = %d, want 0", n)
	}
	if m := c.Queue.GetMetrics(); m.Completed != 1 {
		t.Errorf("completed = %d, want 1", m.Completed)
	}
}

func TestScheduledSignalDeferred(t *testing.T) {
	c, _ := newTestConsumer(t)

	sig := testSignal("sig-deferred")
	sig.ScheduledAt = time.Now().UTC().Add(30 * time.Millisecond)
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	if m := c.Queue.GetMetrics(); m.Completed != 0 {
		t.Fatalf("completed = %d, deferred signal must stay pending", m.Completed)
	}

	// The envelope comes back once the schedule passes and then
	// executes. Timer granularity may deliver it a hair early, which
	// defers it once more.
	deadline := time.Now().Add(2 * time.Second)
	for c.Queue.GetMetrics().Completed != 1 {
		if time.Now().After(deadline) {
			t.Fatal("deferred signal never executed")
		}
		env := handleNext(t, c)
		if env.ID != sig.ID {
			t.Fatalf("redelivered %q, want %q", env.ID, sig.ID)
		}
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	c, _ := newTestConsumer(t)
	ctx := context.Background()

	sig := testSignal("sig-redelivered")
	env := signal.NewEnvelope(sig)
	c.Queue.Enqueue(env)
	handleNext(t, c)

	// Simulate a crash-replay of the same envelope.
	env.RedeliveryCount = 1
	c.handle(ctx, env)

	if n, _ := c.DB.CountOpenPositions(ctx, sig.UserID); n != 1 {
		t.Fatalf("open positions = %d, want exactly 1", n)
	}
}

func TestSecondSignalOnSameKeyRejected(t *testing.T) {
	c, _ := newTestConsumer(t)
	ctx := context.Background()

	ch, unsub := c.Bus.Subscribe(events.EventRiskRejected, 4)
	defer unsub()

	c.Queue.Enqueue(signal.NewEnvelope(testSignal("sig-first")))
	handleNext(t, c)
	c.Queue.Enqueue(signal.NewEnvelope(testSignal("sig-second")))
	handleNext(t, c)

	select {
	case raw := <-ch:
		rej := raw.(events.RiskRejection)
		if rej.Reason != risk.ReasonDuplicatePosition {
			t.Errorf("reason = %q, want %q", rej.Reason, risk.ReasonDuplicatePosition)
		}
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}
	if n, _ := c.DB.CountOpenPositions(ctx, "user-1"); n != 1 {
		t.Errorf("open positions = %d, want 1", n)
	}
}

func TestFatalOrderErrorAbortsWithoutRetry(t *testing.T) {
	c, paper := newTestConsumer(t)
	ctx := context.Background()

	paper.FailNext = 1
	paper.FailWith = exchange.Fatal("paper.place", "insufficient balance")

	sig := testSignal("sig-fatal")
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	if n, _ := c.DB.CountOpenPositions(ctx, sig.UserID); n != 0 {
		t.Errorf("open positions = %d, want 0 after abort", n)
	}
	if dls, _ := c.DB.ListDeadLetters(ctx, 10); len(dls) != 0 {
		t.Errorf("dead letters = %d, want 0 (fatal is final, not retryable)", len(dls))
	}
	if m := c.Queue.GetMetrics(); m.Completed != 1 {
		t.Errorf("completed = %d, want 1", m.Completed)
	}
}

func TestTransientExhaustionDeadLetters(t *testing.T) {
	c, paper := newTestConsumer(t)
	ctx := context.Background()

	ch, unsub := c.Bus.Subscribe(events.EventDeadLetter, 4)
	defer unsub()

	paper.FailNext = 10
	paper.FailWith = exchange.Transient("paper.place", context.DeadlineExceeded)

	sig := testSignal("sig-exhausted")
	c.Queue.Enqueue(signal.NewEnvelope(sig))

	// Initial delivery plus MaxRetryAttempts redeliveries.
	for i := 0; i <= c.MaxRetryAttempts; i++ {
		handleNext(t, c)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no dead-letter event")
	}
	dls, err := c.DB.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dls))
	}
	if dls[0].SignalID != sig.ID {
		t.Errorf("dead letter signal = %q, want %q", dls[0].SignalID, sig.ID)
	}
	if dls[0].Redeliveries != c.MaxRetryAttempts {
		t.Errorf("redeliveries = %d, want %d", dls[0].Redeliveries, c.MaxRetryAttempts)
	}
	if n, _ := c.DB.CountOpenPositions(ctx, sig.UserID); n != 0 {
		t.Errorf("open positions = %d, want 0", n)
	}
	if m := c.Queue.GetMetrics(); m.Completed != 1 {
		t.Errorf("completed = %d, want 1 (dead-lettering acks the entry)", m.Completed)
	}
}

func TestMissingPriceRetries(t *testing.T) {
	c, _ := newTestConsumer(t)
	c.Prices = staticPrices{} // no market data yet

	sig := testSignal("sig-noprice")
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	// Not acked, redelivered with a bumped count.
	if m := c.Queue.GetMetrics(); m.Completed != 0 {
		t.Fatalf("completed = %d, want 0", m.Completed)
	}
	env := handleNext(t, c)
	if env.RedeliveryCount != 1 {
		t.Errorf("redelivery count = %d, want 1", env.RedeliveryCount)
	}
}

func TestStopLossTickClosesPosition(t *testing.T) {
	c, paper := newTestConsumer(t)
	ctx := context.Background()

	sig := testSignal("sig-stopped")
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	pos, err := c.DB.GetPositionByClientOrderID(ctx, signal.ClientOrderID(sig.ID, 0))
	if err != nil {
		t.Fatalf("position lookup: %v", err)
	}

	// Price crosses the 98 stop; the closing order fills at the new mark.
	paper.SetMark("BTC-USDT", 97)
	c.applyTick(ctx, events.PriceTick{
		Exchange:  "paper",
		Symbol:    "BTC-USDT",
		Price:     97,
		Timestamp: time.Now().UTC(),
	})

	got, err := c.DB.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("position lookup: %v", err)
	}
	if got.State != position.StateClosed {
		t.Fatalf("state = %q, want closed", got.State)
	}

	trades, err := c.DB.ListTradesByUser(ctx, sig.UserID, 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].ExitPrice != 97 {
		t.Errorf("exit = %.2f, want 97", trades[0].ExitPrice)
	}
	if trades[0].PnL != -30 {
		t.Errorf("pnl = %.2f, want -30 (10 units from 100 to 97)", trades[0].PnL)
	}
}

func TestShortSignalSellsAndClosesWithBuy(t *testing.T) {
	c, paper := newTestConsumer(t)
	ctx := context.Background()

	sig := testSignal("sig-short")
	sig.Direction = signal.DirectionShort
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	pos, err := c.DB.GetPositionByClientOrderID(ctx, signal.ClientOrderID(sig.ID, 0))
	if err != nil {
		t.Fatalf("position lookup: %v", err)
	}
	if pos.StopLoss != 102 || pos.TakeProfit != 95 {
		t.Errorf("exits = %.2f/%.2f, want 102/95 for a short", pos.StopLoss, pos.TakeProfit)
	}

	paper.SetMark("BTC-USDT", 95)
	c.applyTick(ctx, events.PriceTick{
		Exchange:  "paper",
		Symbol:    "BTC-USDT",
		Price:     95,
		Timestamp: time.Now().UTC(),
	})

	trades, err := c.DB.ListTradesByUser(ctx, sig.UserID, 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].PnL != 50 {
		t.Errorf("pnl = %.2f, want +50 (short 10 units from 100 to 95)", trades[0].PnL)
	}
}

func TestWorkerPoolProcessesConcurrentKeys(t *testing.T) {
	c, paper := newTestConsumer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	paper.SetMark("ETH-USDT", 100)
	c.Workers = 4

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	symbols := []string{"BTC-USDT", "ETH-USDT"}
	for _, sym := range symbols {
		sig := testSignal("sig-pool-" + sym)
		sig.UserID = "user-pool"
		sig.Symbol = sym
		c.Queue.Enqueue(signal.NewEnvelope(sig))
	}

	deadline := time.After(3 * time.Second)
	for {
		n, _ := c.DB.CountOpenPositions(context.Background(), "user-pool")
		if n == len(symbols) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("open positions = %d, want %d", n, len(symbols))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not drain on cancel")
	}
}

func TestDryRunFallbackOpensSimulatedPosition(t *testing.T) {
	c, paper := newTestConsumer(t)
	ctx := context.Background()

	c.Executor.DryRunFallback = true
	c.Executor.Prices = c.Prices

	// Venue down for every submit attempt; the fallback synthesizes the
	// fill from the last market price instead of dead-lettering.
	paper.FailNext = 10
	paper.FailWith = exchange.Transient("paper.place", context.DeadlineExceeded)

	opened, unsub := c.Bus.Subscribe(events.EventPositionOpened, 4)
	defer unsub()

	sig := testSignal("sig-fallback")
	c.Queue.Enqueue(signal.NewEnvelope(sig))
	handleNext(t, c)

	pos, err := c.DB.GetPositionByClientOrderID(ctx, signal.ClientOrderID(sig.ID, 0))
	if err != nil {
		t.Fatalf("position lookup: %v", err)
	}
	if pos.State != position.StateOpen {
		t.Fatalf("state = %q, want open from the synthesized fill", pos.State)
	}
	if pos.EntryPrice != 100 {
		t.Errorf("entry = %.2f, want 100 (last price, no slippage configured)", pos.EntryPrice)
	}

	select {
	case raw := <-opened:
		up := raw.(events.PositionUpdate)
		if up.Reason != "opened (simulated fill)" {
			t.Errorf("reason = %q, want the simulated marker", up.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no position_opened event")
	}

	if m := c.Queue.GetMetrics(); m.Completed != 1 {
		t.Errorf("completed = %d, want 1 (fallback fill is a final outcome)", m.Completed)
	}
}

type recordingResolver struct {
	paperResolver
	failures  int
	successes int
}

func (r *recordingResolver) RecordFailure(userID, venue string) { r.failures++ }
func (r *recordingResolver) RecordSuccess(userID, venue string) { r.successes++ }

func TestVenueOutcomesFeedFailureCircuit(t *testing.T) {
	c, paper := newTestConsumer(t)
	rec := &recordingResolver{paperResolver: paperResolver{gw: paper}}
	c.Gateways = rec

	paper.FailNext = 1
	paper.FailWith = exchange.Transient("paper.place", context.DeadlineExceeded)

	c.Queue.Enqueue(signal.NewEnvelope(testSignal("sig-circuit")))
	handleNext(t, c)
	if rec.failures != 1 {
		t.Fatalf("failures = %d, want 1 after a transient submit error", rec.failures)
	}
	healthy := rec.successes

	// Redelivery lands on a recovered venue and resets the circuit.
	handleNext(t, c)
	if rec.failures != 1 {
		t.Errorf("failures = %d, want still 1", rec.failures)
	}
	if rec.successes <= healthy {
		t.Errorf("successes = %d, want above %d after healthy calls", rec.successes, healthy)
	}
}

func TestFatalVenueAnswerCountsHealthy(t *testing.T) {
	c, paper := newTestConsumer(t)
	rec := &recordingResolver{paperResolver: paperResolver{gw: paper}}
	c.Gateways = rec

	paper.FailNext = 1
	paper.FailWith = exchange.Fatal("paper.place", "insufficient balance")

	c.Queue.Enqueue(signal.NewEnvelope(testSignal("sig-fatal-healthy")))
	handleNext(t, c)

	if rec.failures != 0 {
		t.Errorf("failures = %d, want 0 (a rejection is a venue answer, not an outage)", rec.failures)
	}
	if rec.successes == 0 {
		t.Errorf("successes = %d, want calls recorded healthy", rec.successes)
	}
}
