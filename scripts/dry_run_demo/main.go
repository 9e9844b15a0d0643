package main

import (
	"context"
	"log"
	"os"
	"time"

	"trading-engine/internal/consumer"
	"trading-engine/internal/events"
	"trading-engine/internal/gateway"
	"trading-engine/internal/market"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
	"trading-engine/pkg/db"
)

// dry_run_demo runs a few realistic signal flows against the in-memory
// paper gateway. It does not touch any exchange or the data directory.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) Open a long position from a high-confidence signal.
//   2) Reject a low-confidence signal at the risk gate.
//   3) Drop the price through the stop and watch the position close.

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	walDir, err := os.MkdirTemp("", "demo-wal-*")
	if err != nil {
		log.Fatalf("wal dir: %v", err)
	}
	defer os.RemoveAll(walDir)
	queue, err := signal.NewDurableQueue(walDir, 16)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	registry := gateway.NewRegistry(database, nil, gateway.DefaultFactory, gateway.DefaultConfig())
	registry.DryRun = true
	registry.Paper().SetMark("BTC/USDT", 100)

	cache := market.NewCache()
	cache.Observe(events.PriceTick{Exchange: "paper", Symbol: "BTC/USDT", Price: 100, Timestamp: time.Now()})

	limits := risk.NewRegistry(risk.Limits{
		MaxPositionSizePercent: 100,
		MaxPositionSizeUsd:     100000,
		MaxDailyLossPercent:    100,
		MaxOpenPositions:       10,
		MaxLeverage:            10,
		RequireStopLoss:        true,
	})
	gate := risk.NewGate(0.7, 2, 5, 1000, nil)
	positions := position.NewManager(database, bus, 1)
	executor := order.NewExecutor(database, bus, 1, 0)

	cons := &consumer.Consumer{
		Queue:     queue,
		DB:        database,
		Bus:       bus,
		Gate:      gate,
		Limits:    limits,
		Positions: positions,
		Executor:  executor,
		Gateways:  registry,
		Prices:    cache,
		Workers:   2,
	}
	positions.SetCloser(cons)

	go cons.Run(ctx)
	go cons.TrackPrices(ctx)

	submit := func(id string, confidence float64) {
		s := signal.Signal{
			ID:          id,
			UserID:      "demo-user",
			Symbol:      "BTC/USDT",
			Exchange:    "paper",
			Direction:   signal.DirectionLong,
			Confidence:  confidence,
			StrategyID:  "demo",
			GeneratedAt: time.Now(),
		}
		queue.Enqueue(signal.NewEnvelope(s))
	}

	log.Println("[SCENARIO 1] High-confidence long signal")
	submit("demo-sig-1", 0.9)
	waitFor(func() bool {
		open, _ := database.ListOpenPositions(ctx, "demo-user")
		return len(open) == 1
	})
	open, _ := database.ListOpenPositions(ctx, "demo-user")
	for _, p := range open {
		log.Printf("open position: %s %s qty=%.4f entry=%.2f sl=%.2f tp=%.2f",
			p.Symbol, p.Direction, p.Qty, p.EntryPrice, p.StopLoss, p.TakeProfit)
	}

	log.Println("[SCENARIO 2] Low-confidence signal gets rejected")
	rejected, unsub := bus.Subscribe(events.EventRiskRejected, 8)
	submit("demo-sig-2", 0.3)
	select {
	case raw := <-rejected:
		if r, ok := raw.(events.RiskRejection); ok {
			log.Printf("risk gate rejected %s: %s", r.SignalID, r.Reason)
		}
	case <-time.After(5 * time.Second):
		log.Println("no rejection observed")
	}
	unsub()

	log.Println("[SCENARIO 3] Price drops through the stop")
	registry.Paper().SetMark("BTC/USDT", 97)
	bus.Publish(events.EventPriceTick, events.PriceTick{
		Exchange: "paper", Symbol: "BTC/USDT", Price: 97, Timestamp: time.Now(),
	})
	waitFor(func() bool {
		open, _ := database.ListOpenPositions(ctx, "demo-user")
		return len(open) == 0
	})
	trades, _ := database.ListTradesByUser(ctx, "demo-user", 10)
	for _, tr := range trades {
		log.Printf("closed trade: %s entry=%.2f exit=%.2f pnl=%.2f", tr.Symbol, tr.EntryPrice, tr.ExitPrice, tr.PnL)
	}

	log.Println("=== DRY-RUN demo finished ===")
}

func waitFor(cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Println("⚠️ timed out waiting for condition")
}
