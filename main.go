package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"trading-engine/internal/api"
	"trading-engine/internal/backtest"
	"trading-engine/internal/consumer"
	"trading-engine/internal/events"
	"trading-engine/internal/gateway"
	"trading-engine/internal/market"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
	"trading-engine/pkg/config"
	"trading-engine/pkg/crypto"
	"trading-engine/pkg/db"
	marketbinance "trading-engine/pkg/market/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config load failed: %v", err)
	}

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	log.Printf("Trading engine %s starting on port %s (dry_run=%v, mock_feed=%v)",
		version, cfg.Port, cfg.DryRun, cfg.UseMockFeed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Fatalf("❌ create data dir: %v", err)
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ database migrations failed: %v", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	// Credential encryption. Dry-run setups never touch credentials, so
	// a missing master key only degrades them to paper trading.
	keys, err := crypto.NewKeyManager()
	if err != nil {
		if !cfg.DryRun {
			log.Fatalf("❌ key manager init failed (set MASTER_ENCRYPTION_KEY): %v", err)
		}
		log.Printf("⚠️ no encryption key loaded, credential endpoints disabled: %v", err)
	}

	// Exchange gateways
	registry := gateway.NewRegistry(database, keys, gateway.DefaultFactory, gateway.DefaultConfig())
	registry.DryRun = cfg.DryRun
	registry.Start(ctx)

	// Market data
	cache := market.NewCache()
	venue := "binance"
	if cfg.UseMockFeed {
		mock := &market.MockFeed{
			Bus:        bus,
			Cache:      cache,
			Venue:      venue,
			Symbols:    cfg.Symbols,
			StartPrice: 100,
			Interval:   time.Second,
		}
		mock.Start(ctx)
		log.Printf("Mock market feed: %v (random walk)", cfg.Symbols)
	} else {
		feed := &market.Feed{
			Stream:  marketbinance.NewStreamClient(false),
			Bus:     bus,
			Cache:   cache,
			Venue:   venue,
			Symbols: cfg.Symbols,
		}
		feed.Start(ctx)
		log.Printf("Live market feed: %v", cfg.Symbols)
	}

	// In dry-run the paper gateway fills at its mark price; keep the
	// marks tracking the feed so simulated fills stay realistic.
	if cfg.DryRun {
		go func() {
			ticks, unsub := bus.Subscribe(events.EventPriceTick, 256)
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-ticks:
					if !ok {
						return
					}
					if tick, okCast := raw.(events.PriceTick); okCast {
						registry.Paper().SetMark(tick.Symbol, tick.Price)
					}
				}
			}
		}()
	}

	// Pipeline
	queue, err := signal.NewDurableQueue(cfg.SignalWALPath, 1024)
	if err != nil {
		log.Fatalf("❌ durable queue init failed: %v", err)
	}

	executor := order.NewExecutor(database, bus, cfg.OrderRetryAttempts, cfg.OrderRetryDelay)
	executor.CallTimeout = cfg.ExchangeCallTimeout
	executor.SlippagePct = cfg.PriceSlippageTolerance
	executor.DryRunFallback = cfg.EnableDryRunFallback
	executor.PriceMaxAge = cfg.DryRunPriceMaxAge
	executor.Prices = cache

	limits := risk.NewRegistry(risk.Limits{
		MaxPositionSizePercent: cfg.MaxPositionSizePercent,
		MaxPositionSizeUsd:     cfg.MaxPositionSizeUSD,
		MaxDailyLossPercent:    cfg.MaxDailyLossPercent,
		MaxOpenPositions:       cfg.MaxOpenPositions,
		MaxLeverage:            cfg.MaxLeverage,
		RequireStopLoss:        cfg.RequireStopLoss,
	})
	limits.Start(ctx, 24*time.Hour)
	gate := risk.NewGate(cfg.MinConfidenceThreshold, cfg.StopLossPercent, cfg.TakeProfitPercent, cfg.DefaultSizeUSD, nil)
	positions := position.NewManager(database, bus, cfg.VolatilityBand)

	cons := &consumer.Consumer{
		Queue:            queue,
		DB:               database,
		Bus:              bus,
		Gate:             gate,
		Limits:           limits,
		Positions:        positions,
		Executor:         executor,
		Gateways:         registry,
		Prices:           cache,
		Workers:          cfg.ConsumerWorkers,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
	}
	positions.SetCloser(cons)

	// Recovery before intake: replay the WAL, then resolve positions
	// stranded mid-flight by the previous run.
	if err := queue.Recover(); err != nil {
		log.Fatalf("❌ WAL recovery failed: %v", err)
	}
	if err := positions.Recover(ctx, registry); err != nil {
		log.Printf("⚠️ position recovery incomplete: %v", err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		cons.Run(workerCtx)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cons.TrackPrices(workerCtx)
	}()

	// HTTP surface
	meta := api.SystemMeta{
		DryRun:      cfg.DryRun,
		Symbols:     cfg.Symbols,
		UseMockFeed: cfg.UseMockFeed,
		Version:     version,
	}
	server := api.NewServer(bus, database, queue, limits, positions, registry, keys, meta, cfg.JWTSecret)
	restClient := marketbinance.NewClient(false)
	server.Candles = func(ctx context.Context, symbol, interval string, limit int) ([]backtest.Candle, error) {
		return market.LoadCandles(ctx, restClient, symbol, interval, limit)
	}

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	go func() {
		log.Printf("API listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ http server: %v", err)
		}
	}()

	// Cooperative shutdown: stop intake first, drain the workers, then
	// release everything else.
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ http shutdown: %v", err)
	}

	queue.Close() // closes the delivery channel; workers drain what's left

	select {
	case <-runDone:
	case <-time.After(30 * time.Second):
		log.Println("⚠️ workers did not drain in time")
	}

	stopWorkers()
	wg.Wait()
	cancel()
	log.Println("✓ Trading engine stopped")
}
