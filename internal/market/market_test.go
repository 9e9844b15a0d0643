package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trading-engine/internal/events"
	binance "trading-engine/pkg/market/binance"
)

func TestCacheObserveAndLastPrice(t *testing.T) {
	c := NewCache()
	now := time.Now()

	if _, _, ok := c.LastPrice("binance", "BTC/USDT"); ok {
		t.Fatal("empty cache returned a price")
	}

	c.Observe(events.PriceTick{Exchange: "binance", Symbol: "BTC/USDT", Price: 50000, Timestamp: now})
	price, at, ok := c.LastPrice("binance", "BTC/USDT")
	if !ok || price != 50000 || !at.Equal(now) {
		t.Fatalf("LastPrice = (%v, %v, %v)", price, at, ok)
	}

	// Same symbol on another venue is a separate entry.
	if _, _, ok := c.LastPrice("bybit", "BTC/USDT"); ok {
		t.Error("venue isolation broken")
	}

	c.Observe(events.PriceTick{Exchange: "binance", Symbol: "BTC/USDT", Price: 50100, Timestamp: now.Add(time.Second)})
	price, _, _ = c.LastPrice("binance", "BTC/USDT")
	if price != 50100 {
		t.Errorf("price = %v after newer tick", price)
	}
}

func TestCacheDropsOutOfOrderTicks(t *testing.T) {
	c := NewCache()
	now := time.Now()

	c.Observe(events.PriceTick{Exchange: "binance", Symbol: "ETH/USDT", Price: 3000, Timestamp: now})
	c.Observe(events.PriceTick{Exchange: "binance", Symbol: "ETH/USDT", Price: 2990, Timestamp: now.Add(-time.Second)})
	c.Observe(events.PriceTick{Exchange: "binance", Symbol: "ETH/USDT", Price: 2995, Timestamp: now})

	price, at, _ := c.LastPrice("binance", "ETH/USDT")
	if price != 3000 || !at.Equal(now) {
		t.Errorf("cache moved backwards: price=%v at=%v", price, at)
	}
}

func TestVenueSymbol(t *testing.T) {
	if got := VenueSymbol("BTC/USDT"); got != "BTCUSDT" {
		t.Errorf("VenueSymbol = %s", got)
	}
	if got := VenueSymbol("BTCUSDT"); got != "BTCUSDT" {
		t.Errorf("VenueSymbol passthrough = %s", got)
	}
}

func TestMockFeedPublishesTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	cache := NewCache()
	feed := &MockFeed{
		Bus:      bus,
		Cache:    cache,
		Symbols:  []string{"BTC/USDT"},
		Interval: time.Millisecond,
	}

	ch, unsub := bus.Subscribe(events.EventPriceTick, 16)
	defer unsub()

	feed.Start(ctx)

	select {
	case raw := <-ch:
		tick, ok := raw.(events.PriceTick)
		if !ok {
			t.Fatalf("payload type %T", raw)
		}
		if tick.Exchange != "simulated" || tick.Symbol != "BTC/USDT" || tick.Price <= 0 {
			t.Errorf("unexpected tick: %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick within 2s")
	}

	if _, _, ok := cache.LastPrice("simulated", "BTC/USDT"); !ok {
		t.Error("mock feed did not populate the cache")
	}
}

func TestLoadCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol param = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			[1735689600000,"100.0","101.5","99.0","100.5","12.3",1735693199999,"0","0","0","0","0"],
			[1735693200000,"100.5","102.0","100.0","101.0","8.1",1735696799999,"0","0","0","0","0"]
		]`))
	}))
	defer srv.Close()

	client := binance.NewClient(false)
	client.BaseURL = srv.URL

	candles, err := LoadCandles(context.Background(), client, "BTC/USDT", "1h", 2)
	if err != nil {
		t.Fatalf("LoadCandles failed: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles = %d", len(candles))
	}
	first := candles[0]
	if first.Open != 100 || first.High != 101.5 || first.Low != 99 || first.Close != 100.5 || first.Volume != 12.3 {
		t.Errorf("candle parsed wrong: %+v", first)
	}
	if !first.Timestamp.Equal(time.UnixMilli(1735689600000)) {
		t.Errorf("timestamp = %v", first.Timestamp)
	}
}
