package market

import (
	"context"
	"log"
	"math/rand"
	"time"

	"trading-engine/internal/events"
)

// MockFeed generates random-walk ticks for local development and
// dry-run setups without venue connectivity.
type MockFeed struct {
	Bus        *events.Bus
	Cache      *Cache
	Venue      string
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("⚠️ mock feed: bus not set")
		return
	}
	if m.Venue == "" {
		m.Venue = "simulated"
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTC/USDT"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 100.0
	}
	if m.Step == 0 {
		m.Step = 0.5
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}

	prices := make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		prices[sym] = m.StartPrice
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, sym := range m.Symbols {
					prices[sym] += (rand.Float64()*2 - 1) * m.Step
					tick := events.PriceTick{
						Exchange:  m.Venue,
						Symbol:    sym,
						Price:     prices[sym],
						Timestamp: now,
					}
					if m.Cache != nil {
						m.Cache.Observe(tick)
					}
					m.Bus.Publish(events.EventPriceTick, tick)
				}
			}
		}
	}()
}
