package market

import (
	"sync"
	"time"

	"trading-engine/internal/events"
)

// Cache holds the last observed price per (venue, symbol). It backs
// dry-run fills and recovery, where a recent-enough price matters more
// than a live subscription.
type Cache struct {
	mu    sync.RWMutex
	marks map[string]mark
}

type mark struct {
	price float64
	at    time.Time
}

func NewCache() *Cache {
	return &Cache{marks: make(map[string]mark)}
}

// Observe records a tick. Out-of-order ticks are dropped so the cache
// never moves backwards in time.
func (c *Cache) Observe(tick events.PriceTick) {
	key := tick.Exchange + "|" + tick.Symbol
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.marks[key]; ok && !tick.Timestamp.After(prev.at) {
		return
	}
	c.marks[key] = mark{price: tick.Price, at: tick.Timestamp}
}

// LastPrice returns the most recent price for a venue and symbol.
func (c *Cache) LastPrice(venue, symbol string) (float64, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.marks[venue+"|"+symbol]
	if !ok {
		return 0, time.Time{}, false
	}
	return m.price, m.at, true
}
