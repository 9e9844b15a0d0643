package market

import (
	"context"
	"log"
	"strings"
	"time"

	"trading-engine/internal/events"
	binance "trading-engine/pkg/market/binance"
)

// Feed streams live prices from Binance, records them in the cache, and
// publishes ticks to the event bus. Symbols are canonical ("BTC/USDT");
// the venue form is derived per subscription.
type Feed struct {
	Stream    *binance.StreamClient
	Bus       *events.Bus
	Cache     *Cache
	Venue     string
	Symbols   []string
	Redial    time.Duration // wait before reconnecting a dropped stream
}

// VenueSymbol converts a canonical pair to the venue's compact form.
func VenueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// Start launches one streaming loop per symbol. Loops reconnect with a
// fixed delay until the context is cancelled.
func (f *Feed) Start(ctx context.Context) {
	if f.Stream == nil || f.Bus == nil {
		log.Println("⚠️ market feed not fully configured, skipping start")
		return
	}
	if f.Redial == 0 {
		f.Redial = 5 * time.Second
	}
	for _, sym := range f.Symbols {
		go f.stream(ctx, sym)
	}
}

func (f *Feed) stream(ctx context.Context, symbol string) {
	venueSym := VenueSymbol(symbol)
	for {
		ch, stop, err := f.Stream.SubscribeTicker(ctx, venueSym)
		if err != nil {
			log.Printf("⚠️ market feed: subscribe %s: %v", symbol, err)
		} else {
			for t := range ch {
				tick := events.PriceTick{
					Exchange:  f.Venue,
					Symbol:    symbol,
					Price:     t.Price,
					Timestamp: time.UnixMilli(t.Time),
				}
				if f.Cache != nil {
					f.Cache.Observe(tick)
				}
				f.Bus.Publish(events.EventPriceTick, tick)
			}
			stop()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.Redial):
			log.Printf("🔄 market feed: reconnecting %s", symbol)
		}
	}
}
