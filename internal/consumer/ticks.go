package consumer

import (
	"context"
	"log"

	"trading-engine/internal/events"
)

// TrackPrices subscribes to price ticks and fans each one out to the
// open positions on that instrument. Runs until the context is
// cancelled or the bus closes. Stale or out-of-order ticks are dropped
// inside the position manager, so replaying a feed here is harmless.
func (c *Consumer) TrackPrices(ctx context.Context) {
	ch, unsub := c.Bus.Subscribe(events.EventPriceTick, 256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			tick, ok := raw.(events.PriceTick)
			if !ok {
				continue
			}
			c.applyTick(ctx, tick)
		}
	}
}

func (c *Consumer) applyTick(ctx context.Context, tick events.PriceTick) {
	positions, err := c.DB.ListOpenPositionsBySymbol(ctx, tick.Symbol, tick.Exchange)
	if err != nil {
		log.Printf("⚠️ tick fanout %s/%s: %v", tick.Exchange, tick.Symbol, err)
		return
	}
	for _, pos := range positions {
		if err := c.Positions.UpdatePrice(ctx, pos.ID, tick.Price, tick.Timestamp); err != nil {
			log.Printf("⚠️ price update %s: %v", pos.ID, err)
		}
	}
}
