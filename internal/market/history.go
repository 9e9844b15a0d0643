package market

import (
	"context"
	"fmt"
	"time"

	"trading-engine/internal/backtest"
	binance "trading-engine/pkg/market/binance"
)

// LoadCandles fetches historical klines and converts them into the
// backtest candle form. symbol is canonical ("BTC/USDT").
func LoadCandles(ctx context.Context, client *binance.Client, symbol, interval string, limit int) ([]backtest.Candle, error) {
	klines, err := client.GetKlines(ctx, VenueSymbol(symbol), interval, limit, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load candles %s %s: %w", symbol, interval, err)
	}

	candles := make([]backtest.Candle, len(klines))
	for i, k := range klines {
		candles[i] = backtest.Candle{
			Timestamp: time.UnixMilli(k.OpenTime),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		}
	}
	return candles, nil
}
