package gateway

import (
	"fmt"

	"trading-engine/pkg/exchange"
	binancegw "trading-engine/pkg/exchange/binance"
)

// DefaultFactory builds gateways for the supported venues.
func DefaultFactory(venue, apiKey, apiSecret string, testnet bool) (exchange.Gateway, error) {
	switch venue {
	case "binance":
		return binancegw.New(binancegw.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   testnet,
		}), nil
	case "paper", "simulated":
		return exchange.NewPaperGateway(), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", venue)
	}
}
