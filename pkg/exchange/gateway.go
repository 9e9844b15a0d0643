package exchange

import "context"

// Gateway abstracts a trading venue. The core never talks to a venue's wire
// protocol directly; adapters implement this interface per venue.
//
// All calls are fallible with a distinguishable transient-vs-fatal error
// kind (see errors.go).
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
	GetBalances(ctx context.Context) ([]Balance, error)
}

// RuleProvider is implemented by gateways that expose per-symbol lot rules.
type RuleProvider interface {
	SymbolRule(symbol string) SymbolRule
}
