package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PaperGateway is an in-memory venue used by tests and local development.
// It fills market orders immediately at the configured mark price, honors
// client-order-id idempotency the way a real venue does, and can be scripted
// to fail with transient or fatal errors.
type PaperGateway struct {
	mu       sync.Mutex
	marks    map[string]float64     // symbol -> mark price
	orders   map[string]OrderResult // clientOrderID -> result
	balances []Balance
	rules    map[string]SymbolRule

	// FailNext, when positive, makes the next N PlaceOrder calls return
	// FailWith. Used to exercise retry paths.
	FailNext int
	FailWith error

	nextID int
}

func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		marks:  make(map[string]float64),
		orders: make(map[string]OrderResult),
		rules:  make(map[string]SymbolRule),
		balances: []Balance{
			{Asset: "USDT", Free: 100000},
		},
	}
}

// SetMark sets the fill price for a symbol.
func (g *PaperGateway) SetMark(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks[symbol] = price
}

// SetRule configures lot constraints for a symbol.
func (g *PaperGateway) SetRule(rule SymbolRule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[rule.Symbol] = rule
}

// SetBalances replaces the reported balances.
func (g *PaperGateway) SetBalances(balances []Balance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances = balances
}

func (g *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, Transient("paper.place", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Venue-side idempotency: a resubmitted client order id returns the
	// original result instead of filling twice.
	if prev, ok := g.orders[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return prev, nil
	}

	if g.FailNext > 0 {
		g.FailNext--
		err := g.FailWith
		if err == nil {
			err = Transient("paper.place", context.DeadlineExceeded)
		}
		return OrderResult{}, err
	}

	if req.Qty <= 0 {
		return OrderResult{}, Fatal("paper.place", "invalid quantity %f", req.Qty)
	}

	mark, ok := g.marks[req.Symbol]
	if !ok {
		return OrderResult{}, Fatal("paper.place", "unknown instrument %s", req.Symbol)
	}

	price := mark
	if req.Type == OrderTypeLimit && req.Price > 0 {
		// Fill only if marketable, else rest open.
		marketable := (req.Side == SideBuy && mark <= req.Price) ||
			(req.Side == SideSell && mark >= req.Price)
		if !marketable {
			res := OrderResult{
				ExchangeOrderID: g.newID(),
				ClientOrderID:   req.ClientOrderID,
				Status:          StatusOpen,
				Timestamp:       time.Now(),
			}
			g.orders[req.ClientOrderID] = res
			return res, nil
		}
		price = req.Price
	}

	res := OrderResult{
		ExchangeOrderID: g.newID(),
		ClientOrderID:   req.ClientOrderID,
		Status:          StatusFilled,
		FilledQty:       req.Qty,
		AvgFillPrice:    price,
		Timestamp:       time.Now(),
	}
	g.orders[req.ClientOrderID] = res
	return res, nil
}

func (g *PaperGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, Transient("paper.cancel", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.orders[clientOrderID]
	if !ok {
		return OrderResult{}, ErrOrderNotFound
	}
	if res.Status == StatusFilled {
		// Already filled; the caller decides whether that counts as success.
		return res, Fatal("paper.cancel", "order already filled")
	}
	res.Status = StatusCanceled
	res.Timestamp = time.Now()
	g.orders[clientOrderID] = res
	return res, nil
}

func (g *PaperGateway) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, Transient("paper.status", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.orders[clientOrderID]
	if !ok {
		return OrderResult{}, ErrOrderNotFound
	}
	return res, nil
}

func (g *PaperGateway) GetBalances(ctx context.Context) ([]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient("paper.balances", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Balance, len(g.balances))
	copy(out, g.balances)
	return out, nil
}

func (g *PaperGateway) SymbolRule(symbol string) SymbolRule {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rules[symbol]; ok {
		return r
	}
	return SymbolRule{Symbol: symbol}
}

func (g *PaperGateway) newID() string {
	g.nextID++
	return fmt.Sprintf("paper-%04d", g.nextID)
}
