package position

import (
	"context"
	"errors"
	"testing"

	"trading-engine/internal/signal"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

type stubResolver struct {
	gw exchange.Gateway
}

func (s stubResolver) Resolve(ctx context.Context, userID, venue string) (exchange.Gateway, error) {
	if s.gw == nil {
		return nil, errors.New("no gateway")
	}
	return s.gw, nil
}

func TestRecoverOpeningConfirmsVenueFill(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()

	pos := testPosition("p1")
	if err := m.Begin(ctx, pos); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// The entry order reached the venue and filled before the crash.
	gw := exchange.NewPaperGateway()
	gw.SetMark("BTC/USDT", 100.5)
	if _, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        "BTC/USDT",
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		Qty:           2,
		ClientOrderID: pos.ClientOrderID,
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	if err := m.Recover(ctx, stubResolver{gw: gw}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, _ := database.GetPosition(ctx, "p1")
	if got.State != StateOpen {
		t.Errorf("state = %s, expected open", got.State)
	}
	if got.EntryPrice != 100.5 {
		t.Errorf("entry = %v, expected venue fill 100.5", got.EntryPrice)
	}
}

func TestRecoverOpeningAbortsUnknownOrder(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()

	if err := m.Begin(ctx, testPosition("p1")); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// The venue never saw the order; the open never happened.
	gw := exchange.NewPaperGateway()
	if err := m.Recover(ctx, stubResolver{gw: gw}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if _, err := database.GetPosition(ctx, "p1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("stranded opening position not discarded: %v", err)
	}
}

func TestRecoverClosingReissuesClose(t *testing.T) {
	m, database := newTestManager(t)
	closer := &stubCloser{exit: 97}
	m.SetCloser(closer)
	ctx := context.Background()

	openPosition(t, m, "p1")
	if err := database.SetPositionState(ctx, "p1", StateClosing); err != nil {
		t.Fatalf("SetPositionState failed: %v", err)
	}

	// The closing order never reached the venue; recovery must re-issue
	// it rather than drop the close.
	gw := exchange.NewPaperGateway()
	gw.SetMark("BTC/USDT", 97)
	if err := m.Recover(ctx, stubResolver{gw: gw}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if closer.calls != 1 {
		t.Errorf("closer called %d times, expected 1", closer.calls)
	}
	got, _ := database.GetPosition(ctx, "p1")
	if got.State != StateClosed {
		t.Errorf("state = %s, expected closed", got.State)
	}
	trades, _ := database.ListTradesByUser(ctx, "u1", 10)
	if len(trades) != 1 {
		t.Errorf("trades = %d, expected 1", len(trades))
	}
}

func TestRecoverClosingConfirmsVenueFill(t *testing.T) {
	m, database := newTestManager(t)
	closer := &stubCloser{exit: 0} // must not be consulted
	m.SetCloser(closer)
	ctx := context.Background()

	openPosition(t, m, "p1")
	if err := database.SetPositionState(ctx, "p1", StateClosing); err != nil {
		t.Fatalf("SetPositionState failed: %v", err)
	}

	// The closing order filled on the venue before the crash.
	gw := exchange.NewPaperGateway()
	gw.SetMark("BTC/USDT", 96.5)
	if _, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        "BTC/USDT",
		Side:          exchange.SideSell,
		Type:          exchange.OrderTypeMarket,
		Qty:           2,
		ClientOrderID: signal.ClientOrderID("p1", 1),
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	if err := m.Recover(ctx, stubResolver{gw: gw}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if closer.calls != 0 {
		t.Errorf("closer called %d times, expected 0", closer.calls)
	}
	got, _ := database.GetPosition(ctx, "p1")
	if got.State != StateClosed {
		t.Errorf("state = %s, expected closed", got.State)
	}
	if got.CurrentPrice != 96.5 {
		t.Errorf("exit price = %v, expected 96.5", got.CurrentPrice)
	}
}

func TestRecoverSkipsWhenNoGateway(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()

	if err := m.Begin(ctx, testPosition("p1")); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := m.Recover(ctx, stubResolver{}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	got, _ := database.GetPosition(ctx, "p1")
	if got.State != StateOpening {
		t.Errorf("state = %s, expected opening preserved", got.State)
	}
}
