// Package position owns the authoritative lifecycle of open positions:
// opening -> open -> closing -> closed.
package position

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-engine/internal/events"
	"trading-engine/internal/signal"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

// Lifecycle states. opening and closing exist only for the duration of
// an in-flight exchange call.
const (
	StateOpening = "opening"
	StateOpen    = "open"
	StateClosing = "closing"
	StateClosed  = "closed"
)

// Risk level bands relative to the configured volatility band.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// InvariantError marks a state-machine misuse or a duplicate-position
// attempt. These are programming or pipeline errors, refused loudly and
// never retried.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

// Closer places the closing order for a position. Implemented by the
// pipeline with the order executor; the manager stays venue-agnostic.
type Closer interface {
	ClosePosition(ctx context.Context, pos db.Position, reason string) (exitPrice float64, err error)
}

// Stats aggregates a user's open exposure.
type Stats struct {
	OpenPositions int     `json:"open_positions"`
	TotalNotional float64 `json:"total_notional"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Manager is the sole writer of position records. Mutations are
// serialized per position id; reads go straight to the store.
type Manager struct {
	db         *db.Database
	bus        *events.Bus
	closer     Closer
	volBandPct float64 // σ band as percent of entry notional

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a position manager. closer may be set later via
// SetCloser to break the construction cycle with the pipeline.
func NewManager(database *db.Database, bus *events.Bus, volBandPct float64) *Manager {
	if volBandPct <= 0 {
		volBandPct = 1
	}
	return &Manager{
		db:         database,
		bus:        bus,
		volBandPct: volBandPct,
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetCloser wires the closing-order path.
func (m *Manager) SetCloser(c Closer) { m.closer = c }

func (m *Manager) lock(positionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[positionID] = l
	}
	return l
}

// releaseLock drops a position's lock entry once nothing contends it.
// Callers must not hold the lock: a contended entry is kept so waiters
// keep serializing on the same mutex, and is reclaimed on the next
// terminal transition for the id.
func (m *Manager) releaseLock(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[positionID]
	if !ok {
		return
	}
	if l.TryLock() {
		delete(m.locks, positionID)
		l.Unlock()
	}
}

// Begin records an opening position before the exchange call so a crash
// mid-flight can be resolved by re-querying the client order id. The
// unique open-key index refuses a second position for the same
// (user, symbol, exchange).
func (m *Manager) Begin(ctx context.Context, pos db.Position) error {
	pos.State = StateOpening
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	if pos.RiskLevel == "" {
		pos.RiskLevel = RiskLow
	}
	if err := m.db.CreatePosition(ctx, pos); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &InvariantError{Op: "position.begin", Detail: "open position already exists for " + pos.UserID + " " + pos.Symbol}
		}
		return err
	}
	return nil
}

// ConfirmOpen promotes an opening position to open at its fill price.
func (m *Manager) ConfirmOpen(ctx context.Context, positionID string, res exchange.OrderResult) error {
	l := m.lock(positionID)
	l.Lock()
	defer l.Unlock()

	entry := res.AvgFillPrice
	if err := m.db.ConfirmPositionOpen(ctx, positionID, entry); err != nil {
		return err
	}

	pos, err := m.db.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	reason := "opened"
	if res.Simulated {
		reason = "opened (simulated fill)"
	}
	m.publish(events.EventPositionOpened, pos, 0, reason)
	log.Printf("Position opened: %s %s %s qty=%.6f entry=%.4f simulated=%v",
		pos.UserID, pos.Symbol, pos.Direction, pos.Qty, entry, res.Simulated)
	return nil
}

// Abort discards an opening position whose order definitively failed.
func (m *Manager) Abort(ctx context.Context, positionID, reason string) error {
	l := m.lock(positionID)
	l.Lock()
	aborted := false
	defer func() {
		l.Unlock()
		if aborted {
			m.releaseLock(positionID)
		}
	}()

	pos, err := m.db.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.State != StateOpening {
		return &InvariantError{Op: "position.abort", Detail: "cannot abort position in state " + pos.State}
	}
	if err := m.db.DeletePosition(ctx, positionID); err != nil {
		return err
	}
	aborted = true
	log.Printf("Position aborted: %s %s (%s)", pos.UserID, pos.Symbol, reason)
	return nil
}

// UpdatePrice applies a price tick to an open position: recomputes
// unrealized PnL and risk level, and triggers the exit path when the
// price crosses the stop-loss or take-profit. Ticks older than the last
// applied one are discarded without mutating anything.
func (m *Manager) UpdatePrice(ctx context.Context, positionID string, price float64, at time.Time) error {
	l := m.lock(positionID)
	l.Lock()
	closed := false
	defer func() {
		l.Unlock()
		if closed {
			m.releaseLock(positionID)
		}
	}()

	pos, err := m.db.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.State != StateOpen {
		closed = pos.State == StateClosed
		return nil
	}
	if pos.LastTickAt.Valid && !at.After(pos.LastTickAt.Time) {
		return nil // stale tick
	}

	pnl := pnlFor(pos.Direction, pos.EntryPrice, price, pos.Qty)
	level := m.riskLevel(pos, price, pnl)

	if err := m.db.UpdatePositionMark(ctx, positionID, price, pnl, level, at); err != nil {
		return err
	}

	trigger := exitTrigger(pos, price)
	if trigger == "" {
		return nil
	}
	if err := m.triggerClose(ctx, positionID, trigger); err != nil {
		return err
	}
	closed = true
	return nil
}

// triggerClose transitions open -> closing and invokes the closing
// order. A failed close leaves the position in closing; restart
// recovery re-queries the venue (at-least-once close semantics).
// Caller holds the position lock.
func (m *Manager) triggerClose(ctx context.Context, positionID, reason string) error {
	if err := m.db.SetPositionState(ctx, positionID, StateClosing); err != nil {
		return err
	}
	pos, err := m.db.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	m.publish(events.EventStopTriggered, pos, pos.UnrealizedPnL, reason)
	log.Printf("Exit triggered for %s %s: %s", pos.UserID, pos.Symbol, reason)

	if m.closer == nil {
		return fmt.Errorf("position %s: no closer configured", positionID)
	}
	exitPrice, err := m.closer.ClosePosition(ctx, pos, reason)
	if err != nil {
		log.Printf("⚠️ Close order for %s failed, position stays closing: %v", positionID, err)
		return err
	}
	return m.finalizeClose(ctx, pos, exitPrice, reason)
}

// RequestClose transitions an open position to closing and submits the
// closing order, exactly as if an exit trigger had fired. Used by the
// operator-initiated close path.
func (m *Manager) RequestClose(ctx context.Context, positionID, reason string) error {
	l := m.lock(positionID)
	l.Lock()
	closed := false
	defer func() {
		l.Unlock()
		if closed {
			m.releaseLock(positionID)
		}
	}()

	pos, err := m.db.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.State != StateOpen {
		return &InvariantError{Op: "position.request_close", Detail: "cannot close position in state " + pos.State}
	}
	if err := m.triggerClose(ctx, positionID, reason); err != nil {
		return err
	}
	closed = true
	return nil
}

// Close closes a position at the given exit price. Used by recovery
// once the venue confirms the closing fill.
func (m *Manager) Close(ctx context.Context, positionID string, exitPrice float64, reason string) error {
	l := m.lock(positionID)
	l.Lock()
	closed := false
	defer func() {
		l.Unlock()
		if closed {
			m.releaseLock(positionID)
		}
	}()

	pos, err := m.db.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	switch pos.State {
	case StateOpen, StateClosing:
	case StateClosed:
		closed = true
		return nil // idempotent
	default:
		return &InvariantError{Op: "position.close", Detail: "cannot close position in state " + pos.State}
	}
	if err := m.finalizeClose(ctx, pos, exitPrice, reason); err != nil {
		return err
	}
	closed = true
	return nil
}

// finalizeClose persists the terminal state and emits the realized
// trade. Caller holds the position lock.
func (m *Manager) finalizeClose(ctx context.Context, pos db.Position, exitPrice float64, reason string) error {
	closedAt := time.Now().UTC()
	if err := m.db.ClosePosition(ctx, pos.ID, exitPrice, closedAt); err != nil {
		return err
	}

	pnl := pnlFor(pos.Direction, pos.EntryPrice, exitPrice, pos.Qty)
	trade := db.Trade{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Exchange:   pos.Exchange,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Qty:        pos.Qty,
		PnL:        pnl,
		EntryAt:    pos.OpenedAt,
		ExitAt:     closedAt,
	}
	if err := m.db.CreateTrade(ctx, trade); err != nil {
		log.Printf("position: store trade error: %v", err)
	}
	if err := m.db.AddDailyResult(ctx, pos.UserID, pnl, closedAt); err != nil {
		log.Printf("position: daily result error: %v", err)
	}

	pos.State = StateClosed
	pos.CurrentPrice = exitPrice
	m.publish(events.EventPositionClosed, pos, pnl, reason)
	log.Printf("Position closed: %s %s exit=%.4f pnl=%.2f (%s)", pos.UserID, pos.Symbol, exitPrice, pnl, reason)
	return nil
}

// GetOpenPositions returns all non-closed positions for a user.
func (m *Manager) GetOpenPositions(ctx context.Context, userID string) ([]db.Position, error) {
	return m.db.ListOpenPositions(ctx, userID)
}

// GetPositionBySymbol returns the user's open position on a key.
func (m *Manager) GetPositionBySymbol(ctx context.Context, userID, symbol, venue string) (db.Position, error) {
	return m.db.GetOpenPositionByKey(ctx, userID, symbol, venue)
}

// GetPositionStats aggregates a user's open exposure.
func (m *Manager) GetPositionStats(ctx context.Context, userID string) (Stats, error) {
	positions, err := m.db.ListOpenPositions(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, p := range positions {
		s.OpenPositions++
		price := p.CurrentPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		s.TotalNotional += p.Qty * price
		s.UnrealizedPnL += p.UnrealizedPnL
	}
	return s, nil
}

// riskLevel bands the unrealized loss against the volatility band:
// <1σ low, 1-2σ medium, 2-3σ high, beyond 3σ or a breached stop
// critical. σ is volBandPct of entry notional.
func (m *Manager) riskLevel(pos db.Position, price, pnl float64) string {
	if stopBreached(pos, price) {
		return RiskCritical
	}
	notional := pos.EntryPrice * pos.Qty
	if notional <= 0 || pnl >= 0 {
		return RiskLow
	}
	sigma := m.volBandPct / 100 * notional
	loss := -pnl
	switch {
	case loss < sigma:
		return RiskLow
	case loss < 2*sigma:
		return RiskMedium
	case loss < 3*sigma:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func pnlFor(direction string, entry, price, qty float64) float64 {
	sign := 1.0
	if direction == string(signal.DirectionShort) {
		sign = -1
	}
	return sign * (price - entry) * qty
}

func stopBreached(pos db.Position, price float64) bool {
	if pos.StopLoss <= 0 {
		return false
	}
	if pos.Direction == string(signal.DirectionShort) {
		return price >= pos.StopLoss
	}
	return price <= pos.StopLoss
}

// exitTrigger names the exit condition the price crossed, if any.
func exitTrigger(pos db.Position, price float64) string {
	short := pos.Direction == string(signal.DirectionShort)
	if pos.StopLoss > 0 {
		if (!short && price <= pos.StopLoss) || (short && price >= pos.StopLoss) {
			return "stop_loss"
		}
	}
	if pos.TakeProfit > 0 {
		if (!short && price >= pos.TakeProfit) || (short && price <= pos.TakeProfit) {
			return "take_profit"
		}
	}
	return ""
}

func (m *Manager) publish(topic events.Event, pos db.Position, pnl float64, reason string) {
	if m.bus == nil {
		return
	}
	update := events.PositionUpdate{
		UserID:     pos.UserID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Exchange:   pos.Exchange,
		Direction:  pos.Direction,
		Qty:        pos.Qty,
		EntryPrice: pos.EntryPrice,
		PnL:        pnl,
		Reason:     reason,
	}
	if topic == events.EventPositionClosed {
		update.ExitPrice = pos.CurrentPrice
	}
	m.bus.Publish(topic, update)
}
