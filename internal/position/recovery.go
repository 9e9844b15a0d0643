package position

import (
	"context"
	"errors"
	"log"

	"trading-engine/internal/signal"
	"trading-engine/pkg/exchange"
)

// GatewayResolver returns the venue gateway for a user. Implemented by
// the gateway registry.
type GatewayResolver interface {
	Resolve(ctx context.Context, userID, venue string) (exchange.Gateway, error)
}

// Recover resolves positions stranded in opening or closing by a crash.
// The venue is re-queried by client order id before assuming anything:
// an in-flight order may well have filled while we were down.
func (m *Manager) Recover(ctx context.Context, resolver GatewayResolver) error {
	if err := m.recoverOpening(ctx, resolver); err != nil {
		return err
	}
	return m.recoverClosing(ctx, resolver)
}

func (m *Manager) recoverOpening(ctx context.Context, resolver GatewayResolver) error {
	stranded, err := m.db.ListPositionsInState(ctx, StateOpening)
	if err != nil {
		return err
	}
	for _, pos := range stranded {
		gw, err := resolver.Resolve(ctx, pos.UserID, pos.Exchange)
		if err != nil {
			log.Printf("recovery: no gateway for %s on %s, leaving %s in opening: %v", pos.UserID, pos.Exchange, pos.ID, err)
			continue
		}

		res, err := gw.GetOrderStatus(ctx, pos.Symbol, pos.ClientOrderID)
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			// Order never reached the venue; the open never happened.
			if aerr := m.Abort(ctx, pos.ID, "entry order not found on venue"); aerr != nil {
				log.Printf("recovery: abort %s failed: %v", pos.ID, aerr)
			}
		case err != nil:
			log.Printf("recovery: status query for %s failed, leaving in opening: %v", pos.ID, err)
		case res.Status == exchange.StatusFilled:
			if cerr := m.ConfirmOpen(ctx, pos.ID, res); cerr != nil {
				log.Printf("recovery: confirm open %s failed: %v", pos.ID, cerr)
			}
		case res.Status == exchange.StatusRejected || res.Status == exchange.StatusCanceled:
			if aerr := m.Abort(ctx, pos.ID, "entry order "+string(res.Status)); aerr != nil {
				log.Printf("recovery: abort %s failed: %v", pos.ID, aerr)
			}
		default:
			// Still working on the venue; leave opening for the next pass.
			log.Printf("recovery: position %s entry order still %s", pos.ID, res.Status)
		}
	}
	return nil
}

func (m *Manager) recoverClosing(ctx context.Context, resolver GatewayResolver) error {
	stranded, err := m.db.ListPositionsInState(ctx, StateClosing)
	if err != nil {
		return err
	}
	for _, pos := range stranded {
		gw, err := resolver.Resolve(ctx, pos.UserID, pos.Exchange)
		if err != nil {
			log.Printf("recovery: no gateway for %s on %s, leaving %s in closing: %v", pos.UserID, pos.Exchange, pos.ID, err)
			continue
		}

		closeID := signal.ClientOrderID(pos.ID, 1)
		res, err := gw.GetOrderStatus(ctx, pos.Symbol, closeID)
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			// The closing order never landed; issue it again. A close is
			// never silently dropped.
			if m.closer == nil {
				log.Printf("recovery: position %s needs a close but no closer configured", pos.ID)
				continue
			}
			exitPrice, cerr := m.closer.ClosePosition(ctx, pos, "recovery close")
			if cerr != nil {
				log.Printf("recovery: close %s failed, stays closing: %v", pos.ID, cerr)
				continue
			}
			l := m.lock(pos.ID)
			l.Lock()
			ferr := m.finalizeClose(ctx, pos, exitPrice, "recovery close")
			l.Unlock()
			if ferr != nil {
				log.Printf("recovery: finalize close %s failed: %v", pos.ID, ferr)
			}
		case err != nil:
			log.Printf("recovery: status query for %s failed, leaving in closing: %v", pos.ID, err)
		case res.Status == exchange.StatusFilled:
			l := m.lock(pos.ID)
			l.Lock()
			ferr := m.finalizeClose(ctx, pos, res.AvgFillPrice, "recovery close confirmed")
			l.Unlock()
			if ferr != nil {
				log.Printf("recovery: finalize close %s failed: %v", pos.ID, ferr)
			}
		default:
			log.Printf("recovery: position %s closing order still %s", pos.ID, res.Status)
		}
	}
	return nil
}
