// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// ----------------------------------------
// Position queries
// ----------------------------------------

const positionColumns = `
	id, user_id, symbol, exchange, direction, entry_price, qty,
	COALESCE(stop_loss, 0), COALESCE(take_profit, 0),
	current_price, unrealized_pnl, risk_level, state, client_order_id,
	opened_at, closed_at, last_tick_at`

func scanPosition(row interface{ Scan(...any) error }) (Position, error) {
	var p Position
	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &p.Exchange, &p.Direction,
		&p.EntryPrice, &p.Qty, &p.StopLoss, &p.TakeProfit,
		&p.CurrentPrice, &p.UnrealizedPnL, &p.RiskLevel, &p.State,
		&p.ClientOrderID, &p.OpenedAt, &p.ClosedAt, &p.LastTickAt,
	)
	return p, err
}

// CreatePosition inserts a new position row. The partial unique index on
// (user_id, symbol, exchange) rejects a second non-closed row for the key.
func (d *Database) CreatePosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			id, user_id, symbol, exchange, direction, entry_price, qty,
			stop_loss, take_profit, current_price, unrealized_pnl,
			risk_level, state, client_order_id, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.UserID, p.Symbol, p.Exchange, p.Direction, p.EntryPrice, p.Qty,
		p.StopLoss, p.TakeProfit, p.CurrentPrice, p.UnrealizedPnL,
		p.RiskLevel, p.State, p.ClientOrderID, p.OpenedAt,
	)
	return err
}

// UpdatePositionMark updates price-derived fields after a tick.
func (d *Database) UpdatePositionMark(ctx context.Context, id string, price, unrealized float64, riskLevel string, tickAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET current_price = ?, unrealized_pnl = ?, risk_level = ?, last_tick_at = ?
		WHERE id = ?
	`, price, unrealized, riskLevel, tickAt, id)
	return err
}

// ConfirmPositionOpen promotes an opening position to open with its
// actual fill price.
func (d *Database) ConfirmPositionOpen(ctx context.Context, id string, entryPrice float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET state = 'open', entry_price = ?, current_price = ?
		WHERE id = ? AND state = 'opening'
	`, entryPrice, entryPrice, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePosition removes a position row. Only used to discard an
// opening position whose order never reached the venue.
func (d *Database) DeletePosition(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id)
	return err
}

// SetPositionState transitions a position's lifecycle state.
func (d *Database) SetPositionState(ctx context.Context, id, state string) error {
	res, err := d.DB.ExecContext(ctx, `UPDATE positions SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClosePosition marks a position closed and freezes closed_at.
func (d *Database) ClosePosition(ctx context.Context, id string, exitPrice float64, closedAt time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET state = 'closed', current_price = ?, closed_at = ?
		WHERE id = ?
	`, exitPrice, closedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPosition returns a position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, ErrNotFound
	}
	return p, err
}

// GetOpenPositionByKey returns the non-closed position for (user, symbol, exchange).
func (d *Database) GetOpenPositionByKey(ctx context.Context, userID, symbol, exchange string) (Position, error) {
	if userID == "" {
		return Position{}, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND symbol = ? AND exchange = ? AND state != 'closed'
	`, userID, symbol, exchange)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, ErrNotFound
	}
	return p, err
}

// GetPositionByClientOrderID returns the position created for an entry
// order, in any state. Redelivery dedup keys on this lookup.
func (d *Database) GetPositionByClientOrderID(ctx context.Context, clientOrderID string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE client_order_id = ?
	`, clientOrderID)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, ErrNotFound
	}
	return p, err
}

// ListOpenPositionsBySymbol returns open positions on one instrument
// across all users, for price-tick fanout.
func (d *Database) ListOpenPositionsBySymbol(ctx context.Context, symbol, exchange string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE symbol = ? AND exchange = ? AND state = 'open'
	`, symbol, exchange)
	if err != nil {
		return nil, fmt.Errorf("query positions by symbol: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListOpenPositions returns all non-closed positions for a user.
func (d *Database) ListOpenPositions(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND state != 'closed'
		ORDER BY opened_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPositionsInState returns every position in the given lifecycle state,
// across all users. Used by crash recovery for in-flight opening/closing rows.
func (d *Database) ListPositionsInState(ctx context.Context, state string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE state = ?
	`, state)
	if err != nil {
		return nil, fmt.Errorf("query positions in state %s: %w", state, err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountOpenPositions returns the number of non-closed positions for a user.
func (d *Database) CountOpenPositions(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE user_id = ? AND state != 'closed'
	`, userID).Scan(&n)
	return n, err
}

// ----------------------------------------
// Order queries
// ----------------------------------------

// CreateOrder inserts a new order row keyed by client order id.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			client_order_id, signal_id, user_id, symbol, exchange, side, type,
			qty, price, status, filled_qty, avg_fill_price, simulated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ClientOrderID, o.SignalID, o.UserID, o.Symbol, o.Exchange, o.Side, o.Type,
		o.Qty, o.Price, o.Status, o.FilledQty, o.AvgFillPrice, boolToInt(o.Simulated),
	)
	return err
}

// UpdateOrderResult records the venue's terminal ack for an order.
func (d *Database) UpdateOrderResult(ctx context.Context, clientOrderID, status string, filledQty, avgFillPrice float64, simulated bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_fill_price = ?, simulated = ?
		WHERE client_order_id = ?
	`, status, filledQty, avgFillPrice, boolToInt(simulated), clientOrderID)
	return err
}

// HasOrder reports whether an order with the client id was ever recorded.
// This is the consumer's replay-safety check against signal redelivery.
func (d *Database) HasOrder(ctx context.Context, clientOrderID string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE client_order_id = ?
	`, clientOrderID).Scan(&n)
	return n > 0, err
}

// ----------------------------------------
// Trade queries
// ----------------------------------------

// CreateTrade inserts a realized round-trip record.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, position_id, user_id, symbol, exchange, direction,
			entry_price, exit_price, qty, pnl, entry_at, exit_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.PositionID, t.UserID, t.Symbol, t.Exchange, t.Direction,
		t.EntryPrice, t.ExitPrice, t.Qty, t.PnL, t.EntryAt, t.ExitAt,
	)
	return err
}

// ListTradesByUser returns a user's realized trades in exit order.
func (d *Database) ListTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, position_id, user_id, symbol, exchange, direction,
		       entry_price, exit_price, qty, pnl, entry_at, exit_at
		FROM trades WHERE user_id = ? ORDER BY exit_at LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.UserID, &t.Symbol, &t.Exchange, &t.Direction,
			&t.EntryPrice, &t.ExitPrice, &t.Qty, &t.PnL, &t.EntryAt, &t.ExitAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Daily risk metrics
// ----------------------------------------

// AddDailyResult accumulates a realized trade into the user's daily metrics.
// Losses accumulate as positive magnitudes in daily_loss.
func (d *Database) AddDailyResult(ctx context.Context, userID string, pnl float64, day time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	loss := 0.0
	if pnl < 0 {
		loss = -pnl
	}
	date := day.Format("2006-01-02")
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (user_id, date, daily_pnl, daily_loss, daily_trades)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(user_id, date) DO UPDATE SET
			daily_pnl = daily_pnl + ?,
			daily_loss = daily_loss + ?,
			daily_trades = daily_trades + 1
	`, userID, date, pnl, loss, pnl, loss)
	return err
}

// GetDailyLoss returns the accumulated realized loss for a user on a day.
func (d *Database) GetDailyLoss(ctx context.Context, userID string, day time.Time) (float64, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var loss float64
	err := d.DB.QueryRowContext(ctx, `
		SELECT COALESCE(daily_loss, 0) FROM risk_metrics WHERE user_id = ? AND date = ?
	`, userID, day.Format("2006-01-02")).Scan(&loss)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return loss, err
}

// ----------------------------------------
// Dead letters
// ----------------------------------------

// InsertDeadLetter stores a signal that exhausted its retries.
func (d *Database) InsertDeadLetter(ctx context.Context, dl DeadLetter) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO dead_letters (id, signal_id, payload, reason, redeliveries)
		VALUES (?, ?, ?, ?, ?)
	`, dl.ID, dl.SignalID, dl.Payload, dl.Reason, dl.Redeliveries)
	return err
}

// ListDeadLetters returns dead-lettered signals, newest first.
func (d *Database) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, signal_id, payload, reason, redeliveries, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.SignalID, &dl.Payload, &dl.Reason, &dl.Redeliveries, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Credentials
// ----------------------------------------

// UpsertCredential stores or replaces a user's venue API keys. Callers
// encrypt before storing; this layer never sees plaintext secrets.
func (d *Database) UpsertCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO credentials (user_id, exchange, api_key_enc, api_secret_enc, testnet, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, exchange) DO UPDATE SET
			api_key_enc = excluded.api_key_enc,
			api_secret_enc = excluded.api_secret_enc,
			testnet = excluded.testnet,
			updated_at = CURRENT_TIMESTAMP
	`, c.UserID, c.Exchange, c.APIKeyEnc, c.APISecretEnc, boolToInt(c.Testnet))
	return err
}

// GetCredential fetches a user's keys for one venue.
func (d *Database) GetCredential(ctx context.Context, userID, exchange string) (Credential, error) {
	if userID == "" {
		return Credential{}, ErrUserIDRequired
	}
	var (
		c       Credential
		testnet int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT user_id, exchange, api_key_enc, api_secret_enc, testnet, updated_at
		FROM credentials WHERE user_id = ? AND exchange = ?
	`, userID, exchange).Scan(&c.UserID, &c.Exchange, &c.APIKeyEnc, &c.APISecretEnc, &testnet, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	c.Testnet = testnet != 0
	return c, nil
}

// DeleteCredential removes a user's keys for one venue.
func (d *Database) DeleteCredential(ctx context.Context, userID, exchange string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM credentials WHERE user_id = ? AND exchange = ?
	`, userID, exchange)
	return err
}

// ----------------------------------------
// Backtest runs
// ----------------------------------------

// CreateBacktestRun stores a completed simulation result.
func (d *Database) CreateBacktestRun(ctx context.Context, r BacktestRun) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO backtest_runs (id, symbol, initial_capital, final_equity, total_trades, metrics_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Symbol, r.InitialCapital, r.FinalEquity, r.TotalTrades, r.MetricsJSON)
	return err
}

// ListBacktestRuns returns stored runs, newest first.
func (d *Database) ListBacktestRuns(ctx context.Context, limit int) ([]BacktestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, initial_capital, final_equity, total_trades, metrics_json, created_at
		FROM backtest_runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query backtest runs: %w", err)
	}
	defer rows.Close()

	var out []BacktestRun
	for rows.Next() {
		var r BacktestRun
		if err := rows.Scan(&r.ID, &r.Symbol, &r.InitialCapital, &r.FinalEquity, &r.TotalTrades, &r.MetricsJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backtest run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
