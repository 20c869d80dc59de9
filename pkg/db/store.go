package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const positionColumns = `id, exchange, symbol, side, quantity, entry_price, current_price,
	stop_loss_price, stop_order_id, has_protection, status, state, exit_reason,
	realized_pnl, opened_at, closed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (PositionRecord, error) {
	var (
		p        PositionRecord
		closedAt sql.NullTime
		updated  sql.NullTime
	)
	err := r.Scan(&p.ID, &p.Exchange, &p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice,
		&p.StopLossPrice, &p.StopOrderID, &p.HasProtection, &p.Status, &p.State, &p.ExitReason,
		&p.RealizedPnL, &p.OpenedAt, &closedAt, &updated)
	if err != nil {
		return p, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	p.UpdatedAt = updated.Time
	return p, nil
}

// CreatePosition inserts a record and returns its id.
func (d *Database) CreatePosition(ctx context.Context, rec PositionRecord) (int64, error) {
	if rec.Exchange == "" || rec.Symbol == "" {
		return 0, errors.New("position record requires exchange and symbol")
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.State == "" {
		rec.State = rec.Status
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = time.Now()
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (exchange, symbol, side, quantity, entry_price, current_price,
			stop_loss_price, stop_order_id, has_protection, status, state, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, rec.Exchange, rec.Symbol, rec.Side, rec.Quantity, rec.EntryPrice, rec.CurrentPrice,
		rec.StopLossPrice, rec.StopOrderID, rec.HasProtection, rec.Status, rec.State, rec.OpenedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert position: %w", err)
	}
	return res.LastInsertId()
}

// UpdatePosition writes whitelisted columns of one record.
func (d *Database) UpdatePosition(ctx context.Context, id int64, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	if err := CheckFields(fields); err != nil {
		return err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		sets = append(sets, k+" = ?")
		args = append(args, sqliteValue(fields[k]))
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := d.DB.ExecContext(ctx, "UPDATE positions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update position %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func sqliteValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case decimal.Decimal:
		return x.String()
	}
	return v
}

// GetOpenPosition returns the active record for (symbol, exchange).
func (d *Database) GetOpenPosition(ctx context.Context, symbol, exchange string) (PositionRecord, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE symbol = ? AND exchange = ? AND status = ?
		ORDER BY id DESC
		LIMIT 1
	`, symbol, exchange, StatusActive)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PositionRecord{}, ErrNotFound
	}
	if err != nil {
		return PositionRecord{}, fmt.Errorf("query open position: %w", err)
	}
	return p, nil
}

// GetActivePositions lists active records, optionally filtered by exchange.
func (d *Database) GetActivePositions(ctx context.Context, exchange string) ([]PositionRecord, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = ?`
	args := []any{StatusActive}
	if exchange != "" {
		query += ` AND exchange = ?`
		args = append(args, exchange)
	}
	query += ` ORDER BY id`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition returns one record by id regardless of status.
func (d *Database) GetPosition(ctx context.Context, id int64) (PositionRecord, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PositionRecord{}, ErrNotFound
	}
	return p, err
}

// RecordTrade folds one realized trade into the day's aggregate.
func (d *Database) RecordTrade(ctx context.Context, date string, net decimal.Decimal) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur := DailyMetrics{Date: date}
	var pnl, losses string
	err = tx.QueryRowContext(ctx, `SELECT daily_pnl, daily_trades, daily_wins, daily_losses FROM risk_metrics WHERE date = ?`, date).
		Scan(&pnl, &cur.Trades, &cur.Wins, &losses)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read risk metrics: %w", err)
	default:
		cur.PnL, _ = decimal.NewFromString(pnl)
		cur.LossesTotal, _ = decimal.NewFromString(losses)
	}

	cur.Trades++
	cur.PnL = cur.PnL.Add(net)
	if net.IsPositive() {
		cur.Wins++
	} else if net.IsNegative() {
		cur.LossesTotal = cur.LossesTotal.Add(net.Neg())
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_metrics (date, daily_pnl, daily_trades, daily_wins, daily_losses)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = excluded.daily_pnl,
			daily_trades = excluded.daily_trades,
			daily_wins = excluded.daily_wins,
			daily_losses = excluded.daily_losses
	`, date, cur.PnL.String(), cur.Trades, cur.Wins, cur.LossesTotal.String())
	if err != nil {
		return fmt.Errorf("upsert risk metrics: %w", err)
	}
	return tx.Commit()
}

// DailyMetrics returns the most recent days, newest first.
func (d *Database) DailyMetrics(ctx context.Context, days int) ([]DailyMetrics, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT date, daily_pnl, daily_trades, daily_wins, daily_losses
		FROM risk_metrics ORDER BY date DESC LIMIT ?
	`, days)
	if err != nil {
		return nil, fmt.Errorf("query risk metrics: %w", err)
	}
	defer rows.Close()

	var out []DailyMetrics
	for rows.Next() {
		var (
			m           DailyMetrics
			pnl, losses string
		)
		if err := rows.Scan(&m.Date, &pnl, &m.Trades, &m.Wins, &losses); err != nil {
			return nil, err
		}
		m.PnL, _ = decimal.NewFromString(pnl)
		m.LossesTotal, _ = decimal.NewFromString(losses)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateOperator inserts an API operator.
func (d *Database) CreateOperator(ctx context.Context, op Operator) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO operators (id, email, password_hash, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
	`, op.ID, op.Email, op.PasswordHash)
	return err
}

// GetOperatorByEmail looks up an operator for login.
func (d *Database) GetOperatorByEmail(ctx context.Context, email string) (*Operator, error) {
	var op Operator
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM operators WHERE email = ?
	`, email).Scan(&op.ID, &op.Email, &op.PasswordHash, &op.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

var (
	_ PositionStore = (*Database)(nil)
	_ MetricsStore  = (*Database)(nil)
	_ OperatorStore = (*Database)(nil)
)
