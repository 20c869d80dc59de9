// Package postgres implements the position store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements db.PositionStore and db.MetricsStore.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and pings it.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the pool.
func (s *Store) Close() { s.pool.Close() }

// RunMigrations applies embedded migrations in lexicographic order, once each.
func (s *Store) RunMigrations(ctx context.Context) error {
	const tracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, tracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name()); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Numeric columns are read back as text so decimals keep full precision.
const positionSelectCols = `id, exchange, symbol, side, quantity::text, entry_price::text,
	current_price::text, stop_loss_price::text, stop_order_id, has_protection, status, state,
	exit_reason, realized_pnl::text, opened_at, closed_at, updated_at`

func scanPositionRow(row pgx.Row) (db.PositionRecord, error) {
	var (
		p                                   db.PositionRecord
		qty, entry, current, stop, realized string
	)
	err := row.Scan(&p.ID, &p.Exchange, &p.Symbol, &p.Side, &qty, &entry,
		&current, &stop, &p.StopOrderID, &p.HasProtection, &p.Status, &p.State,
		&p.ExitReason, &realized, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt)
	if err != nil {
		return db.PositionRecord{}, err
	}
	p.Quantity = parseDec(qty)
	p.EntryPrice = parseDec(entry)
	p.CurrentPrice = parseDec(current)
	p.StopLossPrice = parseDec(stop)
	p.RealizedPnL = parseDec(realized)
	return p, nil
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// CreatePosition inserts a record and returns its id.
func (s *Store) CreatePosition(ctx context.Context, rec db.PositionRecord) (int64, error) {
	if rec.Exchange == "" || rec.Symbol == "" {
		return 0, errors.New("postgres: position record requires exchange and symbol")
	}
	if rec.Status == "" {
		rec.Status = db.StatusActive
	}
	if rec.State == "" {
		rec.State = rec.Status
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = time.Now()
	}
	const query = `
		INSERT INTO positions (
			exchange, symbol, side, quantity, entry_price, current_price,
			stop_loss_price, stop_order_id, has_protection, status, state, opened_at, updated_at
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, NOW())
		RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, query,
		rec.Exchange, rec.Symbol, rec.Side, rec.Quantity.String(), rec.EntryPrice.String(),
		rec.CurrentPrice.String(), rec.StopLossPrice.String(), rec.StopOrderID, rec.HasProtection,
		rec.Status, rec.State, rec.OpenedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create position %s/%s: %w", rec.Exchange, rec.Symbol, err)
	}
	return id, nil
}

var numericColumns = map[string]bool{
	"quantity": true, "entry_price": true, "current_price": true,
	"stop_loss_price": true, "realized_pnl": true,
}

// UpdatePosition writes whitelisted columns of one record.
func (s *Store) UpdatePosition(ctx context.Context, id int64, fields db.Fields) error {
	if len(fields) == 0 {
		return nil
	}
	if err := db.CheckFields(fields); err != nil {
		return err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		v := fields[k]
		if d, ok := v.(decimal.Decimal); ok {
			v = d.String()
		}
		if numericColumns[k] {
			sets = append(sets, fmt.Sprintf("%s = $%d::numeric", k, i+1))
		} else {
			sets = append(sets, fmt.Sprintf("%s = $%d", k, i+1))
		}
		args = append(args, v)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := "UPDATE positions SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE id = $%d", len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// GetOpenPosition returns the active record for (symbol, exchange).
func (s *Store) GetOpenPosition(ctx context.Context, symbol, exchange string) (db.PositionRecord, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE symbol = $1 AND exchange = $2 AND status = $3
		ORDER BY id DESC LIMIT 1`
	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, symbol, exchange, db.StatusActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.PositionRecord{}, db.ErrNotFound
	}
	if err != nil {
		return db.PositionRecord{}, fmt.Errorf("postgres: get open position: %w", err)
	}
	return p, nil
}

// GetActivePositions lists active records, optionally filtered by exchange.
func (s *Store) GetActivePositions(ctx context.Context, exchange string) ([]db.PositionRecord, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = $1`
	args := []any{db.StatusActive}
	if exchange != "" {
		query += ` AND exchange = $2`
		args = append(args, exchange)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var out []db.PositionRecord
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordTrade folds one realized trade into the day's aggregate.
func (s *Store) RecordTrade(ctx context.Context, date string, net decimal.Decimal) error {
	wins, losses := 0, decimal.Zero
	if net.IsPositive() {
		wins = 1
	} else if net.IsNegative() {
		losses = net.Neg()
	}
	const query = `
		INSERT INTO risk_metrics (date, daily_pnl, daily_trades, daily_wins, daily_losses)
		VALUES ($1, $2::numeric, 1, $3, $4::numeric)
		ON CONFLICT (date) DO UPDATE SET
			daily_pnl = risk_metrics.daily_pnl + EXCLUDED.daily_pnl,
			daily_trades = risk_metrics.daily_trades + 1,
			daily_wins = risk_metrics.daily_wins + EXCLUDED.daily_wins,
			daily_losses = risk_metrics.daily_losses + EXCLUDED.daily_losses`
	if _, err := s.pool.Exec(ctx, query, date, net.String(), wins, losses.String()); err != nil {
		return fmt.Errorf("postgres: record trade: %w", err)
	}
	return nil
}

// DailyMetrics returns the most recent days, newest first.
func (s *Store) DailyMetrics(ctx context.Context, days int) ([]db.DailyMetrics, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT date, daily_pnl::text, daily_trades, daily_wins, daily_losses::text
		FROM risk_metrics ORDER BY date DESC LIMIT $1`, days)
	if err != nil {
		return nil, fmt.Errorf("postgres: query risk metrics: %w", err)
	}
	defer rows.Close()

	var out []db.DailyMetrics
	for rows.Next() {
		var (
			m           db.DailyMetrics
			pnl, losses string
		)
		if err := rows.Scan(&m.Date, &pnl, &m.Trades, &m.Wins, &losses); err != nil {
			return nil, err
		}
		m.PnL = parseDec(pnl)
		m.LossesTotal = parseDec(losses)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateOperator inserts an API operator.
func (s *Store) CreateOperator(ctx context.Context, op db.Operator) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operators (id, email, password_hash) VALUES ($1, $2, $3)`,
		op.ID, op.Email, op.PasswordHash)
	if err != nil {
		return fmt.Errorf("postgres: create operator: %w", err)
	}
	return nil
}

// GetOperatorByEmail looks up an operator for login.
func (s *Store) GetOperatorByEmail(ctx context.Context, email string) (*db.Operator, error) {
	var op db.Operator
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, created_at FROM operators WHERE email = $1`, email,
	).Scan(&op.ID, &op.Email, &op.PasswordHash, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get operator: %w", err)
	}
	return &op, nil
}

var (
	_ db.PositionStore = (*Store)(nil)
	_ db.MetricsStore  = (*Store)(nil)
	_ db.OperatorStore = (*Store)(nil)
)
