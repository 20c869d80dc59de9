package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrFieldNotAllowed = errors.New("field not allowed in position update")
)

// Position status values. A record is "active" from the entry fill
// until the position leaves the exchange.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// PositionRecord mirrors one engine position.
type PositionRecord struct {
	ID            int64
	Exchange      string
	Symbol        string
	Side          string // long or short
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	StopLossPrice decimal.Decimal
	StopOrderID   string
	HasProtection bool
	Status        string
	State         string // engine lifecycle state at last write
	ExitReason    string
	RealizedPnL   decimal.Decimal
	OpenedAt      time.Time
	ClosedAt      *time.Time
	UpdatedAt     time.Time
}

// Fields is a partial update keyed by column name.
type Fields map[string]any

// updatable lists the columns UpdatePosition may touch. Identity columns
// (exchange, symbol, side, opened_at) are fixed at creation.
var updatable = map[string]bool{
	"quantity":        true,
	"entry_price":     true,
	"current_price":   true,
	"stop_loss_price": true,
	"stop_order_id":   true,
	"has_protection":  true,
	"status":          true,
	"state":           true,
	"exit_reason":     true,
	"realized_pnl":    true,
	"closed_at":       true,
}

// CheckFields rejects any column outside the update whitelist.
func CheckFields(f Fields) error {
	for k := range f {
		if !updatable[k] {
			return fmt.Errorf("%w: %s", ErrFieldNotAllowed, k)
		}
	}
	return nil
}

// ClosedFields is the update applied when a position leaves the exchange.
func ClosedFields(reason string, pnl decimal.Decimal, at time.Time) Fields {
	return Fields{
		"status":         StatusClosed,
		"state":          "closed",
		"exit_reason":    reason,
		"realized_pnl":   pnl,
		"has_protection": false,
		"closed_at":      at,
	}
}

// PositionStore persists position records. Implementations: *Database
// (sqlite) and postgres.Store.
type PositionStore interface {
	CreatePosition(ctx context.Context, rec PositionRecord) (int64, error)
	UpdatePosition(ctx context.Context, id int64, fields Fields) error
	GetOpenPosition(ctx context.Context, symbol, exchange string) (PositionRecord, error)
	// GetActivePositions lists active records; an empty exchange lists all.
	GetActivePositions(ctx context.Context, exchange string) ([]PositionRecord, error)
}

// DailyMetrics is the per-day realized trade summary.
type DailyMetrics struct {
	Date        string          `json:"date"`
	PnL         decimal.Decimal `json:"pnl"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	LossesTotal decimal.Decimal `json:"losses_total"`
}

// MetricsStore persists daily trade aggregates.
type MetricsStore interface {
	RecordTrade(ctx context.Context, date string, net decimal.Decimal) error
	DailyMetrics(ctx context.Context, days int) ([]DailyMetrics, error)
}

// Operator is an API user allowed to drive the engine.
type Operator struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// OperatorStore persists API operators.
type OperatorStore interface {
	CreateOperator(ctx context.Context, op Operator) error
	GetOperatorByEmail(ctx context.Context, email string) (*Operator, error)
}
