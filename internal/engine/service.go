// Package engine owns the position lifecycle: validate, enter, protect,
// monitor and close, with a compensating close whenever a fill cannot be
// protected.
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// Service is the surface the API layer drives.
type Service interface {
	Open(ctx context.Context, req OpenRequest) (Position, error)
	Close(ctx context.Context, exchange, symbol, reason string) (CloseResult, error)
	UpdateStopLoss(ctx context.Context, exchange, symbol string, trigger decimal.Decimal) (Position, error)

	Positions() []Position
	Position(exchange, symbol string) (Position, bool)
	Stats() Stats
}

var _ Service = (*Engine)(nil)
