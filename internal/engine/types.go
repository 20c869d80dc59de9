package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/internal/protection"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// Position is the engine's view of one position. Values returned to
// callers are copies.
type Position struct {
	ID           int64               `json:"id"`
	Exchange     string              `json:"exchange"`
	Symbol       string              `json:"symbol"`
	Side         common.PositionSide `json:"side"`
	Quantity     decimal.Decimal     `json:"quantity"`
	EntryPrice   decimal.Decimal     `json:"entry_price"`
	CurrentPrice decimal.Decimal     `json:"current_price"`
	State        State               `json:"state"`
	Protection   ProtectionState     `json:"protection"`
	EntryOrderID string              `json:"entry_order_id,omitempty"`
	OpenedAt     time.Time           `json:"opened_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ProtectionState is the stop the engine believes the venue holds.
type ProtectionState struct {
	Mechanism    protection.Mechanism `json:"mechanism,omitempty"`
	OrderID      string               `json:"order_id,omitempty"`
	TriggerPrice decimal.Decimal      `json:"trigger_price"`
	Quantity     decimal.Decimal      `json:"quantity"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Placed reports whether a stop is believed to be live.
func (p ProtectionState) Placed() bool { return p.TriggerPrice.IsPositive() }

// Notional is quantity times the latest known price.
func (p Position) Notional() decimal.Decimal {
	price := p.CurrentPrice
	if !price.IsPositive() {
		price = p.EntryPrice
	}
	return p.Quantity.Mul(price)
}

// UnrealizedPnL at the current price, before fees.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if !p.CurrentPrice.IsPositive() {
		return decimal.Zero
	}
	gross, _ := risk.RealizedPnL(p.Side, p.EntryPrice, p.CurrentPrice, p.Quantity, decimal.Zero)
	return gross
}

// OpenRequest asks the engine for a new protected position. Zero fields
// fall back to the configured limits.
type OpenRequest struct {
	Exchange        string              `json:"exchange" binding:"required"`
	Symbol          string              `json:"symbol" binding:"required"`
	Side            common.PositionSide `json:"side" binding:"required"`
	SizeUSD         decimal.Decimal     `json:"size_usd"`
	StopLossPercent decimal.Decimal     `json:"stop_loss_percent"`
	Leverage        int                 `json:"leverage"`
}

// CloseResult summarizes a finished position.
type CloseResult struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	ExitPrice decimal.Decimal `json:"exit_price"`
	PnL       decimal.Decimal `json:"pnl"`
	Fee       decimal.Decimal `json:"fee"`
	Reason    string          `json:"reason"`
}

// Stats is a point-in-time summary of the position table.
type Stats struct {
	Tracked  int             `json:"tracked"`
	ByState  map[State]int   `json:"by_state"`
	Exposure decimal.Decimal `json:"exposure"`
	Aged     int             `json:"aged"`
}

// Gateway is the venue surface the engine uses.
type Gateway interface {
	protection.Gateway
	FetchTicker(ctx context.Context, symbol string) (common.Ticker, error)
	AvailableBalance(ctx context.Context) (decimal.Decimal, error)
	MarketLimits(ctx context.Context, symbol string) (common.MarketLimits, error)
	NormalizeQuantity(ctx context.Context, symbol string, raw, price, requestedUSD, tolerance decimal.Decimal) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateMarketOrder(ctx context.Context, symbol string, side common.Side, qty decimal.Decimal, reduceOnly bool) (common.Order, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (common.Order, error)
}

// Lookup resolves an exchange name to its gateway.
type Lookup func(exchange string) (Gateway, error)

// Locker serializes work per key.
type Locker interface {
	Acquire(ctx context.Context, key, holder string) (func(), error)
}

// Protector places and moves stops.
type Protector interface {
	Update(ctx context.Context, req protection.Request) (protection.Outcome, error)
}

// Alerter raises operator alerts. It must not block.
type Alerter interface {
	Alert(ctx context.Context, typ, exchange, symbol string, details map[string]any)
}
