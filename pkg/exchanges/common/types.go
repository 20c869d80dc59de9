package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// EntrySide is the order side that opens a position in this direction.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that reduces a position in this direction.
func (p PositionSide) ExitSide() Side {
	return p.EntrySide().Opposite()
}

// Valid reports whether p is long or short.
func (p PositionSide) Valid() bool {
	return p == PositionLong || p == PositionShort
}

// OrderType denotes the order types the engine places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Ticker is the top of book for one symbol.
type Ticker struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Time   time.Time
}

// Mid returns the bid/ask midpoint, or Last when one side is missing.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}
	return t.Last
}

// SpreadPercent returns (ask-bid)/mid in percent. Zero when the book is one-sided.
func (t Ticker) SpreadPercent() decimal.Decimal {
	mid := t.Mid()
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() || !mid.IsPositive() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(100))
}

// Level is one price level of an order book.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook is a depth snapshot, best levels first.
type OrderBook struct {
	Symbol string
	Bids   []Level
	Asks   []Level
	Time   time.Time
}

// PositionInfo is a venue-reported open position.
type PositionInfo struct {
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal // always positive
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
	StopLoss      decimal.Decimal // venue-attached stop, atomic venues only
}

// Balance is the margin account summary in the settlement asset.
type Balance struct {
	Asset              string
	TotalMarginBalance decimal.Decimal
	PositionMargin     decimal.Decimal
	OpenOrderMargin    decimal.Decimal
	// Free is the venue's own "available" field. Callers must not size from it.
	Free decimal.Decimal
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // LIMIT only
	StopPrice  decimal.Decimal // STOP_MARKET only
	ReduceOnly bool
	ClientID   string
}

// Order is a venue order record.
type Order struct {
	ID         string
	ClientID   string
	Symbol     string
	Side       Side
	Type       OrderType
	Status     OrderStatus
	Quantity   decimal.Decimal
	Filled     decimal.Decimal
	AvgPrice   decimal.Decimal
	Price      decimal.Decimal
	StopPrice  decimal.Decimal
	ReduceOnly bool
	Time       time.Time
}

// IsProtective reports whether the order is a reduce-only stop.
func (o Order) IsProtective() bool {
	return o.Type == OrderTypeStopMarket && o.ReduceOnly
}

// MarketLimits are the trading rules of one symbol.
type MarketLimits struct {
	Symbol      string
	MinQty      decimal.Decimal
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal // zero means the venue reports no limit
	MaxLeverage int
}

// TradingStopRequest sets a position-attached stop on atomic venues.
type TradingStopRequest struct {
	Symbol   string
	Side     PositionSide
	StopLoss decimal.Decimal
}

// SymbolFormat describes how a venue spells instrument names.
type SymbolFormat struct {
	Separator   string   // "" for BTCUSDT, "-" for BTC-USDT
	QuoteAssets []string // used to split separator-less symbols
}

// Capabilities advertises per-venue behavior the engine dispatches on.
type Capabilities struct {
	AtomicProtection bool
	Symbols          SymbolFormat
	SettlementAsset  string
}
