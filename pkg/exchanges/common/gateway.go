package common

import "context"

// Venue abstracts a derivatives trading venue. Symbols are in the venue's
// native spelling; records are validated before they are returned.
type Venue interface {
	Name() string
	Capabilities() Capabilities

	Ticker(ctx context.Context, symbol string) (Ticker, error)
	OrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	Positions(ctx context.Context) ([]PositionInfo, error)
	Balance(ctx context.Context) (Balance, error)
	MarketLimits(ctx context.Context, symbol string) (MarketLimits, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	Order(ctx context.Context, symbol, orderID string) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// SetTradingStop returns a KindValidation error on venues without
	// atomic protection.
	SetTradingStop(ctx context.Context, req TradingStopRequest) error

	Ping(ctx context.Context) error
}
