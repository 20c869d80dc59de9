// Package gateway presents every venue through one canonical interface:
// canonical symbols, grid-aligned quantities, and every call metered by the
// venue's request executor.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// limitsTTL bounds how long cached market rules are trusted.
const limitsTTL = 6 * time.Hour

type cachedLimits struct {
	limits  common.MarketLimits
	fetched time.Time
}

// Gateway wraps a venue adapter.
type Gateway struct {
	name    string
	venue   common.Venue
	exec    *common.Executor
	caps    common.Capabilities
	symbols *SymbolTranslator
	log     zerolog.Logger

	mu     sync.RWMutex
	limits map[string]cachedLimits
}

// New builds a gateway. exec must be dedicated to this venue.
func New(name string, venue common.Venue, exec *common.Executor, log zerolog.Logger) *Gateway {
	caps := venue.Capabilities()
	return &Gateway{
		name:    name,
		venue:   venue,
		exec:    exec,
		caps:    caps,
		symbols: NewSymbolTranslator(caps.Symbols),
		log:     log.With().Str("component", "gateway").Str("exchange", name).Logger(),
		limits:  make(map[string]cachedLimits),
	}
}

func (g *Gateway) Name() string                      { return g.name }
func (g *Gateway) Capabilities() common.Capabilities { return g.caps }
func (g *Gateway) Executor() *common.Executor        { return g.exec }
func (g *Gateway) Symbols() *SymbolTranslator        { return g.symbols }

func (g *Gateway) native(symbol string) (string, error) {
	n, err := g.symbols.ToNative(symbol)
	if err != nil {
		return "", common.NewError(common.KindValidation, g.name, "symbol", err)
	}
	return n, nil
}

// FetchTicker returns the top of book.
func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	n, err := g.native(symbol)
	if err != nil {
		return common.Ticker{}, err
	}
	t, err := common.Call(ctx, g.exec, "ticker", func(ctx context.Context) (common.Ticker, error) {
		return g.venue.Ticker(ctx, n)
	})
	if err != nil {
		return common.Ticker{}, err
	}
	if !t.Bid.IsPositive() && !t.Ask.IsPositive() && !t.Last.IsPositive() {
		return common.Ticker{}, common.Errorf(common.KindTransient, g.name, "ticker", "empty ticker for %s", symbol)
	}
	t.Symbol = symbol
	return t, nil
}

// FetchOrderBook returns a depth snapshot.
func (g *Gateway) FetchOrderBook(ctx context.Context, symbol string, depth int) (common.OrderBook, error) {
	n, err := g.native(symbol)
	if err != nil {
		return common.OrderBook{}, err
	}
	ob, err := common.Call(ctx, g.exec, "orderbook", func(ctx context.Context) (common.OrderBook, error) {
		return g.venue.OrderBook(ctx, n, depth)
	})
	if err != nil {
		return common.OrderBook{}, err
	}
	ob.Symbol = symbol
	return ob, nil
}

// FetchPositions returns nonzero venue positions with canonical symbols,
// restricted to symbols when any are given. Symbols the translator cannot
// map are skipped with a warning.
func (g *Gateway) FetchPositions(ctx context.Context, symbols ...string) ([]common.PositionInfo, error) {
	raw, err := common.Call(ctx, g.exec, "positions", g.venue.Positions)
	if err != nil {
		return nil, err
	}
	var want map[string]bool
	if len(symbols) > 0 {
		want = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			want[s] = true
		}
	}
	out := make([]common.PositionInfo, 0, len(raw))
	for _, p := range raw {
		if !p.Quantity.IsPositive() {
			continue
		}
		sym, err := g.symbols.ToCanonical(p.Symbol)
		if err != nil {
			g.log.Warn().Str("symbol", p.Symbol).Err(err).Msg("skipping untranslatable position")
			continue
		}
		if !p.Side.Valid() {
			g.log.Warn().Str("symbol", p.Symbol).Str("side", string(p.Side)).Msg("skipping position with invalid side")
			continue
		}
		if want != nil && !want[sym] {
			continue
		}
		p.Symbol = sym
		out = append(out, p)
	}
	return out, nil
}

// FetchPosition returns the open position for symbol, if any.
func (g *Gateway) FetchPosition(ctx context.Context, symbol string) (common.PositionInfo, bool, error) {
	all, err := g.FetchPositions(ctx, symbol)
	if err != nil {
		return common.PositionInfo{}, false, err
	}
	for _, p := range all {
		if p.Symbol == symbol {
			return p, true, nil
		}
	}
	return common.PositionInfo{}, false, nil
}

// FetchBalance returns the margin account.
func (g *Gateway) FetchBalance(ctx context.Context) (common.Balance, error) {
	return common.Call(ctx, g.exec, "balance", g.venue.Balance)
}

// AvailableBalance returns margin usable for new positions.
func (g *Gateway) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := g.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return AvailableMargin(b), nil
}

// MarketLimits returns cached trading rules for symbol.
func (g *Gateway) MarketLimits(ctx context.Context, symbol string) (common.MarketLimits, error) {
	g.mu.RLock()
	c, ok := g.limits[symbol]
	g.mu.RUnlock()
	if ok && time.Since(c.fetched) < limitsTTL {
		return c.limits, nil
	}

	n, err := g.native(symbol)
	if err != nil {
		return common.MarketLimits{}, err
	}
	lim, err := common.Call(ctx, g.exec, "market_limits", func(ctx context.Context) (common.MarketLimits, error) {
		return g.venue.MarketLimits(ctx, n)
	})
	if err != nil {
		return common.MarketLimits{}, err
	}
	if lim.MinQty.IsNegative() || lim.StepSize.IsNegative() || lim.TickSize.IsNegative() {
		return common.MarketLimits{}, common.Errorf(common.KindValidation, g.name, "market_limits", "negative limits for %s", symbol)
	}
	lim.Symbol = symbol

	g.mu.Lock()
	g.limits[symbol] = cachedLimits{limits: lim, fetched: time.Now()}
	g.mu.Unlock()
	return lim, nil
}

// NormalizeQuantity sizes a new order for symbol.
func (g *Gateway) NormalizeQuantity(ctx context.Context, symbol string, raw, price, requestedUSD, tolerance decimal.Decimal) (decimal.Decimal, error) {
	lim, err := g.MarketLimits(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	q, err := NormalizeQuantity(raw, price, requestedUSD, lim, tolerance)
	if err != nil {
		return decimal.Zero, common.NewError(common.KindValidation, g.name, "normalize_quantity", err)
	}
	if q.Sub(raw).Abs().GreaterThan(decimal.Zero) {
		g.log.Debug().Str("symbol", symbol).Str("raw", raw.String()).Str("normalized", q.String()).Msg("quantity adjusted to venue grid")
	}
	return q, nil
}

// AlignQuantity truncates a reduce-only size for symbol.
func (g *Gateway) AlignQuantity(ctx context.Context, symbol string, raw decimal.Decimal) (decimal.Decimal, error) {
	lim, err := g.MarketLimits(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	q, err := AlignQuantity(raw, lim)
	if err != nil {
		return decimal.Zero, common.NewError(common.KindValidation, g.name, "align_quantity", err)
	}
	return q, nil
}

// NormalizeStopPrice rounds a stop trigger to the tick, away from price.
func (g *Gateway) NormalizeStopPrice(ctx context.Context, symbol string, trigger decimal.Decimal, side common.PositionSide) (decimal.Decimal, error) {
	lim, err := g.MarketLimits(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return StopTrigger(trigger, lim.TickSize, side), nil
}

// CreateMarketOrder submits a market order.
func (g *Gateway) CreateMarketOrder(ctx context.Context, symbol string, side common.Side, qty decimal.Decimal, reduceOnly bool) (common.Order, error) {
	return g.placeOrder(ctx, common.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       common.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: reduceOnly,
	})
}

// CreateLimitOrder submits a GTC limit order.
func (g *Gateway) CreateLimitOrder(ctx context.Context, symbol string, side common.Side, qty, price decimal.Decimal, reduceOnly bool) (common.Order, error) {
	lim, err := g.MarketLimits(ctx, symbol)
	if err != nil {
		return common.Order{}, err
	}
	return g.placeOrder(ctx, common.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       common.OrderTypeLimit,
		Quantity:   qty,
		Price:      RoundToTick(price, lim.TickSize),
		ReduceOnly: reduceOnly,
	})
}

// CreateStopOrder submits a reduce-only stop-market order.
func (g *Gateway) CreateStopOrder(ctx context.Context, symbol string, side common.Side, qty, trigger decimal.Decimal) (common.Order, error) {
	return g.placeOrder(ctx, common.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       common.OrderTypeStopMarket,
		Quantity:   qty,
		StopPrice:  trigger,
		ReduceOnly: true,
	})
}

func (g *Gateway) placeOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	if !req.Quantity.IsPositive() {
		return common.Order{}, common.Errorf(common.KindValidation, g.name, "place_order", "non-positive quantity %s", req.Quantity)
	}
	canonical := req.Symbol
	n, err := g.native(req.Symbol)
	if err != nil {
		return common.Order{}, err
	}
	req.Symbol = n
	if req.ClientID == "" {
		// A stable client id keeps retries from creating duplicates.
		req.ClientID = "pl-" + uuid.NewString()[:18]
	}

	o, err := common.Call(ctx, g.exec, "place_order", func(ctx context.Context) (common.Order, error) {
		return g.venue.PlaceOrder(ctx, req)
	})
	if err != nil {
		return common.Order{}, err
	}
	if o.ID == "" {
		return common.Order{}, common.Errorf(common.KindTransient, g.name, "place_order", "venue returned order without id")
	}
	o.Symbol = canonical
	g.log.Info().
		Str("symbol", canonical).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("qty", req.Quantity.String()).
		Str("order_id", o.ID).
		Str("status", string(o.Status)).
		Msg("order placed")
	return o, nil
}

// FetchOrder returns an order record.
func (g *Gateway) FetchOrder(ctx context.Context, symbol, orderID string) (common.Order, error) {
	n, err := g.native(symbol)
	if err != nil {
		return common.Order{}, err
	}
	o, err := common.Call(ctx, g.exec, "order", func(ctx context.Context) (common.Order, error) {
		return g.venue.Order(ctx, n, orderID)
	})
	if err != nil {
		return common.Order{}, err
	}
	o.Symbol = symbol
	return o, nil
}

// CancelOrder cancels one order. A KindExpectedAbsence error means the
// order was already gone.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	n, err := g.native(symbol)
	if err != nil {
		return err
	}
	return g.exec.Execute(ctx, "cancel_order", func(ctx context.Context) error {
		return g.venue.CancelOrder(ctx, n, orderID)
	})
}

// CancelOrders cancels every listed order and returns how many are gone.
// Orders the venue no longer knows count as cancelled. The first hard error
// stops the loop.
func (g *Gateway) CancelOrders(ctx context.Context, symbol string, orderIDs ...string) (int, error) {
	gone := 0
	for _, id := range orderIDs {
		err := g.CancelOrder(ctx, symbol, id)
		if err != nil && !common.IsExpectedAbsence(err) {
			return gone, err
		}
		gone++
	}
	return gone, nil
}

// FetchOpenOrders lists resting orders for symbol.
func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	n, err := g.native(symbol)
	if err != nil {
		return nil, err
	}
	orders, err := common.Call(ctx, g.exec, "open_orders", func(ctx context.Context) ([]common.Order, error) {
		return g.venue.OpenOrders(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Symbol = symbol
	}
	return orders, nil
}

// FetchProtectiveOrders lists resting reduce-only stops for symbol.
func (g *Gateway) FetchProtectiveOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	orders, err := g.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := orders[:0]
	for _, o := range orders {
		if o.IsProtective() {
			out = append(out, o)
		}
	}
	return out, nil
}

// SetLeverage sets symbol leverage. A not-modified answer is success.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	n, err := g.native(symbol)
	if err != nil {
		return err
	}
	err = g.exec.Execute(ctx, "set_leverage", func(ctx context.Context) error {
		return g.venue.SetLeverage(ctx, n, leverage)
	})
	if common.IsNotModified(err) {
		return nil
	}
	return err
}

// SetTradingStop attaches a stop to the position on atomic venues.
func (g *Gateway) SetTradingStop(ctx context.Context, symbol string, side common.PositionSide, stop decimal.Decimal) error {
	if !g.caps.AtomicProtection {
		return common.Errorf(common.KindValidation, g.name, "trading_stop", "venue has no atomic protection")
	}
	n, err := g.native(symbol)
	if err != nil {
		return err
	}
	return g.exec.Execute(ctx, "trading_stop", func(ctx context.Context) error {
		return g.venue.SetTradingStop(ctx, common.TradingStopRequest{Symbol: n, Side: side, StopLoss: stop})
	})
}

// Ping checks venue reachability.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.exec.Execute(ctx, "ping", g.venue.Ping); err != nil {
		return fmt.Errorf("ping %s: %w", g.name, err)
	}
	return nil
}
