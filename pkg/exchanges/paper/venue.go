// Package paper is an in-memory venue for dry runs and tests. It fills
// market orders at the last set price, rests reduce-only stops until the
// price crosses them, and can inject faults per operation.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// Operation names accepted by InjectFault.
const (
	OpTicker      = "ticker"
	OpOrderBook   = "orderbook"
	OpPositions   = "positions"
	OpBalance     = "balance"
	OpLimits      = "market_limits"
	OpMarketOrder = "market_order"
	OpStopOrder   = "stop_order"
	OpLimitOrder  = "limit_order"
	OpOrder       = "order"
	OpCancel      = "cancel"
	OpOpenOrders  = "open_orders"
	OpLeverage    = "leverage"
	OpTradingStop = "trading_stop"
)

// Config configures the simulated venue.
type Config struct {
	Name           string
	InitialBalance float64
	FeeRate        float64 // decimal, 0.0004 = 4 bps
	SlippageBps    float64
	SpreadBps      float64
	Atomic         bool
	Quotes         []string
}

type position struct {
	side     common.PositionSide
	qty      decimal.Decimal
	entry    decimal.Decimal
	leverage int
	stopLoss decimal.Decimal
}

type fault struct {
	skip      int
	remaining int
	err       error
}

// Venue simulates a derivatives venue.
type Venue struct {
	mu        sync.Mutex
	cfg       Config
	balance   decimal.Decimal
	prices    map[string]decimal.Decimal
	limits    map[string]common.MarketLimits
	positions map[string]*position
	orders    map[string]*common.Order
	leverage  map[string]int
	faults    map[string][]*fault
	calls     map[string]int
	seq       int64
	log       zerolog.Logger
}

// New creates a paper venue.
func New(cfg Config, log zerolog.Logger) *Venue {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = 2
	}
	if len(cfg.Quotes) == 0 {
		cfg.Quotes = []string{"USDT", "USDC", "USD"}
	}
	return &Venue{
		cfg:       cfg,
		balance:   decimal.NewFromFloat(cfg.InitialBalance),
		prices:    make(map[string]decimal.Decimal),
		limits:    make(map[string]common.MarketLimits),
		positions: make(map[string]*position),
		orders:    make(map[string]*common.Order),
		leverage:  make(map[string]int),
		faults:    make(map[string][]*fault),
		calls:     make(map[string]int),
		log:       log.With().Str("component", "paper_venue").Logger(),
	}
}

func (v *Venue) Name() string { return v.cfg.Name }

func (v *Venue) Capabilities() common.Capabilities {
	return common.Capabilities{
		AtomicProtection: v.cfg.Atomic,
		Symbols:          common.SymbolFormat{QuoteAssets: v.cfg.Quotes},
		SettlementAsset:  "USDT",
	}
}

// --- simulation controls ---

// SetPrice moves the last price and triggers any crossed stops.
func (v *Venue) SetPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
	v.triggerStopsLocked(symbol, price)
}

// SetLimits overrides the trading rules for symbol.
func (v *Venue) SetLimits(symbol string, lim common.MarketLimits) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limits[symbol] = lim
}

// InjectFault makes the next n calls of op fail with err.
func (v *Venue) InjectFault(op string, n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults[op] = append(v.faults[op], &fault{remaining: n, err: err})
}

// InjectFaultAfter lets the next skip calls of op through, then fails n.
func (v *Venue) InjectFaultAfter(op string, skip, n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults[op] = append(v.faults[op], &fault{skip: skip, remaining: n, err: err})
}

// ClearFaults drops every pending fault for op.
func (v *Venue) ClearFaults(op string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.faults, op)
}

// Calls returns how many times op was invoked.
func (v *Venue) Calls(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

// OpenPosition creates a position directly, as if opened outside the engine.
func (v *Venue) OpenPosition(symbol string, side common.PositionSide, qty, entry decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[symbol] = &position{side: side, qty: qty, entry: entry, leverage: v.leverageLocked(symbol)}
	if _, ok := v.prices[symbol]; !ok {
		v.prices[symbol] = entry
	}
}

// SetPositionQuantity changes a position size, as if partially closed elsewhere.
func (v *Venue) SetPositionQuantity(symbol string, qty decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.positions[symbol]; ok {
		if qty.IsPositive() {
			p.qty = qty
		} else {
			delete(v.positions, symbol)
		}
	}
}

// ClosePositionExternally removes a position without an order.
func (v *Venue) ClosePositionExternally(symbol string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.positions, symbol)
}

// StopLoss returns the position-attached stop on atomic mode.
func (v *Venue) StopLoss(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.positions[symbol]; ok {
		return p.stopLoss
	}
	return decimal.Zero
}

// --- common.Venue ---

func (v *Venue) Ticker(ctx context.Context, symbol string) (common.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpTicker); err != nil {
		return common.Ticker{}, err
	}
	p, ok := v.prices[symbol]
	if !ok {
		return common.Ticker{}, common.Errorf(common.KindValidation, v.cfg.Name, OpTicker, "unknown symbol %s", symbol)
	}
	half := p.Mul(decimal.NewFromFloat(v.cfg.SpreadBps / 20000))
	return common.Ticker{Symbol: symbol, Bid: p.Sub(half), Ask: p.Add(half), Last: p, Time: time.Now()}, nil
}

func (v *Venue) OrderBook(ctx context.Context, symbol string, depth int) (common.OrderBook, error) {
	t, err := v.Ticker(ctx, symbol)
	if err != nil {
		return common.OrderBook{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpOrderBook); err != nil {
		return common.OrderBook{}, err
	}
	size := decimal.NewFromInt(1000)
	return common.OrderBook{
		Symbol: symbol,
		Bids:   []common.Level{{Price: t.Bid, Qty: size}},
		Asks:   []common.Level{{Price: t.Ask, Qty: size}},
		Time:   t.Time,
	}, nil
}

func (v *Venue) Positions(ctx context.Context) ([]common.PositionInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpPositions); err != nil {
		return nil, err
	}
	out := make([]common.PositionInfo, 0, len(v.positions))
	for sym, p := range v.positions {
		mark := v.prices[sym]
		out = append(out, common.PositionInfo{
			Symbol:        sym,
			Side:          p.side,
			Quantity:      p.qty,
			EntryPrice:    p.entry,
			MarkPrice:     mark,
			UnrealizedPnL: pnl(p.side, p.entry, mark, p.qty),
			Leverage:      p.leverage,
			StopLoss:      p.stopLoss,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (v *Venue) Balance(ctx context.Context) (common.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpBalance); err != nil {
		return common.Balance{}, err
	}
	unrealized := decimal.Zero
	margin := decimal.Zero
	for sym, p := range v.positions {
		unrealized = unrealized.Add(pnl(p.side, p.entry, v.prices[sym], p.qty))
		lev := p.leverage
		if lev < 1 {
			lev = 1
		}
		margin = margin.Add(p.qty.Mul(p.entry).Div(decimal.NewFromInt(int64(lev))))
	}
	total := v.balance.Add(unrealized)
	return common.Balance{
		Asset:              "USDT",
		TotalMarginBalance: total,
		PositionMargin:     margin,
		Free:               total,
	}, nil
}

func (v *Venue) MarketLimits(ctx context.Context, symbol string) (common.MarketLimits, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpLimits); err != nil {
		return common.MarketLimits{}, err
	}
	return v.limitsLocked(symbol), nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	op := OpMarketOrder
	switch req.Type {
	case common.OrderTypeStopMarket:
		op = OpStopOrder
	case common.OrderTypeLimit:
		op = OpLimitOrder
	}
	if err := v.enter(op); err != nil {
		return common.Order{}, err
	}
	price, ok := v.prices[req.Symbol]
	if !ok {
		return common.Order{}, common.Errorf(common.KindValidation, v.cfg.Name, op, "unknown symbol %s", req.Symbol)
	}
	if err := v.checkQuantity(op, req.Symbol, req.Quantity); err != nil {
		return common.Order{}, err
	}

	v.seq++
	o := &common.Order{
		ID:         strconv.FormatInt(v.seq, 10),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     common.StatusNew,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		ReduceOnly: req.ReduceOnly,
		Time:       time.Now(),
	}

	switch req.Type {
	case common.OrderTypeMarket:
		fill := v.slip(price, req.Side)
		if err := v.fillLocked(req.Symbol, req.Side, req.Quantity, fill, req.ReduceOnly); err != nil {
			return common.Order{}, err
		}
		o.Status = common.StatusFilled
		o.Filled = req.Quantity
		o.AvgPrice = fill
	case common.OrderTypeStopMarket:
		if !req.StopPrice.IsPositive() {
			return common.Order{}, common.Errorf(common.KindValidation, v.cfg.Name, op, "stop price required")
		}
		// sell stops must sit below the market, buy stops above
		if (req.Side == common.SideSell && req.StopPrice.GreaterThanOrEqual(price)) ||
			(req.Side == common.SideBuy && req.StopPrice.LessThanOrEqual(price)) {
			return common.Order{}, common.Errorf(common.KindValidation, v.cfg.Name, op,
				"order would immediately trigger (stop %s, last %s)", req.StopPrice, price)
		}
	case common.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return common.Order{}, common.Errorf(common.KindValidation, v.cfg.Name, op, "price required")
		}
	}

	v.orders[o.ID] = o
	return *o, nil
}

func (v *Venue) Order(ctx context.Context, symbol, orderID string) (common.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpOrder); err != nil {
		return common.Order{}, err
	}
	o, ok := v.orders[orderID]
	if !ok || o.Symbol != symbol {
		return common.Order{}, common.Errorf(common.KindExpectedAbsence, v.cfg.Name, OpOrder, "order %s does not exist", orderID)
	}
	return *o, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpCancel); err != nil {
		return err
	}
	o, ok := v.orders[orderID]
	if !ok || o.Symbol != symbol || o.Status.Terminal() {
		return common.Errorf(common.KindExpectedAbsence, v.cfg.Name, OpCancel, "unknown order %s", orderID)
	}
	o.Status = common.StatusCanceled
	return nil
}

func (v *Venue) OpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpOpenOrders); err != nil {
		return nil, err
	}
	var out []common.Order
	for _, o := range v.orders {
		if o.Symbol == symbol && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpLeverage); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return common.Errorf(common.KindValidation, v.cfg.Name, OpLeverage, "leverage %d out of range", leverage)
	}
	if v.leverage[symbol] == leverage {
		return common.Errorf(common.KindNotModified, v.cfg.Name, OpLeverage, "leverage not modified")
	}
	v.leverage[symbol] = leverage
	return nil
}

func (v *Venue) SetTradingStop(ctx context.Context, req common.TradingStopRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpTradingStop); err != nil {
		return err
	}
	if !v.cfg.Atomic {
		return common.Errorf(common.KindValidation, v.cfg.Name, OpTradingStop, "not supported")
	}
	p, ok := v.positions[req.Symbol]
	if !ok {
		return common.Errorf(common.KindRejected, v.cfg.Name, OpTradingStop, "can not set stop for zero position")
	}
	if p.stopLoss.Equal(req.StopLoss) {
		return common.Errorf(common.KindNotModified, v.cfg.Name, OpTradingStop, "not modified")
	}
	p.stopLoss = req.StopLoss
	return nil
}

func (v *Venue) Ping(ctx context.Context) error { return nil }

// --- internals, v.mu held ---

func (v *Venue) enter(op string) error {
	v.calls[op]++
	q := v.faults[op]
	for len(q) > 0 {
		f := q[0]
		if f.remaining <= 0 {
			q = q[1:]
			continue
		}
		if f.skip > 0 {
			f.skip--
			break
		}
		f.remaining--
		if f.remaining == 0 {
			q = q[1:]
		}
		v.faults[op] = q
		return f.err
	}
	v.faults[op] = q
	return nil
}

func (v *Venue) limitsLocked(symbol string) common.MarketLimits {
	if lim, ok := v.limits[symbol]; ok {
		return lim
	}
	return common.MarketLimits{
		Symbol:      symbol,
		MinQty:      decimal.RequireFromString("0.001"),
		StepSize:    decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.01"),
		MinNotional: decimal.NewFromInt(5),
		MaxLeverage: 125,
	}
}

func (v *Venue) leverageLocked(symbol string) int {
	if l := v.leverage[symbol]; l > 0 {
		return l
	}
	return 1
}

func (v *Venue) checkQuantity(op, symbol string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return common.Errorf(common.KindValidation, v.cfg.Name, op, "quantity must be positive")
	}
	lim := v.limitsLocked(symbol)
	if qty.LessThan(lim.MinQty) {
		return common.Errorf(common.KindValidation, v.cfg.Name, op, "quantity %s below minimum %s", qty, lim.MinQty)
	}
	if lim.StepSize.IsPositive() && !qty.Sub(lim.MinQty).Mod(lim.StepSize).IsZero() {
		return common.Errorf(common.KindValidation, v.cfg.Name, op, "quantity %s not a multiple of step %s", qty, lim.StepSize)
	}
	return nil
}

func (v *Venue) slip(price decimal.Decimal, side common.Side) decimal.Decimal {
	if v.cfg.SlippageBps <= 0 {
		return price
	}
	noise := decimal.NewFromFloat(rand.Float64() * v.cfg.SlippageBps / 10000)
	if side == common.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(noise))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(noise))
}

func (v *Venue) fillLocked(symbol string, side common.Side, qty, price decimal.Decimal, reduceOnly bool) error {
	fee := qty.Mul(price).Mul(decimal.NewFromFloat(v.cfg.FeeRate))
	p, ok := v.positions[symbol]

	if !ok {
		if reduceOnly {
			return common.Errorf(common.KindRejected, v.cfg.Name, OpMarketOrder, "reduce-only order rejected: no position")
		}
		ps := common.PositionLong
		if side == common.SideSell {
			ps = common.PositionShort
		}
		v.positions[symbol] = &position{side: ps, qty: qty, entry: price, leverage: v.leverageLocked(symbol)}
		v.balance = v.balance.Sub(fee)
		return nil
	}

	if side == p.side.EntrySide() {
		if reduceOnly {
			return common.Errorf(common.KindRejected, v.cfg.Name, OpMarketOrder, "reduce-only order rejected: same side")
		}
		total := p.qty.Mul(p.entry).Add(qty.Mul(price))
		p.qty = p.qty.Add(qty)
		p.entry = total.Div(p.qty)
		v.balance = v.balance.Sub(fee)
		return nil
	}

	closed := decimal.Min(qty, p.qty)
	v.balance = v.balance.Add(pnl(p.side, p.entry, price, closed)).Sub(fee)
	p.qty = p.qty.Sub(closed)
	if !p.qty.IsPositive() {
		delete(v.positions, symbol)
	}
	return nil
}

func (v *Venue) triggerStopsLocked(symbol string, price decimal.Decimal) {
	if p, ok := v.positions[symbol]; ok && p.stopLoss.IsPositive() {
		hit := (p.side == common.PositionLong && price.LessThanOrEqual(p.stopLoss)) ||
			(p.side == common.PositionShort && price.GreaterThanOrEqual(p.stopLoss))
		if hit {
			_ = v.fillLocked(symbol, p.side.ExitSide(), p.qty, p.stopLoss, true)
			v.log.Info().Str("symbol", symbol).Str("stop", p.stopLoss.String()).Msg("attached stop triggered")
		}
	}
	for _, o := range v.orders {
		if o.Symbol != symbol || o.Type != common.OrderTypeStopMarket || o.Status.Terminal() {
			continue
		}
		hit := (o.Side == common.SideSell && price.LessThanOrEqual(o.StopPrice)) ||
			(o.Side == common.SideBuy && price.GreaterThanOrEqual(o.StopPrice))
		if !hit {
			continue
		}
		if err := v.fillLocked(symbol, o.Side, o.Quantity, o.StopPrice, o.ReduceOnly); err != nil {
			o.Status = common.StatusExpired
			continue
		}
		o.Status = common.StatusFilled
		o.Filled = o.Quantity
		o.AvgPrice = o.StopPrice
		v.log.Info().Str("symbol", symbol).Str("order_id", o.ID).Msg("stop order triggered")
	}
}

func pnl(side common.PositionSide, entry, mark, qty decimal.Decimal) decimal.Decimal {
	if !mark.IsPositive() {
		return decimal.Zero
	}
	diff := mark.Sub(entry)
	if side == common.PositionShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// ErrInjected is a convenience transient error for fault injection.
var ErrInjected = common.NewError(common.KindTransient, "paper", "injected", errors.New("connection reset"))

// String renders the venue state for debugging.
func (v *Venue) String() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := fmt.Sprintf("paper[%s] balance=%s", v.cfg.Name, v.balance.StringFixed(2))
	for sym, p := range v.positions {
		s += fmt.Sprintf(" %s:%s:%s@%s", sym, p.side, p.qty, p.entry)
	}
	return s
}
