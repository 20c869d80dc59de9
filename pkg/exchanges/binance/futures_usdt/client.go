package futures_usdt

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

const venueName = "binance"

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Quotes    []string
}

// Client adapts the Binance USDT-M futures API to common.Venue. Binance
// has no position-attached stop, so protection is a resting STOP_MARKET.
type Client struct {
	cfg    Config
	api    *futures.Client
	weight *common.WeightTracker
	log    zerolog.Logger
	info   struct {
		sync.Mutex
		symbols map[string]futures.Symbol
		fetched time.Time
	}
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	api := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		api.BaseURL = "https://testnet.binancefuture.com"
	}
	l := log.With().Str("component", "binance_usdtfut").Logger()
	weight := common.NewWeightTracker(2400, time.Minute, l)
	api.HTTPClient = &http.Client{
		Timeout:   10 * time.Second,
		Transport: &weightTransport{base: http.DefaultTransport, weight: weight},
	}
	if len(cfg.Quotes) == 0 {
		cfg.Quotes = []string{"USDT", "USDC", "BUSD"}
	}
	return &Client{cfg: cfg, api: api, weight: weight, log: l}
}

// Weight exposes the used request weight Binance reports on every response.
func (c *Client) Weight() *common.WeightTracker { return c.weight }

// weightTransport reads X-MBX-USED-WEIGHT-1M off every response; the SDK
// does not surface response headers.
type weightTransport struct {
	base   http.RoundTripper
	weight *common.WeightTracker
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err == nil && res != nil {
		t.weight.UpdateFromHeader(res.Header.Get("X-Mbx-Used-Weight-1m"))
	}
	return res, err
}

func (c *Client) Name() string { return venueName }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		AtomicProtection: false,
		Symbols:          common.SymbolFormat{QuoteAssets: c.cfg.Quotes},
		SettlementAsset:  "USDT",
	}
}

// SyncTime aligns request timestamps with the server clock.
func (c *Client) SyncTime(ctx context.Context) error {
	offset, err := c.api.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return classify("server_time", err)
	}
	c.log.Debug().Int64("offset_ms", offset).Msg("time synced")
	return nil
}

func (c *Client) Ticker(ctx context.Context, symbol string) (common.Ticker, error) {
	res, err := c.api.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return common.Ticker{}, classify("ticker", err)
	}
	for _, bt := range res {
		if bt.Symbol != symbol {
			continue
		}
		bid, err1 := decimal.NewFromString(bt.BidPrice)
		ask, err2 := decimal.NewFromString(bt.AskPrice)
		if err1 != nil || err2 != nil {
			return common.Ticker{}, common.Errorf(common.KindTransient, venueName, "ticker", "malformed book ticker for %s", symbol)
		}
		t := common.Ticker{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now()}
		t.Last = t.Mid()
		return t, nil
	}
	return common.Ticker{}, common.Errorf(common.KindValidation, venueName, "ticker", "unknown symbol %s", symbol)
}

func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (common.OrderBook, error) {
	if depth <= 0 {
		depth = 5
	}
	res, err := c.api.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return common.OrderBook{}, classify("orderbook", err)
	}
	ob := common.OrderBook{Symbol: symbol, Time: time.UnixMilli(res.Time)}
	for _, b := range res.Bids {
		ob.Bids = append(ob.Bids, common.Level{Price: dec(b.Price), Qty: dec(b.Quantity)})
	}
	for _, a := range res.Asks {
		ob.Asks = append(ob.Asks, common.Level{Price: dec(a.Price), Qty: dec(a.Quantity)})
	}
	return ob, nil
}

func (c *Client) Positions(ctx context.Context) ([]common.PositionInfo, error) {
	res, err := c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify("positions", err)
	}
	out := make([]common.PositionInfo, 0, len(res))
	for _, p := range res {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return nil, common.Errorf(common.KindTransient, venueName, "positions", "malformed positionAmt %q for %s", p.PositionAmt, p.Symbol)
		}
		if amt.IsZero() {
			continue
		}
		side := common.PositionLong
		if amt.IsNegative() {
			side = common.PositionShort
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, common.PositionInfo{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      amt.Abs(),
			EntryPrice:    dec(p.EntryPrice),
			MarkPrice:     dec(p.MarkPrice),
			UnrealizedPnL: dec(p.UnRealizedProfit),
			Leverage:      lev,
		})
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context) (common.Balance, error) {
	acc, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return common.Balance{}, classify("balance", err)
	}
	return common.Balance{
		Asset:              "USDT",
		TotalMarginBalance: dec(acc.TotalMarginBalance),
		PositionMargin:     dec(acc.TotalPositionInitialMargin),
		OpenOrderMargin:    dec(acc.TotalOpenOrderInitialMargin),
		Free:               dec(acc.AvailableBalance),
	}, nil
}

func (c *Client) MarketLimits(ctx context.Context, symbol string) (common.MarketLimits, error) {
	s, err := c.symbolInfo(ctx, symbol)
	if err != nil {
		return common.MarketLimits{}, err
	}
	lim := common.MarketLimits{Symbol: symbol}
	if f := s.LotSizeFilter(); f != nil {
		lim.MinQty = dec(f.MinQuantity)
		lim.StepSize = dec(f.StepSize)
	}
	if f := s.PriceFilter(); f != nil {
		lim.TickSize = dec(f.TickSize)
	}
	if f := s.MinNotionalFilter(); f != nil {
		lim.MinNotional = dec(f.Notional)
	}

	risk, err := c.api.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return common.MarketLimits{}, classify("market_limits", err)
	}
	for _, p := range risk {
		if p.Symbol == symbol {
			lim.MaxNotional = dec(p.MaxNotionalValue)
			lim.MaxLeverage, _ = strconv.Atoi(p.Leverage)
			break
		}
	}
	return lim, nil
}

func (c *Client) symbolInfo(ctx context.Context, symbol string) (futures.Symbol, error) {
	c.info.Lock()
	defer c.info.Unlock()
	if c.info.symbols == nil || time.Since(c.info.fetched) > time.Hour {
		info, err := c.api.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return futures.Symbol{}, classify("exchange_info", err)
		}
		c.info.symbols = make(map[string]futures.Symbol, len(info.Symbols))
		for _, s := range info.Symbols {
			c.info.symbols[s.Symbol] = s
		}
		c.info.fetched = time.Now()
	}
	s, ok := c.info.symbols[symbol]
	if !ok {
		return futures.Symbol{}, common.Errorf(common.KindValidation, venueName, "exchange_info", "unknown symbol %s", symbol)
	}
	return s, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(req.Quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	switch req.Type {
	case common.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case common.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(req.Price.String())
	case common.OrderTypeStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(req.StopPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return common.Order{}, common.Errorf(common.KindValidation, venueName, "place_order", "unsupported order type %s", req.Type)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return common.Order{}, classify("place_order", err)
	}
	return common.Order{
		ID:         strconv.FormatInt(res.OrderID, 10),
		ClientID:   res.ClientOrderID,
		Symbol:     res.Symbol,
		Side:       common.Side(res.Side),
		Type:       mapType(string(res.Type)),
		Status:     mapStatus(string(res.Status)),
		Quantity:   dec(res.OrigQuantity),
		Filled:     dec(res.ExecutedQuantity),
		AvgPrice:   dec(res.AvgPrice),
		Price:      dec(res.Price),
		StopPrice:  dec(res.StopPrice),
		ReduceOnly: res.ReduceOnly,
		Time:       time.UnixMilli(res.UpdateTime),
	}, nil
}

func (c *Client) Order(ctx context.Context, symbol, orderID string) (common.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return common.Order{}, common.Errorf(common.KindValidation, venueName, "order", "bad order id %q", orderID)
	}
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return common.Order{}, classify("order", err)
	}
	return convertOrder(o), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return common.Errorf(common.KindValidation, venueName, "cancel", "bad order id %q", orderID)
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return classify("cancel", err)
	}
	return nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	res, err := c.api.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("open_orders", err)
	}
	out := make([]common.Order, 0, len(res))
	for _, o := range res {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if _, err := c.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return classify("leverage", err)
	}
	return nil
}

func (c *Client) SetTradingStop(ctx context.Context, req common.TradingStopRequest) error {
	return common.Errorf(common.KindValidation, venueName, "trading_stop", "binance futures has no position-attached stop")
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.api.NewPingService().Do(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// CreateListenKey starts a user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	key, err := c.api.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classify("listen_key", err)
	}
	return key, nil
}

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if err := c.api.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return classify("listen_key_keepalive", err)
	}
	return nil
}

func convertOrder(o *futures.Order) common.Order {
	typ := mapType(string(o.Type))
	if o.OrigType != "" {
		// triggered stops report MARKET as Type and keep the original in OrigType
		if ot := mapType(string(o.OrigType)); ot == common.OrderTypeStopMarket {
			typ = ot
		}
	}
	return common.Order{
		ID:         strconv.FormatInt(o.OrderID, 10),
		ClientID:   o.ClientOrderID,
		Symbol:     o.Symbol,
		Side:       common.Side(o.Side),
		Type:       typ,
		Status:     mapStatus(string(o.Status)),
		Quantity:   dec(o.OrigQuantity),
		Filled:     dec(o.ExecutedQuantity),
		AvgPrice:   dec(o.AvgPrice),
		Price:      dec(o.Price),
		StopPrice:  dec(o.StopPrice),
		ReduceOnly: o.ReduceOnly || o.ClosePosition,
		Time:       time.UnixMilli(o.Time),
	}
}

func mapType(t string) common.OrderType {
	switch t {
	case "MARKET":
		return common.OrderTypeMarket
	case "LIMIT":
		return common.OrderTypeLimit
	case "STOP_MARKET", "STOP":
		return common.OrderTypeStopMarket
	}
	return common.OrderType(t)
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	}
	return common.StatusUnknown
}

// dec parses a venue decimal, treating empty or malformed as zero.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

var _ common.Venue = (*Client)(nil)
