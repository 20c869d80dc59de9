package bybit

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

const category = "linear"

func (c *Client) Name() string { return venueName }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		AtomicProtection: true,
		Symbols:          common.SymbolFormat{QuoteAssets: c.cfg.Quotes},
		SettlementAsset:  "USDT",
	}
}

func (c *Client) Ticker(ctx context.Context, symbol string) (common.Ticker, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}}
	var res struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/tickers", q, false, "ticker", &res); err != nil {
		return common.Ticker{}, err
	}
	for _, t := range res.List {
		if t.Symbol == symbol {
			return common.Ticker{Symbol: symbol, Bid: dec(t.Bid1Price), Ask: dec(t.Ask1Price), Last: dec(t.LastPrice), Time: time.Now()}, nil
		}
	}
	return common.Ticker{}, common.Errorf(common.KindValidation, venueName, "ticker", "unknown symbol %s", symbol)
}

func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (common.OrderBook, error) {
	if depth <= 0 {
		depth = 5
	}
	q := url.Values{"category": {category}, "symbol": {symbol}, "limit": {strconv.Itoa(depth)}}
	var res struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		TS   int64      `json:"ts"`
	}
	if err := c.get(ctx, "/v5/market/orderbook", q, false, "orderbook", &res); err != nil {
		return common.OrderBook{}, err
	}
	ob := common.OrderBook{Symbol: symbol, Time: time.UnixMilli(res.TS)}
	for _, l := range res.Bids {
		if len(l) >= 2 {
			ob.Bids = append(ob.Bids, common.Level{Price: dec(l[0]), Qty: dec(l[1])})
		}
	}
	for _, l := range res.Asks {
		if len(l) >= 2 {
			ob.Asks = append(ob.Asks, common.Level{Price: dec(l[0]), Qty: dec(l[1])})
		}
	}
	return ob, nil
}

type positionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	StopLoss      string `json:"stopLoss"`
}

func (c *Client) Positions(ctx context.Context) ([]common.PositionInfo, error) {
	var out []common.PositionInfo
	cursor := ""
	for {
		q := url.Values{"category": {category}, "settleCoin": {"USDT"}, "limit": {"200"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var res struct {
			List           []positionRow `json:"list"`
			NextPageCursor string        `json:"nextPageCursor"`
		}
		if err := c.get(ctx, "/v5/position/list", q, true, "positions", &res); err != nil {
			return nil, err
		}
		for _, p := range res.List {
			size := dec(p.Size)
			if !size.IsPositive() {
				continue
			}
			var side common.PositionSide
			switch p.Side {
			case "Buy":
				side = common.PositionLong
			case "Sell":
				side = common.PositionShort
			default:
				return nil, common.Errorf(common.KindTransient, venueName, "positions", "position %s has side %q", p.Symbol, p.Side)
			}
			lev, _ := strconv.ParseFloat(p.Leverage, 64)
			out = append(out, common.PositionInfo{
				Symbol:        p.Symbol,
				Side:          side,
				Quantity:      size,
				EntryPrice:    dec(p.AvgPrice),
				MarkPrice:     dec(p.MarkPrice),
				UnrealizedPnL: dec(p.UnrealisedPnl),
				Leverage:      int(lev),
				StopLoss:      dec(p.StopLoss),
			})
		}
		if res.NextPageCursor == "" || res.NextPageCursor == cursor {
			return out, nil
		}
		cursor = res.NextPageCursor
	}
}

func (c *Client) Balance(ctx context.Context) (common.Balance, error) {
	q := url.Values{"accountType": {"UNIFIED"}, "coin": {"USDT"}}
	var res struct {
		List []struct {
			TotalMarginBalance    string `json:"totalMarginBalance"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			Coin                  []struct {
				Coin            string `json:"coin"`
				TotalPositionIM string `json:"totalPositionIM"`
				TotalOrderIM    string `json:"totalOrderIM"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/account/wallet-balance", q, true, "balance", &res); err != nil {
		return common.Balance{}, err
	}
	if len(res.List) == 0 {
		return common.Balance{}, common.Errorf(common.KindTransient, venueName, "balance", "empty wallet response")
	}
	acc := res.List[0]
	b := common.Balance{
		Asset:              "USDT",
		TotalMarginBalance: dec(acc.TotalMarginBalance),
		Free:               dec(acc.TotalAvailableBalance),
	}
	for _, coin := range acc.Coin {
		if coin.Coin == "USDT" {
			b.PositionMargin = dec(coin.TotalPositionIM)
			b.OpenOrderMargin = dec(coin.TotalOrderIM)
		}
	}
	return b, nil
}

func (c *Client) MarketLimits(ctx context.Context, symbol string) (common.MarketLimits, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}}
	var res struct {
		List []struct {
			Symbol         string `json:"symbol"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				MinOrderQty      string `json:"minOrderQty"`
				QtyStep          string `json:"qtyStep"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/instruments-info", q, false, "market_limits", &res); err != nil {
		return common.MarketLimits{}, err
	}
	for _, s := range res.List {
		if s.Symbol != symbol {
			continue
		}
		maxLev, _ := strconv.ParseFloat(s.LeverageFilter.MaxLeverage, 64)
		return common.MarketLimits{
			Symbol:      symbol,
			MinQty:      dec(s.LotSizeFilter.MinOrderQty),
			StepSize:    dec(s.LotSizeFilter.QtyStep),
			TickSize:    dec(s.PriceFilter.TickSize),
			MinNotional: dec(s.LotSizeFilter.MinNotionalValue),
			MaxLeverage: int(maxLev),
		}, nil
	}
	return common.MarketLimits{}, common.Errorf(common.KindValidation, venueName, "market_limits", "unknown symbol %s", symbol)
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	body := map[string]any{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"qty":         req.Quantity.String(),
		"positionIdx": 0,
	}
	if req.ClientID != "" {
		body["orderLinkId"] = req.ClientID
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	switch req.Type {
	case common.OrderTypeMarket:
		body["orderType"] = "Market"
	case common.OrderTypeLimit:
		body["orderType"] = "Limit"
		body["price"] = req.Price.String()
		body["timeInForce"] = "GTC"
	case common.OrderTypeStopMarket:
		body["orderType"] = "Market"
		body["triggerPrice"] = req.StopPrice.String()
		body["triggerBy"] = "MarkPrice"
		// sell stops fire on a falling price, buy stops on a rising one
		if req.Side == common.SideSell {
			body["triggerDirection"] = 2
		} else {
			body["triggerDirection"] = 1
		}
	default:
		return common.Order{}, common.Errorf(common.KindValidation, venueName, "place_order", "unsupported order type %s", req.Type)
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.post(ctx, "/v5/order/create", body, "place_order", &res); err != nil {
		return common.Order{}, err
	}
	placed := common.Order{
		ID:         res.OrderID,
		ClientID:   res.OrderLinkID,
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
	if req.Type != common.OrderTypeMarket {
		return placed, nil
	}
	// create only acknowledges; read back the fill
	if o, err := c.Order(ctx, req.Symbol, res.OrderID); err == nil {
		return o, nil
	}
	return placed, nil
}

type orderRow struct {
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	StopOrderType string `json:"stopOrderType"`
	OrderStatus   string `json:"orderStatus"`
	Qty           string `json:"qty"`
	CumExecQty    string `json:"cumExecQty"`
	AvgPrice      string `json:"avgPrice"`
	Price         string `json:"price"`
	TriggerPrice  string `json:"triggerPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	CreatedTime   string `json:"createdTime"`
}

func (o orderRow) convert() common.Order {
	typ := common.OrderTypeMarket
	if o.OrderType == "Limit" {
		typ = common.OrderTypeLimit
	}
	if dec(o.TriggerPrice).IsPositive() && o.OrderType == "Market" {
		typ = common.OrderTypeStopMarket
	}
	side := common.SideBuy
	if o.Side == "Sell" {
		side = common.SideSell
	}
	ms, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
	return common.Order{
		ID:         o.OrderID,
		ClientID:   o.OrderLinkID,
		Symbol:     o.Symbol,
		Side:       side,
		Type:       typ,
		Status:     mapStatus(o.OrderStatus),
		Quantity:   dec(o.Qty),
		Filled:     dec(o.CumExecQty),
		AvgPrice:   dec(o.AvgPrice),
		Price:      dec(o.Price),
		StopPrice:  dec(o.TriggerPrice),
		ReduceOnly: o.ReduceOnly,
		Time:       time.UnixMilli(ms),
	}
}

func (c *Client) Order(ctx context.Context, symbol, orderID string) (common.Order, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}, "orderId": {orderID}}
	var res struct {
		List []orderRow `json:"list"`
	}
	if err := c.get(ctx, "/v5/order/realtime", q, true, "order", &res); err != nil {
		return common.Order{}, err
	}
	for _, o := range res.List {
		if o.OrderID == orderID {
			return o.convert(), nil
		}
	}
	return common.Order{}, common.Errorf(common.KindExpectedAbsence, venueName, "order", "order %s not found", orderID)
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{"category": category, "symbol": symbol, "orderId": orderID}
	return c.post(ctx, "/v5/order/cancel", body, "cancel", nil)
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}, "openOnly": {"0"}, "limit": {"50"}}
	var res struct {
		List []orderRow `json:"list"`
	}
	if err := c.get(ctx, "/v5/order/realtime", q, true, "open_orders", &res); err != nil {
		return nil, err
	}
	out := make([]common.Order, 0, len(res.List))
	for _, o := range res.List {
		conv := o.convert()
		if conv.Status.Terminal() {
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{"category": category, "symbol": symbol, "buyLeverage": lev, "sellLeverage": lev}
	return c.post(ctx, "/v5/position/set-leverage", body, "leverage", nil)
}

func (c *Client) SetTradingStop(ctx context.Context, req common.TradingStopRequest) error {
	body := map[string]any{
		"category":    category,
		"symbol":      req.Symbol,
		"stopLoss":    req.StopLoss.String(),
		"slTriggerBy": "MarkPrice",
		"tpslMode":    "Full",
		"positionIdx": 0,
	}
	return c.post(ctx, "/v5/position/trading-stop", body, "trading_stop", nil)
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ServerTime(ctx)
	return err
}

func bybitSide(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Untriggered", "Created", "Triggered":
		return common.StatusNew
	case "PartiallyFilled":
		return common.StatusPartial
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
	}
	return common.StatusUnknown
}

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
