package bybit

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, zerolog.Nop())
}

func writeEnv(w http.ResponseWriter, code int64, msg string, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(envelope{RetCode: code, RetMsg: msg, Result: raw})
}

func TestSignedRequestHeaders(t *testing.T) {
	var gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		ts := r.Header.Get("X-BAPI-TIMESTAMP")
		recv := r.Header.Get("X-BAPI-RECV-WINDOW")
		want := sign(ts+"key"+recv+gotBody, "secret")
		if r.Header.Get("X-BAPI-API-KEY") != "key" || r.Header.Get("X-BAPI-SIGN") != want {
			writeEnv(w, 10004, "bad sign", nil)
			return
		}
		w.Header().Set("X-Bapi-Limit-Status", "9")
		w.Header().Set("X-Bapi-Limit", "10")
		writeEnv(w, 0, "OK", map[string]any{})
	})

	if err := c.SetLeverage(t.Context(), "BTCUSDT", 5); err != nil {
		t.Fatalf("set leverage: %v", err)
	}
	if gotBody == "" {
		t.Fatalf("expected JSON body")
	}
	if used, limit, _ := c.Weight().Usage(); used != 1 || limit != 10 {
		t.Fatalf("expected weight 1/10 from headers, got %d/%d", used, limit)
	}
}

func TestRetCodeClassification(t *testing.T) {
	tests := []struct {
		name string
		code int64
		want common.Kind
	}{
		{"trading stop not modified", 34040, common.KindNotModified},
		{"leverage not modified", 110043, common.KindNotModified},
		{"order missing", 110001, common.KindExpectedAbsence},
		{"rate limited", 10006, common.KindRateLimit},
		{"insufficient balance", 110007, common.KindRejected},
		{"unmapped", 999999, common.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeEnv(w, tt.code, "boom", nil)
			})
			err := c.CancelOrder(t.Context(), "BTCUSDT", "1")
			if got := common.KindOf(err); got != tt.want {
				t.Fatalf("kind = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Ticker(t.Context(), "BTCUSDT")
	if !common.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestPositionsParsing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnv(w, 0, "OK", map[string]any{
			"list": []map[string]string{
				{"symbol": "BTCUSDT", "side": "Sell", "size": "0.5", "avgPrice": "60000", "markPrice": "59900", "unrealisedPnl": "50", "leverage": "10", "stopLoss": "61200"},
				{"symbol": "ETHUSDT", "side": "", "size": "0", "avgPrice": "0"},
			},
		})
	})
	ps, err := c.Positions(t.Context())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(ps) != 1 {
		t.Fatalf("expected one open position, got %d", len(ps))
	}
	p := ps[0]
	if p.Side != common.PositionShort || !p.Quantity.Equal(decimal.RequireFromString("0.5")) || p.Leverage != 10 {
		t.Fatalf("unexpected position %+v", p)
	}
	if !p.StopLoss.Equal(decimal.RequireFromString("61200")) {
		t.Fatalf("stop loss not parsed: %s", p.StopLoss)
	}
}

func TestStopOrderTriggerDirection(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeEnv(w, 0, "OK", map[string]string{"orderId": "77", "orderLinkId": "pl-x"})
	})
	o, err := c.PlaceOrder(t.Context(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeStopMarket,
		Quantity: decimal.RequireFromString("0.01"), StopPrice: decimal.RequireFromString("58000"), ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.ID != "77" || !o.IsProtective() {
		t.Fatalf("unexpected order %+v", o)
	}
	if body["triggerDirection"] != float64(2) || body["orderType"] != "Market" || body["reduceOnly"] != true {
		t.Fatalf("unexpected request body %v", body)
	}
}

func TestCapabilitiesAdvertiseAtomic(t *testing.T) {
	c := NewClient(Config{}, zerolog.Nop())
	if !c.Capabilities().AtomicProtection {
		t.Fatalf("bybit attaches stops to positions")
	}
}
