package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/internal/engine"
	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/monitor"
	"github.com/JacobJanuary/TradingBot-sub002/internal/protection"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

type fakeEngine struct {
	mu        sync.Mutex
	positions map[string]engine.Position
	openErr   error
	closed    []string
	stops     []decimal.Decimal
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{positions: map[string]engine.Position{}}
}

func (f *fakeEngine) Open(_ context.Context, req engine.OpenRequest) (engine.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return engine.Position{}, f.openErr
	}
	p := engine.Position{
		ID: int64(len(f.positions) + 1), Exchange: req.Exchange, Symbol: req.Symbol, Side: req.Side,
		Quantity: decimal.RequireFromString("0.02"), EntryPrice: decimal.RequireFromString("50000"),
		State: engine.StateActive,
	}
	f.positions[lock.Key(req.Exchange, req.Symbol)] = p
	return p, nil
}

func (f *fakeEngine) Close(_ context.Context, exchange, symbol, reason string) (engine.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := lock.Key(exchange, symbol)
	if _, ok := f.positions[key]; !ok {
		return engine.CloseResult{}, fmt.Errorf("%w: %s", engine.ErrPositionNotFound, key)
	}
	delete(f.positions, key)
	f.closed = append(f.closed, key+" "+reason)
	return engine.CloseResult{Exchange: exchange, Symbol: symbol, Reason: reason}, nil
}

func (f *fakeEngine) UpdateStopLoss(_ context.Context, exchange, symbol string, trigger decimal.Decimal) (engine.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[lock.Key(exchange, symbol)]
	if !ok {
		return engine.Position{}, engine.ErrPositionNotFound
	}
	f.stops = append(f.stops, trigger)
	p.Protection.TriggerPrice = trigger
	return p, nil
}

func (f *fakeEngine) Positions() []engine.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out
}

func (f *fakeEngine) Position(exchange, symbol string) (engine.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[lock.Key(exchange, symbol)]
	return p, ok
}

func (f *fakeEngine) Stats() engine.Stats {
	return engine.Stats{Tracked: len(f.Positions())}
}

type testServer struct {
	*httptest.Server
	engine  *fakeEngine
	metrics *monitor.Metrics
}

func newTestAPIServer(t *testing.T, allowRegistration bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	locks := lock.NewManager(0, zerolog.Nop())
	t.Cleanup(locks.Close)
	fe := newFakeEngine()

	server := NewServer(Deps{
		Engine:    fe,
		Risk:      risk.NewManager(risk.Limits{MaxPositions: 3}, database, zerolog.Nop()),
		Trades:    database,
		Operators: database,
		Metrics:   metrics,
		Alerts:    monitor.NewAlerter(bus, metrics, zerolog.Nop()),
		Locks:     locks,
		Bus:       bus,
	}, Options{
		JWTSecret:         "test-secret",
		AllowRegistration: allowRegistration,
		Meta:              SystemMeta{DryRun: true, Exchanges: []string{"paper"}, Storage: "sqlite", Version: "test"},
	}, zerolog.Nop())

	ts := httptest.NewServer(server.Router)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, engine: fe, metrics: metrics}
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, ts *testServer) string {
	t.Helper()
	client := ts.Client()
	var regResp struct {
		OperatorID string `json:"operator_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"email":    "ops@example.com",
		"password": "StrongPass123!",
	}, &regResp)
	if status != http.StatusCreated || regResp.OperatorID == "" {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestRegistrationDisabledByDefault(t *testing.T) {
	ts := newTestAPIServer(t, false)

	var resp errorResponse
	status := doJSONRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"email":    "ops@example.com",
		"password": "StrongPass123!",
	}, &resp)
	if status != http.StatusForbidden || resp.Code != "REGISTRATION_DISABLED" {
		t.Fatalf("expected 403 REGISTRATION_DISABLED, got %d %+v", status, resp)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ts := newTestAPIServer(t, true)
	registerAndLogin(t, ts)

	var resp errorResponse
	status := doJSONRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "wrong-password",
	}, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d %+v", status, resp)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestAPIServer(t, true)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing", header: "", code: "MISSING_TOKEN"},
		{name: "wrong scheme", header: "Basic abc", code: "INVALID_AUTH_HEADER"},
		{name: "garbage token", header: "Bearer not-a-jwt", code: "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/positions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			var body errorResponse
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != http.StatusUnauthorized || body.Code != tt.code {
				t.Fatalf("got %d %+v, want 401 %s", resp.StatusCode, body, tt.code)
			}
		})
	}
}

func TestOpenAndListPositions(t *testing.T) {
	ts := newTestAPIServer(t, true)
	client := ts.Client()
	token := registerAndLogin(t, ts)

	var opened engine.Position
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions", token, map[string]any{
		"exchange": "paper",
		"symbol":   "BTC/USDT",
		"side":     "LONG",
		"size_usd": "1000",
	}, &opened)
	if status != http.StatusCreated {
		t.Fatalf("open status=%d", status)
	}
	if opened.Side != common.PositionLong || opened.State != engine.StateActive {
		t.Fatalf("opened = %+v", opened)
	}

	var list []engine.Position
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/positions", token, nil, &list); status != http.StatusOK {
		t.Fatalf("list status=%d", status)
	}
	if len(list) != 1 || list[0].Symbol != "BTC/USDT" {
		t.Fatalf("list = %+v", list)
	}

	var one engine.Position
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/position?exchange=paper&symbol=BTC/USDT", token, nil, &one)
	if status != http.StatusOK || !one.Quantity.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("get status=%d position=%+v", status, one)
	}
}

func TestOpenPositionValidation(t *testing.T) {
	ts := newTestAPIServer(t, true)
	token := registerAndLogin(t, ts)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{name: "missing symbol", payload: map[string]any{"exchange": "paper", "side": "long"}},
		{name: "bad side", payload: map[string]any{"exchange": "paper", "symbol": "BTC/USDT", "side": "up"}},
		{name: "negative size", payload: map[string]any{"exchange": "paper", "symbol": "BTC/USDT", "side": "long", "size_usd": -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			status := doJSONRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/positions", token, tt.payload, &resp)
			if status != http.StatusBadRequest || resp.Code != "INVALID_REQUEST" {
				t.Fatalf("expected 400 INVALID_REQUEST, got %d %+v", status, resp)
			}
		})
	}
	if n := len(ts.engine.Positions()); n != 0 {
		t.Fatalf("engine reached on invalid input: %d positions", n)
	}
}

func TestOpenPositionErrorMapping(t *testing.T) {
	ts := newTestAPIServer(t, true)
	token := registerAndLogin(t, ts)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "exists", err: fmt.Errorf("%w: paper:BTC/USDT", engine.ErrPositionExists), status: http.StatusConflict, code: "POSITION_EXISTS"},
		{name: "risk", err: fmt.Errorf("%w: max positions", risk.ErrRejected), status: http.StatusUnprocessableEntity, code: "RISK_REJECTED"},
		{name: "protection", err: fmt.Errorf("protect: %w", protection.ErrProtectionFailed), status: http.StatusBadGateway, code: "PROTECTION_FAILED"},
		{name: "busy", err: &lock.TimeoutError{Key: "paper:BTC/USDT", Holder: "close-1"}, status: http.StatusConflict, code: "SYMBOL_BUSY"},
		{name: "venue validation", err: common.Errorf(common.KindValidation, "paper", "order", "bad qty"), status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, code: "ENGINE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.engine.mu.Lock()
			ts.engine.openErr = tt.err
			ts.engine.mu.Unlock()

			var resp errorResponse
			status := doJSONRequest(t, ts.Client(), http.MethodPost, ts.URL+"/api/positions", token, map[string]any{
				"exchange": "paper", "symbol": "BTC/USDT", "side": "long",
			}, &resp)
			if status != tt.status || resp.Code != tt.code {
				t.Fatalf("got %d %+v, want %d %s", status, resp, tt.status, tt.code)
			}
		})
	}
}

func TestClosePosition(t *testing.T) {
	ts := newTestAPIServer(t, true)
	client := ts.Client()
	token := registerAndLogin(t, ts)

	var resp errorResponse
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/close", token, map[string]any{
		"exchange": "paper", "symbol": "ETH/USDT",
	}, &resp)
	if status != http.StatusNotFound || resp.Code != "NOT_FOUND" {
		t.Fatalf("close untracked: %d %+v", status, resp)
	}

	doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions", token, map[string]any{
		"exchange": "paper", "symbol": "ETH/USDT", "side": "short",
	}, nil)
	var res engine.CloseResult
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/close", token, map[string]any{
		"exchange": "paper", "symbol": "ETH/USDT",
	}, &res)
	if status != http.StatusOK || res.Reason != "manual" {
		t.Fatalf("close status=%d res=%+v", status, res)
	}
	if len(ts.engine.closed) != 1 || ts.engine.closed[0] != "paper:ETH/USDT manual" {
		t.Fatalf("engine closes = %v", ts.engine.closed)
	}
}

func TestUpdateStopLoss(t *testing.T) {
	ts := newTestAPIServer(t, true)
	client := ts.Client()
	token := registerAndLogin(t, ts)
	doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions", token, map[string]any{
		"exchange": "paper", "symbol": "BTC/USDT", "side": "long",
	}, nil)

	var resp errorResponse
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/stop", token, map[string]any{
		"exchange": "paper", "symbol": "BTC/USDT", "stop_price": 0,
	}, &resp)
	if status != http.StatusBadRequest {
		t.Fatalf("zero stop accepted: %d %+v", status, resp)
	}

	var p engine.Position
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/stop", token, map[string]any{
		"exchange": "paper", "symbol": "BTC/USDT", "stop_price": "49500.5",
	}, &p)
	if status != http.StatusOK || !p.Protection.TriggerPrice.Equal(decimal.RequireFromString("49500.5")) {
		t.Fatalf("stop status=%d position=%+v", status, p)
	}
}

func TestReadEndpoints(t *testing.T) {
	ts := newTestAPIServer(t, true)
	token := registerAndLogin(t, ts)

	tests := []struct {
		path   string
		status int
	}{
		{path: "/api/risk", status: http.StatusOK},
		{path: "/api/risk/daily?days=7", status: http.StatusOK},
		{path: "/api/risk/daily?days=0", status: http.StatusBadRequest},
		{path: "/api/alerts?limit=5", status: http.StatusOK},
		{path: "/api/locks", status: http.StatusOK},
		{path: "/api/reconciliation", status: http.StatusServiceUnavailable},
		{path: "/api/gateways", status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if status := doJSONRequest(t, ts.Client(), http.MethodGet, ts.URL+tt.path, token, nil, nil); status != tt.status {
				t.Fatalf("status = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestPromMetrics(t *testing.T) {
	ts := newTestAPIServer(t, true)
	ts.metrics.RolledBack()

	resp, err := ts.Client().Get(ts.URL + "/api/metrics/prom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{"ple_rollbacks_total 1", "ple_positions_tracked 0"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
