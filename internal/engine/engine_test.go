package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
	"github.com/JacobJanuary/TradingBot-sub002/internal/gateway"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/monitor"
	"github.com/JacobJanuary/TradingBot-sub002/internal/protection"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/internal/state"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/paper"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordedAlert struct {
	typ, symbol, reason string
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []recordedAlert
	// onAlert runs synchronously after an alert is recorded.
	onAlert func(typ string)
}

func (a *recordingAlerter) Alert(_ context.Context, typ, _, symbol string, details map[string]any) {
	reason, _ := details["reason"].(string)
	a.mu.Lock()
	a.alerts = append(a.alerts, recordedAlert{typ: typ, symbol: symbol, reason: reason})
	hook := a.onAlert
	a.mu.Unlock()
	if hook != nil {
		hook(typ)
	}
}

func (a *recordingAlerter) has(typ string) bool {
	return a.hasReason(typ, "")
}

// hasReason matches any reason when reason is empty.
func (a *recordingAlerter) hasReason(typ, reason string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.alerts {
		if r.typ == typ && (reason == "" || r.reason == reason) {
			return true
		}
	}
	return false
}

type harness struct {
	venue   *paper.Venue
	gw      *gateway.Gateway
	store   *db.Database
	bus     *events.Bus
	alerts  *recordingAlerter
	metrics *monitor.Metrics
	engine  *Engine
}

func baseLimits() risk.Limits {
	return risk.Limits{
		SizeUSD:         d("1000"),
		Leverage:        5,
		StopLossPercent: d("2"),
		MaxPositions:    5,
		CommissionRate:  d("0.0004"),
	}
}

func newHarness(t *testing.T, limits risk.Limits) *harness {
	t.Helper()
	v := paper.New(paper.Config{Name: "paper", InitialBalance: 10000}, zerolog.Nop())
	ex := common.NewExecutor("paper", common.RateLimitConfig{
		Burst: 100, PerSecond: 1000, MaxAttempts: 2,
		BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
	}, zerolog.Nop())
	gw := gateway.New("paper", v, ex, zerolog.Nop())

	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	locks := lock.NewManager(5*time.Second, zerolog.Nop())
	t.Cleanup(locks.Close)

	h := &harness{
		venue:   v,
		gw:      gw,
		store:   store,
		bus:     events.NewBus(),
		alerts:  &recordingAlerter{},
		metrics: monitor.NewMetrics(),
	}
	quantities := state.NewManager(0)
	protoLookup := func(exchange string) (protection.Gateway, error) {
		if exchange != "paper" {
			return nil, errors.New("unknown exchange")
		}
		return gw, nil
	}
	lookup := func(exchange string) (Gateway, error) {
		if exchange != "paper" {
			return nil, errors.New("unknown exchange")
		}
		return gw, nil
	}
	proto := protection.New(protoLookup, quantities, store, h.metrics, protection.Config{QtyLookupAttempts: 1}, zerolog.Nop())
	h.engine = New(Deps{
		Gateways:   lookup,
		Locks:      locks,
		Protector:  proto,
		Risk:       risk.NewManager(limits, store, zerolog.Nop()),
		Store:      store,
		Quantities: quantities,
		Bus:        h.bus,
		Alerts:     h.alerts,
		Metrics:    h.metrics,
	}, Config{
		CostTolerance:   d("0.1"),
		RollbackTimeout: 5 * time.Second,
		RollbackBackoff: time.Millisecond,
	}, zerolog.Nop())
	return h
}

func longBTC() OpenRequest {
	return OpenRequest{Exchange: "paper", Symbol: "BTC/USDT", Side: common.PositionLong}
}

func (h *harness) open(t *testing.T) Position {
	t.Helper()
	h.venue.SetPrice("BTCUSDT", d("50000"))
	p, err := h.engine.Open(context.Background(), longBTC())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return p
}

func TestOpenProtectsFromFillPrice(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	opened, unsub := h.bus.Subscribe(events.EventPositionOpened, 1)
	defer unsub()

	p := h.open(t)

	// sized at the ask (50005), filled at last (50000)
	if p.State != StateActive || !p.Quantity.Equal(d("0.019")) || !p.EntryPrice.Equal(d("50000")) {
		t.Fatalf("unexpected position %+v", p)
	}
	if !p.Protection.TriggerPrice.Equal(d("49000")) {
		t.Fatalf("stop = %s, want 49000 from the fill price", p.Protection.TriggerPrice)
	}
	stops, err := h.gw.FetchProtectiveOrders(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("list stops: %v", err)
	}
	if len(stops) != 1 || !stops[0].StopPrice.Equal(d("49000")) || !stops[0].Quantity.Equal(d("0.019")) {
		t.Fatalf("venue stops = %+v", stops)
	}

	rec, err := h.store.GetOpenPosition(ctx, "BTC/USDT", "paper")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !rec.HasProtection || rec.State != string(StateActive) || !rec.StopLossPrice.Equal(d("49000")) {
		t.Fatalf("record = %+v", rec)
	}

	select {
	case msg := <-opened:
		if ev := msg.(events.PositionEvent); ev.Symbol != "BTC/USDT" || ev.State != string(StateActive) {
			t.Fatalf("opened event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no opened event")
	}
	if s := h.metrics.Snapshot(); s.OpensSucceeded != 1 {
		t.Fatalf("opens succeeded = %d", s.OpensSucceeded)
	}
}

func TestProtectionFailureRollsBack(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	rolled, unsub := h.bus.Subscribe(events.EventPositionRolledBack, 1)
	defer unsub()

	h.venue.SetPrice("BTCUSDT", d("50000"))
	h.venue.InjectFault(paper.OpStopOrder, 10, common.Errorf(common.KindRejected, "paper", paper.OpStopOrder, "stop rejected"))

	_, err := h.engine.Open(ctx, longBTC())
	if !errors.Is(err, protection.ErrProtectionFailed) {
		t.Fatalf("err = %v, want protection failure", err)
	}

	if _, ok, err := h.gw.FetchPosition(ctx, "BTC/USDT"); err != nil || ok {
		t.Fatalf("venue position must be gone (ok=%v err=%v)", ok, err)
	}
	if len(h.engine.Positions()) != 0 {
		t.Fatalf("engine still tracks %+v", h.engine.Positions())
	}
	rec, err := h.store.GetPosition(ctx, 1)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.Status != db.StatusClosed || rec.State != string(StateRolledBack) || rec.ExitReason != "rollback: protection failed" {
		t.Fatalf("record = %+v", rec)
	}
	if !h.alerts.has(monitor.AlertProtectionFailed) {
		t.Fatalf("protection failure not alerted")
	}
	select {
	case <-rolled:
	case <-time.After(time.Second):
		t.Fatalf("no rolled back event")
	}
	if s := h.metrics.Snapshot(); s.Rollbacks != 1 {
		t.Fatalf("rollbacks = %d", s.Rollbacks)
	}
}

func TestFailedCompensatingCloseKeepsPositionClosing(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	h.venue.SetPrice("BTCUSDT", d("50000"))
	h.venue.InjectFault(paper.OpStopOrder, 10, common.Errorf(common.KindRejected, "paper", paper.OpStopOrder, "stop rejected"))
	h.alerts.onAlert = func(typ string) {
		if typ == monitor.AlertProtectionFailed {
			h.venue.InjectFault(paper.OpMarketOrder, 100, common.Errorf(common.KindRejected, "paper", paper.OpMarketOrder, "exit rejected"))
		}
	}

	_, err := h.engine.Open(ctx, longBTC())
	if !errors.Is(err, protection.ErrProtectionFailed) || !errors.Is(err, ErrRollbackPending) {
		t.Fatalf("err = %v, want protection failure with rollback pending", err)
	}
	p, ok := h.engine.Position("paper", "BTC/USDT")
	if !ok || p.State != StateClosing {
		t.Fatalf("position must stay tracked as closing, got %+v (tracked %v)", p, ok)
	}
	if _, ok, err := h.gw.FetchPosition(ctx, "BTC/USDT"); err != nil || !ok {
		t.Fatalf("venue position must still be open (ok=%v err=%v)", ok, err)
	}
	rec, err := h.store.GetOpenPosition(ctx, "BTC/USDT", "paper")
	if err != nil {
		t.Fatalf("record must stay open: %v", err)
	}
	if rec.State != string(StateClosing) {
		t.Fatalf("record state = %s, want closing", rec.State)
	}
	if !h.alerts.hasReason(monitor.AlertRollbackFailed, "exit failed") {
		t.Fatalf("failed compensating close not alerted")
	}
	if s := h.metrics.Snapshot(); s.Rollbacks != 0 {
		t.Fatalf("rollbacks = %d before the venue is flat", s.Rollbacks)
	}

	// venue recovers; the monitor finishes the rollback
	h.venue.ClearFaults(paper.OpMarketOrder)
	h.venue.ClearFaults(paper.OpStopOrder)
	h.engine.CheckPositions(ctx)

	if _, ok := h.engine.Position("paper", "BTC/USDT"); ok {
		t.Fatalf("position still tracked after rollback")
	}
	if _, ok, err := h.gw.FetchPosition(ctx, "BTC/USDT"); err != nil || ok {
		t.Fatalf("venue position must be gone (ok=%v err=%v)", ok, err)
	}
	if stops, _ := h.gw.FetchProtectiveOrders(ctx, "BTC/USDT"); len(stops) != 0 {
		t.Fatalf("stops left behind: %+v", stops)
	}
	rec, err = h.store.GetPosition(ctx, rec.ID)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.Status != db.StatusClosed || rec.State != string(StateRolledBack) || rec.ExitReason != "rollback: protection failed" {
		t.Fatalf("record = %+v", rec)
	}
	if s := h.metrics.Snapshot(); s.Rollbacks != 1 {
		t.Fatalf("rollbacks = %d", s.Rollbacks)
	}
}

func TestUnverifiedRollbackStaysPending(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	h.venue.SetPrice("BTCUSDT", d("50000"))
	// the pre-entry check sees a flat venue; every lookup after it fails
	h.venue.InjectFaultAfter(paper.OpPositions, 1, 100, paper.ErrInjected)
	h.venue.InjectFault(paper.OpMarketOrder, 1, common.Errorf(common.KindRejected, "paper", paper.OpMarketOrder, "timeout after send"))

	_, err := h.engine.Open(ctx, longBTC())
	if !errors.Is(err, ErrRollbackPending) {
		t.Fatalf("err = %v, want rollback pending", err)
	}
	if !h.alerts.hasReason(monitor.AlertRollbackFailed, "unverified") {
		t.Fatalf("unverified rollback not alerted")
	}
	p, ok := h.engine.Position("paper", "BTC/USDT")
	if !ok || p.State != StateClosing {
		t.Fatalf("position must stay tracked as closing, got %+v (tracked %v)", p, ok)
	}
	if got := h.venue.Calls(paper.OpPositions); got < 1+3 {
		t.Fatalf("positions calls = %d, want the lookup retried", got)
	}

	// the entry had in fact filled; once lookups work it is closed
	h.venue.ClearFaults(paper.OpPositions)
	h.venue.OpenPosition("BTCUSDT", common.PositionLong, d("0.019"), d("50000"))
	h.engine.CheckPositions(ctx)

	if _, ok := h.engine.Position("paper", "BTC/USDT"); ok {
		t.Fatalf("position still tracked after rollback")
	}
	if _, ok, err := h.gw.FetchPosition(ctx, "BTC/USDT"); err != nil || ok {
		t.Fatalf("venue position must be closed (ok=%v err=%v)", ok, err)
	}
	if s := h.metrics.Snapshot(); s.Rollbacks != 1 {
		t.Fatalf("rollbacks = %d", s.Rollbacks)
	}
}

func TestOpenTracksValidatingUntilEntry(t *testing.T) {
	h := newHarness(t, baseLimits())
	h.venue.SetPrice("BTCUSDT", d("50000"))
	var seen []State
	h.engine.gateways = func(string) (Gateway, error) {
		return observingGateway{Gateway: h.gw, onTicker: func() {
			if p, ok := h.engine.Position("paper", "BTC/USDT"); ok {
				seen = append(seen, p.State)
			}
		}}, nil
	}

	if _, err := h.engine.Open(context.Background(), longBTC()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(seen) == 0 || seen[0] != StateValidating {
		t.Fatalf("states seen during open = %v, want validating first", seen)
	}

	// a rejected validation leaves nothing tracked
	h2 := newHarness(t, baseLimits())
	h2.venue.SetPrice("BTCUSDT", d("50000"))
	h2.venue.OpenPosition("BTCUSDT", common.PositionLong, d("0.01"), d("50000"))
	if _, err := h2.engine.Open(context.Background(), longBTC()); !errors.Is(err, ErrPositionExists) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := h2.engine.Position("paper", "BTC/USDT"); ok {
		t.Fatalf("rejected open still tracked")
	}
}

type observingGateway struct {
	*gateway.Gateway
	onTicker func()
}

func (g observingGateway) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	g.onTicker()
	return g.Gateway.FetchTicker(ctx, symbol)
}

func TestOpenRoundsDownToStep(t *testing.T) {
	h := newHarness(t, baseLimits())
	h.venue.SetPrice("BNBUSDT", d("350"))
	h.venue.SetLimits("BNBUSDT", common.MarketLimits{
		MinQty: d("0.1"), StepSize: d("0.1"), TickSize: d("0.01"), MinNotional: d("5"),
	})
	req := OpenRequest{Exchange: "paper", Symbol: "BNB/USDT", Side: common.PositionLong, SizeUSD: d("200")}
	p, err := h.engine.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !p.Quantity.Equal(d("0.5")) {
		t.Fatalf("qty = %s, want 0.5", p.Quantity)
	}
}

func TestOpenRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		want  error
	}{
		{
			name: "already on venue",
			setup: func(h *harness) {
				h.venue.OpenPosition("BTCUSDT", common.PositionLong, d("0.01"), d("50000"))
			},
			want: ErrPositionExists,
		},
		{
			name: "already in store",
			setup: func(h *harness) {
				_, _ = h.store.CreatePosition(context.Background(), db.PositionRecord{
					Exchange: "paper", Symbol: "BTC/USDT", Side: "long", Quantity: d("0.01"),
					EntryPrice: d("50000"), Status: db.StatusActive, OpenedAt: time.Now(),
				})
			},
			want: ErrPositionExists,
		},
		{
			name: "max positions",
			setup: func(h *harness) {
				lim := baseLimits()
				lim.MaxPositions = 1
				h.engine.risk = risk.NewManager(lim, nil, zerolog.Nop())
				h.engine.positions["paper:ETH/USDT"] = &tracked{pos: Position{State: StateActive}}
			},
			want: risk.ErrRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, baseLimits())
			h.venue.SetPrice("BTCUSDT", d("50000"))
			tt.setup(h)
			_, err := h.engine.Open(context.Background(), longBTC())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if h.venue.Calls(paper.OpMarketOrder) != 0 {
				t.Fatalf("no order may be sent after a rejection")
			}
		})
	}
}

func TestConcurrentOpensYieldOnePosition(t *testing.T) {
	h := newHarness(t, baseLimits())
	h.venue.SetPrice("BTCUSDT", d("50000"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.Open(context.Background(), longBTC())
		}(i)
	}
	wg.Wait()

	succeeded, exists := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrPositionExists):
			exists++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || exists != 1 {
		t.Fatalf("succeeded=%d exists=%d", succeeded, exists)
	}
	pos, _, _ := h.gw.FetchPosition(context.Background(), "BTC/USDT")
	if !pos.Quantity.Equal(d("0.019")) {
		t.Fatalf("venue qty = %s, want a single entry", pos.Quantity)
	}
}

func TestCloseRealizesPnL(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	p := h.open(t)
	h.venue.SetPrice("BTCUSDT", d("51000"))

	res, err := h.engine.Close(ctx, "paper", "BTC/USDT", "manual")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// gross 19, fee (50000+51000)*0.019*0.0004
	if !res.PnL.Equal(d("18.2324")) || !res.Fee.Equal(d("0.7676")) {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := h.engine.Position("paper", "BTC/USDT"); ok {
		t.Fatalf("position still tracked")
	}
	if stops, _ := h.gw.FetchProtectiveOrders(ctx, "BTC/USDT"); len(stops) != 0 {
		t.Fatalf("stops left behind: %+v", stops)
	}
	rec, err := h.store.GetPosition(ctx, p.ID)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.Status != db.StatusClosed || rec.ExitReason != "manual" || !rec.RealizedPnL.Equal(d("18.2324")) {
		t.Fatalf("record = %+v", rec)
	}
	if m := h.engine.risk.GetMetrics(); m.DailyTrades != 1 || !m.DailyPnL.Equal(d("18.2324")) {
		t.Fatalf("risk metrics = %+v", m)
	}
}

func TestCloseFailureKeepsStop(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	h.open(t)
	h.venue.InjectFault(paper.OpMarketOrder, 1, common.Errorf(common.KindRejected, "paper", paper.OpMarketOrder, "rejected"))

	if _, err := h.engine.Close(ctx, "paper", "BTC/USDT", "manual"); err == nil {
		t.Fatalf("close must fail")
	}
	p, ok := h.engine.Position("paper", "BTC/USDT")
	if !ok || p.State != StateActive {
		t.Fatalf("position = %+v (tracked=%v), want active", p, ok)
	}
	if stops, _ := h.gw.FetchProtectiveOrders(ctx, "BTC/USDT"); len(stops) != 1 {
		t.Fatalf("stop must survive a failed exit, got %d", len(stops))
	}
}

func TestExternalCloseDetected(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	p := h.open(t)

	h.venue.SetPrice("BTCUSDT", d("48900")) // stop fires
	h.engine.CheckPositions(ctx)

	if _, ok := h.engine.Position("paper", "BTC/USDT"); ok {
		t.Fatalf("position still tracked")
	}
	rec, err := h.store.GetPosition(ctx, p.ID)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.Status != db.StatusClosed || rec.ExitReason != "external: position gone from venue" {
		t.Fatalf("record = %+v", rec)
	}
	// exit at the stop: gross -19, fee (50000+49000)*0.019*0.0004
	if !rec.RealizedPnL.Equal(d("-19.7524")) {
		t.Fatalf("pnl = %s", rec.RealizedPnL)
	}
	if !h.alerts.has(monitor.AlertExternalClose) {
		t.Fatalf("external close not alerted")
	}
}

func TestMissingStopIsReplaced(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	h.open(t)

	stops, _ := h.gw.FetchProtectiveOrders(ctx, "BTC/USDT")
	if _, err := h.gw.CancelOrders(ctx, "BTC/USDT", stops[0].ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.engine.CheckPositions(ctx)

	stops, _ = h.gw.FetchProtectiveOrders(ctx, "BTC/USDT")
	if len(stops) != 1 || !stops[0].StopPrice.Equal(d("49000")) {
		t.Fatalf("stops after check = %+v", stops)
	}
}

func TestTrailingStopFollowsPrice(t *testing.T) {
	lim := baseLimits()
	lim.TrailingPercent = d("1")
	h := newHarness(t, lim)
	ctx := context.Background()
	h.open(t)

	h.venue.SetPrice("BTCUSDT", d("52000"))
	h.engine.CheckPositions(ctx)

	p, _ := h.engine.Position("paper", "BTC/USDT")
	if !p.Protection.TriggerPrice.Equal(d("51480")) {
		t.Fatalf("trailed stop = %s, want 51480", p.Protection.TriggerPrice)
	}
	// a pullback never loosens it
	h.venue.SetPrice("BTCUSDT", d("51700"))
	h.engine.CheckPositions(ctx)
	p, _ = h.engine.Position("paper", "BTC/USDT")
	if !p.Protection.TriggerPrice.Equal(d("51480")) {
		t.Fatalf("stop moved back to %s", p.Protection.TriggerPrice)
	}
}

func TestTrailingRetriesAfterFailedStopMove(t *testing.T) {
	lim := baseLimits()
	lim.TrailingPercent = d("1")
	h := newHarness(t, lim)
	ctx := context.Background()
	h.open(t)

	h.venue.SetPrice("BTCUSDT", d("52000"))
	h.venue.InjectFault(paper.OpStopOrder, 1, common.Errorf(common.KindRejected, "paper", paper.OpStopOrder, "rejected"))
	h.engine.CheckPositions(ctx)

	p, _ := h.engine.Position("paper", "BTC/USDT")
	if !p.Protection.TriggerPrice.Equal(d("49000")) {
		t.Fatalf("stop = %s after a failed move, want 49000 kept", p.Protection.TriggerPrice)
	}

	// same price, next tick: the move is attempted again
	h.engine.CheckPositions(ctx)
	p, _ = h.engine.Position("paper", "BTC/USDT")
	if !p.Protection.TriggerPrice.Equal(d("51480")) {
		t.Fatalf("stop = %s, want 51480 on retry", p.Protection.TriggerPrice)
	}
	stops, _ := h.gw.FetchProtectiveOrders(ctx, "BTC/USDT")
	if len(stops) != 1 || !stops[0].StopPrice.Equal(d("51480")) {
		t.Fatalf("venue stops = %+v", stops)
	}
}

func TestUpdateStopLoss(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	h.open(t)

	if _, err := h.engine.UpdateStopLoss(ctx, "paper", "BTC/USDT", d("50500")); !common.IsValidation(err) {
		t.Fatalf("stop above a long's price must be refused, got %v", err)
	}
	p, err := h.engine.UpdateStopLoss(ctx, "paper", "BTC/USDT", d("49500"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !p.Protection.TriggerPrice.Equal(d("49500")) {
		t.Fatalf("trigger = %s", p.Protection.TriggerPrice)
	}
	stops, _ := h.gw.FetchProtectiveOrders(ctx, "BTC/USDT")
	if len(stops) != 1 || !stops[0].StopPrice.Equal(d("49500")) {
		t.Fatalf("venue stops = %+v", stops)
	}
}

func TestFailedStopMoveRestoresPrevious(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	h.open(t)

	h.venue.InjectFault(paper.OpStopOrder, 1, common.Errorf(common.KindRejected, "paper", paper.OpStopOrder, "rejected"))
	if _, err := h.engine.UpdateStopLoss(ctx, "paper", "BTC/USDT", d("49500")); !errors.Is(err, protection.ErrProtectionFailed) {
		t.Fatalf("err = %v", err)
	}
	stops, _ := h.gw.FetchProtectiveOrders(ctx, "BTC/USDT")
	if len(stops) != 1 || !stops[0].StopPrice.Equal(d("49000")) {
		t.Fatalf("previous stop not restored: %+v", stops)
	}
	if h.alerts.has(monitor.AlertUnprotected) {
		t.Fatalf("restored stop must not raise unprotected")
	}
}

func TestAgedExits(t *testing.T) {
	tests := []struct {
		name   string
		age    time.Duration
		price  string
		closed bool
	}{
		{name: "fresh keeps running", age: 30 * time.Minute, price: "50100", closed: false},
		{name: "grace below breakeven waits", age: 90 * time.Minute, price: "50020", closed: false},
		{name: "grace above breakeven exits", age: 90 * time.Minute, price: "50100", closed: true},
		{name: "expired exits at market", age: 4 * time.Hour, price: "49500", closed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lim := baseLimits()
			lim.Aged = risk.AgedPolicy{
				MaxAge:          time.Hour,
				GracePeriod:     time.Hour,
				LossStepPercent: d("0.5"),
				MaxLossPercent:  d("5"),
				ForceCloseAge:   3 * time.Hour,
				CommissionRate:  d("0.0004"),
			}
			h := newHarness(t, lim)
			h.open(t)
			h.engine.now = func() time.Time { return time.Now().Add(tt.age) }
			h.venue.SetPrice("BTCUSDT", d(tt.price))

			h.engine.CheckPositions(context.Background())

			_, tracked := h.engine.Position("paper", "BTC/USDT")
			if tracked == tt.closed {
				t.Fatalf("tracked = %v, want closed = %v", tracked, tt.closed)
			}
			if !tt.closed && tt.age > time.Hour {
				p, _ := h.engine.Position("paper", "BTC/USDT")
				if p.State != StateAged {
					t.Fatalf("state = %s, want aged", p.State)
				}
				if _, ok := h.engine.AgedTarget("paper", "BTC/USDT"); !ok {
					t.Fatalf("aged target missing")
				}
			}
		})
	}
}

func TestRecoverLoadsActiveRecords(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	_, err := h.store.CreatePosition(ctx, db.PositionRecord{
		Exchange: "paper", Symbol: "ETH/USDT", Side: "short", Quantity: d("2"),
		EntryPrice: d("3000"), StopLossPrice: d("3060"), HasProtection: true,
		Status: db.StatusActive, State: "active", OpenedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := h.engine.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	p, ok := h.engine.Position("paper", "ETH/USDT")
	if !ok || p.State != StateActive || p.Side != common.PositionShort || !p.Protection.TriggerPrice.Equal(d("3060")) {
		t.Fatalf("recovered = %+v", p)
	}
}

func TestVenueFillUpdatesEnteringPosition(t *testing.T) {
	h := newHarness(t, baseLimits())
	key := lock.Key("paper", "BTC/USDT")
	h.engine.positions[key] = &tracked{pos: Position{Exchange: "paper", Symbol: "BTC/USDT", State: StateEntering}}

	h.engine.onVenuePosition(context.Background(), events.VenuePosition{Exchange: "paper", Symbol: "BTC/USDT", Quantity: d("0.004")})

	p, _ := h.engine.Position("paper", "BTC/USDT")
	if !p.Quantity.Equal(d("0.004")) {
		t.Fatalf("qty = %s", p.Quantity)
	}
	if err := h.engine.ApplyFill("paper", "XRP/USDT", d("1"), d("1")); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestVenueUpdateForUntrackedSymbolIsNotCached(t *testing.T) {
	h := newHarness(t, baseLimits())
	h.engine.onVenuePosition(context.Background(), events.VenuePosition{Exchange: "paper", Symbol: "XRP/USDT", Quantity: d("25")})

	if q, ok := h.engine.quantities.Lookup("paper", "XRP/USDT"); ok {
		t.Fatalf("untracked symbol cached: %+v", q)
	}
}

func TestExternalCloseOutsideProtectedStateIsDeferred(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{name: "entering", state: StateEntering},
		{name: "protecting", state: StateProtecting},
		{name: "closing", state: StateClosing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, baseLimits())
			h.venue.SetPrice("BTCUSDT", d("50000"))
			key := lock.Key("paper", "BTC/USDT")
			h.engine.positions[key] = &tracked{pos: Position{
				Exchange: "paper", Symbol: "BTC/USDT", Side: common.PositionLong, State: tt.state,
			}}

			err := h.engine.HandleExternalClose(context.Background(), "paper", "BTC/USDT", "reconcile")
			if !errors.Is(err, ErrNotSettled) {
				t.Fatalf("err = %v, want ErrNotSettled", err)
			}
			if p, ok := h.engine.Position("paper", "BTC/USDT"); !ok || p.State != tt.state {
				t.Fatalf("position must be left alone, got %+v (tracked %v)", p, ok)
			}
		})
	}
}

func TestRecoverResumesPendingRollback(t *testing.T) {
	h := newHarness(t, baseLimits())
	ctx := context.Background()
	h.venue.SetPrice("BTCUSDT", d("50000"))
	id, err := h.store.CreatePosition(ctx, db.PositionRecord{
		Exchange: "paper", Symbol: "BTC/USDT", Side: "long", Quantity: d("0.019"),
		EntryPrice: d("50000"), Status: db.StatusActive, State: string(StateClosing), OpenedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.venue.OpenPosition("BTCUSDT", common.PositionLong, d("0.019"), d("50000"))

	if _, err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if p, ok := h.engine.Position("paper", "BTC/USDT"); !ok || p.State != StateClosing {
		t.Fatalf("recovered = %+v (tracked %v)", p, ok)
	}

	h.engine.CheckPositions(ctx)

	if _, ok, _ := h.gw.FetchPosition(ctx, "BTC/USDT"); ok {
		t.Fatalf("venue position must be closed")
	}
	rec, err := h.store.GetPosition(ctx, id)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.Status != db.StatusClosed || rec.State != string(StateRolledBack) || rec.ExitReason != "rollback: recovered" {
		t.Fatalf("record = %+v", rec)
	}
}
