package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/paper"
)

func newPaperGateway(t *testing.T, atomic bool) (*Gateway, *paper.Venue) {
	t.Helper()
	v := paper.New(paper.Config{Name: "paper", InitialBalance: 10000, Atomic: atomic}, zerolog.Nop())
	ex := common.NewExecutor("paper", common.RateLimitConfig{
		Burst: 100, PerSecond: 1000, MaxAttempts: 3,
		BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
	}, zerolog.Nop())
	return New("paper", v, ex, zerolog.Nop()), v
}

func TestGatewayTranslatesSymbols(t *testing.T) {
	gw, v := newPaperGateway(t, false)
	v.SetPrice("BTCUSDT", d("50000"))

	tk, err := gw.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if tk.Symbol != "BTC/USDT" || !tk.Last.Equal(d("50000")) {
		t.Fatalf("unexpected ticker %+v", tk)
	}

	if _, err := gw.CreateMarketOrder(context.Background(), "BTC/USDT", common.SideBuy, d("0.01"), false); err != nil {
		t.Fatalf("order: %v", err)
	}
	pos, ok, err := gw.FetchPosition(context.Background(), "BTC/USDT")
	if err != nil || !ok {
		t.Fatalf("position: ok=%v err=%v", ok, err)
	}
	if pos.Symbol != "BTC/USDT" || pos.Side != common.PositionLong || !pos.Quantity.Equal(d("0.01")) {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestGatewayRetriesTransientVenueErrors(t *testing.T) {
	gw, v := newPaperGateway(t, false)
	v.SetPrice("ETHUSDT", d("3000"))
	v.InjectFault(paper.OpTicker, 2, paper.ErrInjected)

	if _, err := gw.FetchTicker(context.Background(), "ETH/USDT"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if v.Calls(paper.OpTicker) != 3 {
		t.Fatalf("expected 3 venue calls, got %d", v.Calls(paper.OpTicker))
	}
	if st := gw.Executor().Stats(); st.Retries != 2 {
		t.Fatalf("retries = %d", st.Retries)
	}
}

func TestGatewayCancelUnknownOrderIsExpectedAbsence(t *testing.T) {
	gw, v := newPaperGateway(t, false)
	v.SetPrice("ETHUSDT", d("3000"))
	err := gw.CancelOrder(context.Background(), "ETH/USDT", "999")
	if !common.IsExpectedAbsence(err) {
		t.Fatalf("expected absence, got %v", err)
	}
	if st := gw.Executor().Stats(); st.Errors != 0 {
		t.Fatalf("absence counted as error: %+v", st)
	}
}

func TestGatewayProtectiveOrdersFilter(t *testing.T) {
	gw, v := newPaperGateway(t, false)
	ctx := context.Background()
	v.SetPrice("SOLUSDT", d("100"))

	if _, err := gw.CreateMarketOrder(ctx, "SOL/USDT", common.SideBuy, d("1"), false); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.CreateStopOrder(ctx, "SOL/USDT", common.SideSell, d("1"), d("95")); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.CreateLimitOrder(ctx, "SOL/USDT", common.SideSell, d("1"), d("120"), true); err != nil {
		t.Fatal(err)
	}
	prot, err := gw.FetchProtectiveOrders(ctx, "SOL/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(prot) != 1 || !prot[0].StopPrice.Equal(d("95")) || prot[0].Symbol != "SOL/USDT" {
		t.Fatalf("unexpected protective orders %+v", prot)
	}
}

func TestGatewayTradingStopRequiresCapability(t *testing.T) {
	gw, _ := newPaperGateway(t, false)
	err := gw.SetTradingStop(context.Background(), "BTC/USDT", common.PositionLong, d("1"))
	if !common.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGatewayLeverageNotModifiedIsSuccess(t *testing.T) {
	gw, _ := newPaperGateway(t, false)
	ctx := context.Background()
	if err := gw.SetLeverage(ctx, "BTC/USDT", 10); err != nil {
		t.Fatal(err)
	}
	if err := gw.SetLeverage(ctx, "BTC/USDT", 10); err != nil {
		t.Fatalf("repeat leverage should succeed, got %v", err)
	}
}

func TestGatewayAvailableBalanceSubtractsMargin(t *testing.T) {
	gw, v := newPaperGateway(t, false)
	ctx := context.Background()
	v.SetPrice("BTCUSDT", d("100"))
	if err := gw.SetLeverage(ctx, "BTC/USDT", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.CreateMarketOrder(ctx, "BTC/USDT", common.SideBuy, d("10"), false); err != nil {
		t.Fatal(err)
	}
	avail, err := gw.AvailableBalance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// 10000 total, 1000 notional at 10x locks 100
	if !avail.Equal(d("9900")) {
		t.Fatalf("available = %s", avail)
	}
}

func TestRegistry(t *testing.T) {
	gw, _ := newPaperGateway(t, false)
	r := NewRegistry(RegistryConfig{FailureThreshold: 2, CircuitTimeout: time.Minute}, zerolog.Nop())
	if err := r.Add(gw, "paper"); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(gw, "paper"); !errors.Is(err, ErrGatewayExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrGatewayNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	r.RecordFailure("paper")
	r.RecordFailure("paper")
	if _, err := r.Get("paper"); !errors.Is(err, ErrGatewayUnhealthy) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if len(r.All()) != 1 {
		t.Fatalf("All must include unhealthy gateways")
	}
	r.RecordSuccess("paper")
	if _, err := r.Get("paper"); err != nil {
		t.Fatalf("circuit should close after success: %v", err)
	}
}
