package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLimits() Limits {
	return Limits{
		SizeUSD:          d("200"),
		Leverage:         10,
		StopLossPercent:  d("2"),
		MaxPositions:     3,
		MaxExposureUSD:   d("1000"),
		MaxSpreadPercent: d("0.5"),
		MinReserveUSD:    d("50"),
		CommissionRate:   d("0.0005"),
	}
}

func TestEvaluate(t *testing.T) {
	ok := Proposal{Symbol: "BTC/USDT", Notional: d("200"), SpreadPercent: d("0.02"), Available: d("1000")}
	tests := []struct {
		name    string
		mutate  func(p *Proposal)
		allowed bool
	}{
		{name: "allowed", mutate: func(p *Proposal) {}, allowed: true},
		{name: "position count", mutate: func(p *Proposal) { p.OpenPositions = 3 }},
		{name: "exposure", mutate: func(p *Proposal) { p.Exposure = d("850") }},
		{name: "spread", mutate: func(p *Proposal) { p.SpreadPercent = d("0.8") }},
		// 200/10 = 20 margin; 65 - 20 = 45 < 50 reserve
		{name: "reserve", mutate: func(p *Proposal) { p.Available = d("65") }},
		{name: "reserve exactly met", mutate: func(p *Proposal) { p.Available = d("70") }, allowed: true},
		{name: "venue max notional", mutate: func(p *Proposal) { p.MaxNotional = d("100") }},
		{name: "zero max notional means no cap", mutate: func(p *Proposal) { p.MaxNotional = decimal.Zero }, allowed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(testLimits(), nil, zerolog.Nop())
			p := ok
			tt.mutate(&p)
			dec := m.Evaluate(p)
			if dec.Allowed != tt.allowed {
				t.Fatalf("allowed=%v reason=%q, want %v", dec.Allowed, dec.Reason, tt.allowed)
			}
			err := m.Check(p)
			if tt.allowed != (err == nil) || (err != nil && !errors.Is(err, ErrRejected)) {
				t.Fatalf("Check = %v", err)
			}
		})
	}
}

func TestUpdateMetricsUsesNetPnL(t *testing.T) {
	tests := []struct {
		name            string
		trade           TradeResult
		wantNet         string
		wantDailyLosses string
		wantMaxDrawdown string
		wantMaxProfit   string
	}{
		{
			name:            "profit",
			trade:           TradeResult{Symbol: "BTC/USDT", PnL: d("126"), Fee: d("5.5")},
			wantNet:         "120.5",
			wantDailyLosses: "0",
			wantMaxDrawdown: "0",
			wantMaxProfit:   "120.5",
		},
		{
			name:            "loss",
			trade:           TradeResult{Symbol: "ETH/USDT", PnL: d("-41.5"), Fee: d("1.25")},
			wantNet:         "-42.75",
			wantDailyLosses: "42.75",
			wantMaxDrawdown: "42.75",
			wantMaxProfit:   "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewManager(testLimits(), nil, zerolog.Nop())
			if err := mgr.UpdateMetrics(context.Background(), tt.trade); err != nil {
				t.Fatalf("UpdateMetrics returned error: %v", err)
			}
			m := mgr.GetMetrics()
			if !m.DailyPnL.Equal(d(tt.wantNet)) || !m.TotalRealizedPnL.Equal(d(tt.wantNet)) {
				t.Fatalf("pnl daily=%s total=%s, want %s", m.DailyPnL, m.TotalRealizedPnL, tt.wantNet)
			}
			if !m.DailyLosses.Equal(d(tt.wantDailyLosses)) {
				t.Fatalf("DailyLosses=%s, want %s", m.DailyLosses, tt.wantDailyLosses)
			}
			if !m.MaxDrawdown.Equal(d(tt.wantMaxDrawdown)) {
				t.Fatalf("MaxDrawdown=%s, want %s", m.MaxDrawdown, tt.wantMaxDrawdown)
			}
			if !m.MaxProfit.Equal(d(tt.wantMaxProfit)) {
				t.Fatalf("MaxProfit=%s, want %s", m.MaxProfit, tt.wantMaxProfit)
			}
			if m.DailyTrades != 1 {
				t.Fatalf("DailyTrades=%d, want 1", m.DailyTrades)
			}
		})
	}
}

func TestUpdateMetricsPersistsAndRollsOver(t *testing.T) {
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	mgr := NewManager(testLimits(), store, zerolog.Nop())

	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)
	_ = mgr.UpdateMetrics(ctx, TradeResult{PnL: d("10"), ClosedAt: day1})
	_ = mgr.UpdateMetrics(ctx, TradeResult{PnL: d("-4"), ClosedAt: day2})

	m := mgr.GetMetrics()
	if m.Date != "2026-03-02" || m.DailyTrades != 1 || !m.DailyPnL.Equal(d("-4")) {
		t.Fatalf("daily counters not rolled over: %+v", m)
	}
	if !m.TotalRealizedPnL.Equal(d("6")) {
		t.Fatalf("total = %s", m.TotalRealizedPnL)
	}

	rows, err := store.DailyMetrics(ctx, 5)
	if err != nil || len(rows) != 2 {
		t.Fatalf("stored rows = %v (%v)", rows, err)
	}
	if rows[0].Date != "2026-03-02" || !rows[1].PnL.Equal(d("10")) {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestStopPriceAndPnL(t *testing.T) {
	if got := StopPrice(d("350"), common.PositionLong, d("2")); !got.Equal(d("343")) {
		t.Fatalf("long stop = %s", got)
	}
	if got := StopPrice(d("350"), common.PositionShort, d("2")); !got.Equal(d("357")) {
		t.Fatalf("short stop = %s", got)
	}
	gross, fee := RealizedPnL(common.PositionShort, d("100"), d("90"), d("2"), d("0.001"))
	if !gross.Equal(d("20")) || !fee.Equal(d("0.38")) {
		t.Fatalf("gross=%s fee=%s", gross, fee)
	}
}

func TestTrailerOnlyTightens(t *testing.T) {
	tr := NewTrailer(common.PositionLong, d("100"), d("98"), d("1"))
	if _, moved := tr.Observe(d("99")); moved {
		t.Fatalf("adverse move must not trail")
	}
	stop, moved := tr.Observe(d("110"))
	if !moved || !stop.Equal(d("108.9")) {
		t.Fatalf("stop=%s moved=%v", stop, moved)
	}
	if _, moved := tr.Observe(d("105")); moved {
		t.Fatalf("pullback must not loosen the stop")
	}

	short := NewTrailer(common.PositionShort, d("100"), d("102"), d("1"))
	stop, moved = short.Observe(d("90"))
	if !moved || !stop.Equal(d("90.9")) {
		t.Fatalf("short stop=%s moved=%v", stop, moved)
	}
}

func TestTrailerNextDoesNotCommit(t *testing.T) {
	tr := NewTrailer(common.PositionLong, d("100"), d("98"), d("1"))
	stop, moved := tr.Next(d("110"))
	if !moved || !stop.Equal(d("108.9")) {
		t.Fatalf("next stop=%s moved=%v", stop, moved)
	}
	if !tr.Stop().Equal(d("98")) {
		t.Fatalf("Next committed the stop: %s", tr.Stop())
	}
	// the venue refused the move; the same price must propose it again
	if again, moved := tr.Next(d("110")); !moved || !again.Equal(stop) {
		t.Fatalf("retry stop=%s moved=%v", again, moved)
	}
	tr.Advance(d("110"), stop)
	if _, moved := tr.Next(d("110")); moved {
		t.Fatalf("committed stop proposed again")
	}
}

func TestAgedTargets(t *testing.T) {
	p := AgedPolicy{
		MaxAge:          3 * time.Hour,
		GracePeriod:     2 * time.Hour,
		LossStepPercent: d("0.5"),
		MaxLossPercent:  d("2"),
		ForceCloseAge:   24 * time.Hour,
		CommissionRate:  d("0.001"),
	}
	tests := []struct {
		name      string
		side      common.PositionSide
		age       time.Duration
		wantPhase AgedPhase
		wantPrice string
		wantLoss  string
	}{
		{name: "fresh", side: common.PositionLong, age: time.Hour, wantPhase: PhaseFresh, wantPrice: "0", wantLoss: "0"},
		{name: "grace long is breakeven with fees", side: common.PositionLong, age: 4 * time.Hour, wantPhase: PhaseGrace, wantPrice: "100.2", wantLoss: "0"},
		{name: "grace short", side: common.PositionShort, age: 4 * time.Hour, wantPhase: PhaseGrace, wantPrice: "99.8", wantLoss: "0"},
		{name: "first progressive hour", side: common.PositionLong, age: 5*time.Hour + time.Minute, wantPhase: PhaseProgressive, wantPrice: "99.699", wantLoss: "0.5"},
		{name: "loss capped", side: common.PositionLong, age: 20 * time.Hour, wantPhase: PhaseProgressive, wantPrice: "98.196", wantLoss: "2"},
		{name: "expired", side: common.PositionShort, age: 25 * time.Hour, wantPhase: PhaseExpired, wantPrice: "0", wantLoss: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Target(tt.side, d("100"), tt.age)
			if got.Phase != tt.wantPhase || !got.Price.Equal(d(tt.wantPrice)) || !got.LossPercent.Equal(d(tt.wantLoss)) {
				t.Fatalf("target = %+v", got)
			}
			if tt.wantPhase == PhaseExpired && !got.Reached(tt.side, d("1000")) {
				t.Fatalf("expired must exit at any price")
			}
		})
	}

	g := p.Target(common.PositionLong, d("100"), 4*time.Hour)
	if g.Reached(common.PositionLong, d("100.1")) || !g.Reached(common.PositionLong, d("100.2")) {
		t.Fatalf("grace target reached check wrong")
	}
}
