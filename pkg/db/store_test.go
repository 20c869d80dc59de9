package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestPositionLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	id, err := d.CreatePosition(ctx, PositionRecord{
		Exchange:      "binance",
		Symbol:        "ETH/USDT",
		Side:          "long",
		Quantity:      decimal.RequireFromString("4.0"),
		EntryPrice:    decimal.RequireFromString("3000.5"),
		StopLossPrice: decimal.RequireFromString("2940.49"),
		HasProtection: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := d.GetOpenPosition(ctx, "ETH/USDT", "binance")
	if err != nil {
		t.Fatalf("get open: %v", err)
	}
	if got.ID != id || !got.Quantity.Equal(decimal.RequireFromString("4")) || !got.HasProtection {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.StopLossPrice.Equal(decimal.RequireFromString("2940.49")) {
		t.Fatalf("decimal precision lost: %s", got.StopLossPrice)
	}

	if _, err := d.GetOpenPosition(ctx, "ETH/USDT", "bybit"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other exchange, got %v", err)
	}

	pnl := decimal.RequireFromString("-12.5")
	if err := d.UpdatePosition(ctx, id, ClosedFields("stop hit", pnl, time.Now())); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := d.GetOpenPosition(ctx, "ETH/USDT", "binance"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("closed record still open: %v", err)
	}
	closed, err := d.GetPosition(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if closed.Status != StatusClosed || closed.ExitReason != "stop hit" || closed.ClosedAt == nil {
		t.Fatalf("unexpected closed record %+v", closed)
	}
	if !closed.RealizedPnL.Equal(pnl) {
		t.Fatalf("pnl = %s, want %s", closed.RealizedPnL, pnl)
	}
}

func TestUpdatePositionWhitelist(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id, err := d.CreatePosition(ctx, PositionRecord{Exchange: "paper", Symbol: "BTC/USDT", Side: "short",
		Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(60000)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name    string
		fields  Fields
		wantErr error
	}{
		{"allowed", Fields{"current_price": decimal.NewFromInt(59000), "state": "aged"}, nil},
		{"identity column", Fields{"symbol": "ETH/USDT"}, ErrFieldNotAllowed},
		{"injection attempt", Fields{"status = 'closed' --": 1}, ErrFieldNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.UpdatePosition(ctx, id, tt.fields)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := d.UpdatePosition(ctx, 9999, Fields{"state": "aged"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing id, got %v", err)
	}
}

func TestGetActivePositionsFilter(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	for _, r := range []PositionRecord{
		{Exchange: "binance", Symbol: "BTC/USDT", Side: "long"},
		{Exchange: "binance", Symbol: "ETH/USDT", Side: "short"},
		{Exchange: "bybit", Symbol: "SOL/USDT", Side: "long"},
	} {
		r.Quantity = decimal.NewFromInt(1)
		r.EntryPrice = decimal.NewFromInt(10)
		if _, err := d.CreatePosition(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, err := d.GetActivePositions(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d (%v), want 3", len(all), err)
	}
	bn, err := d.GetActivePositions(ctx, "binance")
	if err != nil || len(bn) != 2 {
		t.Fatalf("binance = %d (%v), want 2", len(bn), err)
	}
}

func TestRecordTradeAggregates(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	for _, net := range []string{"10.5", "-4.25", "0"} {
		if err := d.RecordTrade(ctx, "2026-01-02", decimal.RequireFromString(net)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	ms, err := d.DailyMetrics(ctx, 7)
	if err != nil || len(ms) != 1 {
		t.Fatalf("metrics = %v (%v)", ms, err)
	}
	m := ms[0]
	if m.Trades != 3 || m.Wins != 1 || !m.PnL.Equal(decimal.RequireFromString("6.25")) || !m.LossesTotal.Equal(decimal.RequireFromString("4.25")) {
		t.Fatalf("unexpected aggregate %+v", m)
	}
}

func TestOperatorLookup(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	if err := d.CreateOperator(ctx, Operator{ID: "op-1", Email: "ops@example.com", PasswordHash: "x"}); err != nil {
		t.Fatalf("create operator: %v", err)
	}
	op, err := d.GetOperatorByEmail(ctx, "ops@example.com")
	if err != nil || op.ID != "op-1" {
		t.Fatalf("lookup = %+v (%v)", op, err)
	}
	if _, err := d.GetOperatorByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
