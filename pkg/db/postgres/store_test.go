package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
)

// Runs against a real server only when POSTGRES_TEST_DSN is set.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := s.pool.Exec(ctx, "TRUNCATE positions, risk_metrics"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestStorePositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreatePosition(ctx, db.PositionRecord{
		Exchange: "bybit", Symbol: "SOL/USDT", Side: "short",
		Quantity: decimal.RequireFromString("12.3"), EntryPrice: decimal.RequireFromString("150.123"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetOpenPosition(ctx, "SOL/USDT", "bybit")
	if err != nil || got.ID != id {
		t.Fatalf("get open = %+v (%v)", got, err)
	}
	if !got.EntryPrice.Equal(decimal.RequireFromString("150.123")) {
		t.Fatalf("entry = %s", got.EntryPrice)
	}

	if err := s.UpdatePosition(ctx, id, db.Fields{"side": "long"}); !errors.Is(err, db.ErrFieldNotAllowed) {
		t.Fatalf("expected ErrFieldNotAllowed, got %v", err)
	}
	if err := s.UpdatePosition(ctx, id, db.ClosedFields("not found on exchange", decimal.Zero, time.Now())); err != nil {
		t.Fatalf("close: %v", err)
	}
	active, err := s.GetActivePositions(ctx, "")
	if err != nil || len(active) != 0 {
		t.Fatalf("active after close = %d (%v)", len(active), err)
	}
}

func TestStoreRecordTrade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.RecordTrade(ctx, "2026-03-01", decimal.RequireFromString("5"))
	_ = s.RecordTrade(ctx, "2026-03-01", decimal.RequireFromString("-2"))
	ms, err := s.DailyMetrics(ctx, 1)
	if err != nil || len(ms) != 1 {
		t.Fatalf("metrics = %v (%v)", ms, err)
	}
	if ms[0].Trades != 2 || !ms[0].PnL.Equal(decimal.NewFromInt(3)) || !ms[0].LossesTotal.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected aggregate %+v", ms[0])
	}
}
