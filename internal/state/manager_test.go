package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSetLookupForget(t *testing.T) {
	m := NewManager(0)
	if _, ok := m.Lookup("binance", "BTC/USDT"); ok {
		t.Fatalf("empty cache reported a hit")
	}

	m.Set("binance", "BTC/USDT", decimal.RequireFromString("-0.015"))
	q, ok := m.Lookup("binance", "BTC/USDT")
	if !ok || !q.Value.Equal(decimal.RequireFromString("0.015")) {
		t.Fatalf("short amount not stored as magnitude: %+v", q)
	}
	if q.ConfirmedZero() {
		t.Fatalf("open position reported as closed")
	}

	m.Set("binance", "BTC/USDT", decimal.Zero)
	q, ok = m.Lookup("binance", "BTC/USDT")
	if !ok || !q.ConfirmedZero() {
		t.Fatalf("zero must be a confirmed close, got %+v ok=%v", q, ok)
	}

	m.Forget("binance", "BTC/USDT")
	if _, ok := m.Lookup("binance", "BTC/USDT"); ok {
		t.Fatalf("forgotten entry still present")
	}
}

func TestStaleEntriesIgnored(t *testing.T) {
	m := NewManager(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	m.Set("bybit", "ETH/USDT", decimal.NewFromInt(4))

	now = now.Add(30 * time.Second)
	if _, ok := m.Lookup("bybit", "ETH/USDT"); !ok {
		t.Fatalf("fresh entry missed")
	}
	now = now.Add(time.Minute)
	if _, ok := m.Lookup("bybit", "ETH/USDT"); ok {
		t.Fatalf("stale entry returned")
	}
	if len(m.Snapshot()) != 1 {
		t.Fatalf("snapshot should still list stale entries")
	}
}
