package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(m string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestAlertDeliveredToSinks(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Monitor{Bus: bus, Sinks: []AlertSink{sink}, Log: zerolog.Nop()}).Start(ctx)

	metrics := NewMetrics()
	a := NewAlerter(bus, metrics, zerolog.Nop())
	a.Alert(ctx, AlertOrphanPosition, "binance", "BTC/USDT", map[string]any{"quantity": "0.5", "side": "long"})

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", sink.count())
	}
	msg := sink.msgs[0]
	if !strings.Contains(msg, "ORPHAN_POSITION binance/BTC/USDT") || !strings.Contains(msg, "quantity=0.5 side=long") {
		t.Fatalf("unexpected message %q", msg)
	}
	if metrics.Snapshot().Alerts != 1 {
		t.Fatalf("alert counter not incremented")
	}
}

func TestRecentAlertsNewestFirst(t *testing.T) {
	a := NewAlerter(nil, nil, zerolog.Nop())
	for i := 0; i < recentAlerts+5; i++ {
		a.Alert(context.Background(), AlertQuantityMismatch, "paper", "ETH/USDT", map[string]any{"i": i})
	}
	got := a.Recent(2)
	if len(got) != 2 || got[0].Details["i"] != recentAlerts+4 {
		t.Fatalf("unexpected recent alerts %+v", got)
	}
	if len(a.Recent(0)) != recentAlerts {
		t.Fatalf("ring buffer not bounded")
	}
}

func TestHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{5, 1, 3, 10} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Min != 1 || s.Max != 10 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestUnprotectedWindowOnlyWhenPositive(t *testing.T) {
	m := NewMetrics()
	m.ProtectionUpdated(10*time.Millisecond, 0)
	m.ProtectionUpdated(10*time.Millisecond, 40*time.Millisecond)
	snap := m.Snapshot()
	if snap.ProtectionUpdates != 2 || snap.UnprotectedWindow.Count != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
