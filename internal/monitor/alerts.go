package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
)

// Alert types raised by the engine and the sweeps.
const (
	AlertProtectionFailed = "protection_failed"
	AlertRollbackFailed   = "rollback_failed"
	AlertOrphanPosition   = "orphan_position"
	AlertQuantityMismatch = "quantity_mismatch"
	AlertExternalClose    = "external_close"
	AlertUnprotected      = "unprotected_position"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// Alert is one operator-facing notification.
type Alert struct {
	Type     string         `json:"type"`
	Exchange string         `json:"exchange"`
	Symbol   string         `json:"symbol"`
	Details  map[string]any `json:"details,omitempty"`
	Time     time.Time      `json:"time"`
}

// String renders the alert as a single chat line.
func (a Alert) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s/%s", a.Time.Format(time.RFC3339), strings.ToUpper(a.Type), a.Exchange, a.Symbol)
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, a.Details[k])
	}
	return b.String()
}

const recentAlerts = 200

// Alerter records alerts, logs them, and publishes them on the bus for
// delivery. Raising an alert never blocks or fails the caller.
type Alerter struct {
	bus     *events.Bus
	metrics *Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	recent []Alert
}

// NewAlerter builds an alerter. bus and metrics may be nil.
func NewAlerter(bus *events.Bus, metrics *Metrics, log zerolog.Logger) *Alerter {
	return &Alerter{
		bus:     bus,
		metrics: metrics,
		log:     log.With().Str("component", "alerts").Logger(),
	}
}

// Alert raises one alert.
func (a *Alerter) Alert(_ context.Context, typ, exchange, symbol string, details map[string]any) {
	al := Alert{Type: typ, Exchange: exchange, Symbol: symbol, Details: details, Time: time.Now()}

	a.mu.Lock()
	if len(a.recent) >= recentAlerts {
		a.recent = a.recent[1:]
	}
	a.recent = append(a.recent, al)
	a.mu.Unlock()

	a.log.Warn().Str("type", typ).Str("exchange", exchange).Str("symbol", symbol).
		Fields(details).Msg("alert")
	if a.metrics != nil {
		a.metrics.AlertRaised()
	}
	a.bus.Publish(events.EventAlert, al)
}

// Recent returns up to n latest alerts, newest first.
func (a *Alerter) Recent(n int) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.recent) {
		n = len(a.recent)
	}
	out := make([]Alert, 0, n)
	for i := len(a.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.recent[i])
	}
	return out
}
