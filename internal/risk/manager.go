package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
)

// Manager evaluates new positions against Limits and aggregates realized
// results.
type Manager struct {
	mu      sync.RWMutex
	limits  Limits
	metrics Metrics
	store   db.MetricsStore
	log     zerolog.Logger
	now     func() time.Time
}

// NewManager creates a risk manager. store may be nil to keep metrics in
// memory only.
func NewManager(limits Limits, store db.MetricsStore, log zerolog.Logger) *Manager {
	if limits.Leverage < 1 {
		limits.Leverage = 1
	}
	m := &Manager{
		limits: limits,
		store:  store,
		log:    log.With().Str("component", "risk").Logger(),
		now:    time.Now,
	}
	m.metrics.Date = m.today()
	m.log.Info().
		Str("size_usd", limits.SizeUSD.String()).
		Int("leverage", limits.Leverage).
		Str("stop_loss_pct", limits.StopLossPercent.String()).
		Int("max_positions", limits.MaxPositions).
		Msg("risk manager initialized")
	return m
}

// Limits returns the active limits.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// Evaluate runs the pre-trade checks in order and stops at the first failure.
func (m *Manager) Evaluate(p Proposal) Decision {
	m.mu.RLock()
	lim := m.limits
	m.mu.RUnlock()

	lev := p.Leverage
	if lev < 1 {
		lev = lim.Leverage
	}
	dec := Decision{Allowed: true, RequiredMargin: p.Notional.Div(decimal.NewFromInt(int64(lev)))}
	reject := func(format string, args ...any) Decision {
		dec.Allowed = false
		dec.Reason = fmt.Sprintf(format, args...)
		m.mu.Lock()
		m.metrics.Rejections++
		m.mu.Unlock()
		m.log.Warn().Str("exchange", p.Exchange).Str("symbol", p.Symbol).Str("reason", dec.Reason).Msg("risk rejected")
		return dec
	}

	// 1. Position count.
	if lim.MaxPositions > 0 && p.OpenPositions >= lim.MaxPositions {
		return reject("max positions reached: %d/%d", p.OpenPositions, lim.MaxPositions)
	}

	// 2. Total exposure including the new position.
	if lim.MaxExposureUSD.IsPositive() {
		total := p.Exposure.Add(p.Notional)
		if total.GreaterThan(lim.MaxExposureUSD) {
			return reject("total exposure %s would exceed %s", total.StringFixed(2), lim.MaxExposureUSD.StringFixed(2))
		}
	}

	// 3. Spread.
	if lim.MaxSpreadPercent.IsPositive() && p.SpreadPercent.GreaterThan(lim.MaxSpreadPercent) {
		return reject("spread %s%% above %s%%", p.SpreadPercent.StringFixed(4), lim.MaxSpreadPercent.String())
	}

	// 4. Margin under leverage, keeping the reserve untouched.
	if p.Available.Sub(dec.RequiredMargin).LessThan(lim.MinReserveUSD) {
		return reject("insufficient margin: available %s, required %s, reserve %s",
			p.Available.StringFixed(2), dec.RequiredMargin.StringFixed(2), lim.MinReserveUSD.StringFixed(2))
	}

	// 5. Venue per-symbol cap. Zero is the venue saying "no cap".
	if p.MaxNotional.IsPositive() && p.Notional.GreaterThan(p.MaxNotional) {
		return reject("notional %s above venue max %s", p.Notional.StringFixed(2), p.MaxNotional.StringFixed(2))
	}

	return dec
}

// Check is Evaluate as an error wrapping ErrRejected.
func (m *Manager) Check(p Proposal) error {
	if d := m.Evaluate(p); !d.Allowed {
		return fmt.Errorf("%w: %s", ErrRejected, d.Reason)
	}
	return nil
}

// UpdateMetrics folds a closed trade into the in-memory and stored
// aggregates. Daily counters roll over on the first trade of a new day.
func (m *Manager) UpdateMetrics(ctx context.Context, trade TradeResult) error {
	net := trade.Net()
	at := trade.ClosedAt
	if at.IsZero() {
		at = m.now()
	}
	date := at.UTC().Format("2006-01-02")

	m.mu.Lock()
	if m.metrics.Date != date {
		m.resetDailyLocked(date)
	}
	m.metrics.DailyTrades++
	m.metrics.DailyPnL = m.metrics.DailyPnL.Add(net)
	if net.IsPositive() {
		m.metrics.DailyWins++
	} else if net.IsNegative() {
		m.metrics.DailyLosses = m.metrics.DailyLosses.Add(net.Neg())
	}
	m.metrics.TotalRealizedPnL = m.metrics.TotalRealizedPnL.Add(net)
	if m.metrics.TotalRealizedPnL.GreaterThan(m.metrics.MaxProfit) {
		m.metrics.MaxProfit = m.metrics.TotalRealizedPnL
	}
	if dd := m.metrics.MaxProfit.Sub(m.metrics.TotalRealizedPnL); dd.GreaterThan(m.metrics.MaxDrawdown) {
		m.metrics.MaxDrawdown = dd
	}
	m.mu.Unlock()

	m.log.Info().
		Str("exchange", trade.Exchange).
		Str("symbol", trade.Symbol).
		Str("net_pnl", net.StringFixed(4)).
		Str("fee", trade.Fee.StringFixed(4)).
		Msg("trade recorded")

	if m.store == nil {
		return nil
	}
	if err := m.store.RecordTrade(ctx, date, net); err != nil {
		return fmt.Errorf("persist trade metrics: %w", err)
	}
	return nil
}

// ResetDailyMetrics clears the daily counters.
func (m *Manager) ResetDailyMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyLocked(m.today())
}

func (m *Manager) resetDailyLocked(date string) {
	m.log.Info().
		Str("prev_date", m.metrics.Date).
		Str("pnl", m.metrics.DailyPnL.StringFixed(2)).
		Int("trades", m.metrics.DailyTrades).
		Msg("daily metrics reset")
	m.metrics.Date = date
	m.metrics.DailyPnL = decimal.Zero
	m.metrics.DailyTrades = 0
	m.metrics.DailyWins = 0
	m.metrics.DailyLosses = decimal.Zero
}

// GetMetrics returns a snapshot.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *Manager) today() string { return m.now().UTC().Format("2006-01-02") }
