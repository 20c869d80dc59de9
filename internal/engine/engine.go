package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
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
)

var (
	ErrPositionExists   = errors.New("position already open")
	ErrPositionNotFound = errors.New("position not tracked")
	ErrNotEntering      = errors.New("position is not entering")
	ErrNotProtected     = errors.New("position is not in a protected state")
	ErrUnfilled         = errors.New("entry order not filled")
	ErrStillOnVenue     = errors.New("position still open on venue")
	ErrNotSettled       = errors.New("position is mid-workflow")
	ErrRollbackPending  = errors.New("rollback pending; position kept as closing")
)

// Deps are the collaborators the engine is built from.
type Deps struct {
	Gateways   Lookup
	Locks      Locker
	Protector  Protector
	Risk       *risk.Manager
	Store      db.PositionStore
	Quantities *state.Manager
	Bus        *events.Bus
	Alerts     Alerter
	Metrics    *monitor.Metrics
}

// Config tunes engine behavior.
type Config struct {
	// CostTolerance is how far above the requested size a minimum-quantity
	// round-up may go (0.1 = 10%).
	CostTolerance   decimal.Decimal
	MonitorInterval time.Duration
	// RollbackTimeout bounds compensation that runs after the caller gave up.
	RollbackTimeout time.Duration
	// MonitorConcurrency caps parallel per-position checks.
	MonitorConcurrency int
	// RollbackAttempts and RollbackBackoff bound each pass at undoing an
	// entry. The backoff doubles per attempt. The monitor runs further
	// passes until the venue is flat.
	RollbackAttempts int
	RollbackBackoff  time.Duration
}

type tracked struct {
	pos     Position
	trailer *risk.Trailer
	// rollback is the exit reason of an entry still being undone.
	rollback string
}

// Engine runs position workflows. The position table is mutated only here.
type Engine struct {
	gateways   Lookup
	locks      Locker
	protector  Protector
	risk       *risk.Manager
	store      db.PositionStore
	quantities *state.Manager
	bus        *events.Bus
	alerts     Alerter
	metrics    *monitor.Metrics
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	positions map[string]*tracked
	aged      map[string]risk.AgedTarget
}

type noAlerts struct{}

func (noAlerts) Alert(context.Context, string, string, string, map[string]any) {}

// New builds an engine. Alerts, Metrics and Quantities default to no-op or
// fresh instances when nil.
func New(deps Deps, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = 30 * time.Second
	}
	if cfg.MonitorConcurrency <= 0 {
		cfg.MonitorConcurrency = 4
	}
	if cfg.RollbackAttempts <= 0 {
		cfg.RollbackAttempts = 3
	}
	if cfg.RollbackBackoff <= 0 {
		cfg.RollbackBackoff = 500 * time.Millisecond
	}
	e := &Engine{
		gateways:   deps.Gateways,
		locks:      deps.Locks,
		protector:  deps.Protector,
		risk:       deps.Risk,
		store:      deps.Store,
		quantities: deps.Quantities,
		bus:        deps.Bus,
		alerts:     deps.Alerts,
		metrics:    deps.Metrics,
		cfg:        cfg,
		log:        log.With().Str("component", "engine").Logger(),
		now:        time.Now,
		positions:  make(map[string]*tracked),
		aged:       make(map[string]risk.AgedTarget),
	}
	if e.alerts == nil {
		e.alerts = noAlerts{}
	}
	if e.metrics == nil {
		e.metrics = monitor.NewMetrics()
	}
	if e.quantities == nil {
		e.quantities = state.NewManager(0)
	}
	return e
}

// FromRegistry adapts a gateway registry to a Lookup.
func FromRegistry(reg *gateway.Registry) Lookup {
	return func(exchange string) (Gateway, error) {
		gw, err := reg.Get(exchange)
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}

// --- position table ---

func (e *Engine) get(key string) (*tracked, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.positions[key]
	return t, ok
}

func (e *Engine) pendingRollback(t *tracked) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return t.rollback
}

func (e *Engine) snapshot(t *tracked) Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return t.pos
}

func (e *Engine) mutate(t *tracked, fn func(p *Position)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&t.pos)
	t.pos.UpdatedAt = e.now()
}

func (e *Engine) setState(t *tracked, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := t.pos.State
	if err := checkTransition(from, to); err != nil {
		e.log.Error().Err(err).Str("symbol", t.pos.Symbol).Msg("lifecycle bug")
		return err
	}
	t.pos.State = to
	t.pos.UpdatedAt = e.now()
	e.log.Info().
		Str("exchange", t.pos.Exchange).
		Str("symbol", t.pos.Symbol).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("state transition")
	return nil
}

// destroy drops every trace of a position in one step.
func (e *Engine) destroy(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.positions[key]
	delete(e.positions, key)
	delete(e.aged, key)
	if ok {
		t.trailer = nil
		e.quantities.Forget(t.pos.Exchange, t.pos.Symbol)
	}
}

func (e *Engine) exposure() (int, decimal.Decimal) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	total := decimal.Zero
	for _, t := range e.positions {
		if t.pos.State.Terminal() || t.pos.State == StateValidating {
			continue
		}
		n++
		total = total.Add(t.pos.Notional())
	}
	return n, total
}

func (e *Engine) publish(evt events.Event, p Position, reason string, pnl decimal.Decimal) {
	e.bus.Publish(evt, events.PositionEvent{
		Exchange:   p.Exchange,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		State:      string(p.State),
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		StopPrice:  p.Protection.TriggerPrice,
		PnL:        pnl,
		Reason:     reason,
		Time:       e.now(),
	})
}

// --- read side ---

// Positions returns every tracked position sorted by exchange and symbol.
func (e *Engine) Positions() []Position {
	e.mu.RLock()
	out := make([]Position, 0, len(e.positions))
	for _, t := range e.positions {
		out = append(out, t.pos)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Position returns one tracked position.
func (e *Engine) Position(exchange, symbol string) (Position, bool) {
	t, ok := e.get(lock.Key(exchange, symbol))
	if !ok {
		return Position{}, false
	}
	return e.snapshot(t), true
}

// AgedTarget returns the current exit target of an aged position.
func (e *Engine) AgedTarget(exchange, symbol string) (risk.AgedTarget, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.aged[lock.Key(exchange, symbol)]
	return t, ok
}

// Stats summarizes the table.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{ByState: make(map[State]int), Exposure: decimal.Zero, Aged: len(e.aged)}
	for _, t := range e.positions {
		s.Tracked++
		s.ByState[t.pos.State]++
		s.Exposure = s.Exposure.Add(t.pos.Notional())
	}
	return s
}

// ApplyFill records an incremental fill for a position still entering.
func (e *Engine) ApplyFill(exchange, symbol string, qty, price decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.positions[lock.Key(exchange, symbol)]
	if !ok {
		return ErrPositionNotFound
	}
	if t.pos.State != StateEntering {
		return fmt.Errorf("%w: %s", ErrNotEntering, t.pos.State)
	}
	if qty.IsPositive() {
		t.pos.Quantity = qty
	}
	if price.IsPositive() {
		t.pos.EntryPrice = price
	}
	t.pos.UpdatedAt = e.now()
	return nil
}

// Recover seeds the table from the store's active records. Call once at
// startup, before Run.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recs, err := e.store.GetActivePositions(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("load active positions: %w", err)
	}
	policy := e.risk.Limits().Aged
	trailing := e.risk.Limits().TrailingPercent

	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range recs {
		side := common.PositionSide(r.Side)
		if !side.Valid() {
			e.log.Warn().Int64("id", r.ID).Str("side", r.Side).Msg("skipping record with invalid side")
			continue
		}
		key := lock.Key(r.Exchange, r.Symbol)
		if _, ok := e.positions[key]; ok {
			e.log.Warn().Int64("id", r.ID).Str("key", key).Msg("duplicate active record")
			continue
		}
		st := StateActive
		pending := ""
		switch {
		case r.State == string(StateClosing):
			// an entry that was being undone when the process stopped
			st, pending = StateClosing, "rollback: recovered"
		case policy.Phase(e.now().Sub(r.OpenedAt)) != risk.PhaseFresh:
			st = StateAged
		}
		p := Position{
			ID:           r.ID,
			Exchange:     r.Exchange,
			Symbol:       r.Symbol,
			Side:         side,
			Quantity:     r.Quantity,
			EntryPrice:   r.EntryPrice,
			CurrentPrice: r.CurrentPrice,
			State:        st,
			OpenedAt:     r.OpenedAt,
			UpdatedAt:    e.now(),
		}
		if r.HasProtection {
			p.Protection = ProtectionState{OrderID: r.StopOrderID, TriggerPrice: r.StopLossPrice, Quantity: r.Quantity}
		}
		t := &tracked{pos: p, rollback: pending}
		if trailing.IsPositive() && pending == "" {
			t.trailer = risk.NewTrailer(side, r.EntryPrice, r.StopLossPrice, trailing)
		}
		e.positions[key] = t
		n++
	}
	e.log.Info().Int("positions", n).Msg("recovered from store")
	return n, nil
}

// recordProtection stores a confirmed outcome in memory and in the store.
func (e *Engine) recordProtection(ctx context.Context, t *tracked, out protection.Outcome) {
	e.mutate(t, func(p *Position) {
		p.Protection.Mechanism = out.Mechanism
		p.Protection.TriggerPrice = out.TriggerPrice
		p.Protection.UpdatedAt = e.now()
		if out.OrderID != "" {
			p.Protection.OrderID = out.OrderID
		}
		if out.Quantity.IsPositive() {
			p.Protection.Quantity = out.Quantity
		}
	})
	p := e.snapshot(t)
	if p.ID > 0 {
		f := db.Fields{
			"has_protection":  true,
			"stop_loss_price": out.TriggerPrice,
			"stop_order_id":   p.Protection.OrderID,
			"state":           string(p.State),
		}
		if err := e.store.UpdatePosition(ctx, p.ID, f); err != nil {
			e.log.Warn().Err(err).Int64("id", p.ID).Msg("persist protection failed")
		}
	}
	e.bus.Publish(events.EventProtectionUpdated, events.ProtectionEvent{
		Exchange:          p.Exchange,
		Symbol:            p.Symbol,
		Mechanism:         string(out.Mechanism),
		TriggerPrice:      out.TriggerPrice,
		Unchanged:         out.Unchanged,
		UnprotectedWindow: out.UnprotectedWindow,
		Time:              e.now(),
	})
}

// detached returns a context that survives the caller's cancellation,
// bounded by RollbackTimeout.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RollbackTimeout)
}
