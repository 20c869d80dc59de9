package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// Run drives the periodic position checks and consumes venue position
// updates until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	updates, unsub := e.bus.Subscribe(events.EventVenuePosition, 256)
	defer unsub()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", e.cfg.MonitorInterval).Msg("position monitor started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("position monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			e.CheckPositions(ctx)
		case msg, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			vp, ok := msg.(events.VenuePosition)
			if !ok {
				continue
			}
			e.onVenuePosition(ctx, vp)
		}
	}
}

func (e *Engine) onVenuePosition(ctx context.Context, vp events.VenuePosition) {
	// Only tracked keys are cached; destroy is what clears them. Untracked
	// symbols belong to the orphan sweep.
	e.mu.RLock()
	t, ok := e.positions[lock.Key(vp.Exchange, vp.Symbol)]
	if ok {
		e.quantities.Set(vp.Exchange, vp.Symbol, vp.Quantity)
	}
	e.mu.RUnlock()
	if !ok {
		return
	}
	switch e.snapshot(t).State {
	case StateEntering:
		_ = e.ApplyFill(vp.Exchange, vp.Symbol, vp.Quantity, decimal.Zero)
	case StateActive, StateAged, StateClosing:
		if vp.Quantity.IsZero() {
			// likely the stop fired; verify now instead of waiting a tick
			go e.checkPosition(ctx, vp.Exchange, vp.Symbol)
		}
	}
}

// CheckPositions inspects every protected position once and retries any
// rollback still pending.
func (e *Engine) CheckPositions(ctx context.Context) {
	var targets []Position
	for _, p := range e.Positions() {
		if p.State.Protected() || p.State == StateClosing {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MonitorConcurrency)
	for _, p := range targets {
		g.Go(func() error {
			e.checkPosition(gctx, p.Exchange, p.Symbol)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) checkPosition(ctx context.Context, exchange, symbol string) {
	gw, err := e.gateways(exchange)
	if err != nil {
		return
	}
	key := lock.Key(exchange, symbol)
	release, err := e.locks.Acquire(ctx, key, "monitor-"+uuid.NewString()[:8])
	if err != nil {
		var te *lock.TimeoutError
		if !errors.As(err, &te) && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Str("key", key).Msg("monitor lock failed")
		}
		return
	}
	exit := ""
	if t, ok := e.get(key); ok {
		exit = e.inspectLocked(ctx, gw, key, t)
	}
	release()

	if exit != "" {
		if _, err := e.Close(ctx, exchange, symbol, exit); err != nil && !errors.Is(err, ErrPositionNotFound) {
			e.log.Error().Err(err).Str("key", key).Str("reason", exit).Msg("monitor close failed")
		}
	}
}

// inspectLocked refreshes one position and returns a close reason when it
// should leave the market.
func (e *Engine) inspectLocked(ctx context.Context, gw Gateway, key string, t *tracked) string {
	if e.pendingRollback(t) != "" {
		e.unwindLocked(ctx, gw, key, t)
		return ""
	}
	p := e.snapshot(t)
	if !p.State.Protected() {
		return ""
	}
	log := e.log.With().Str("exchange", p.Exchange).Str("symbol", p.Symbol).Logger()

	onVenue, ok, err := gw.FetchPosition(ctx, p.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("position check failed")
		return ""
	}
	if !ok || onVenue.Side != p.Side {
		if err := e.externalCloseLocked(ctx, gw, key, t, "external: position gone from venue"); err != nil {
			log.Warn().Err(err).Msg("external close deferred")
		}
		return ""
	}
	e.quantities.Set(p.Exchange, p.Symbol, onVenue.Quantity)

	price := onVenue.MarkPrice
	if tk, err := gw.FetchTicker(ctx, p.Symbol); err == nil && tk.Last.IsPositive() {
		price = tk.Last
	}
	if price.IsPositive() {
		e.mutate(t, func(p *Position) { p.CurrentPrice = price })
		if p.ID > 0 {
			if err := e.store.UpdatePosition(ctx, p.ID, db.Fields{"current_price": price}); err != nil {
				log.Debug().Err(err).Msg("persist price failed")
			}
		}
	}

	// Aging.
	policy := e.risk.Limits().Aged
	age := e.now().Sub(p.OpenedAt)
	if phase := policy.Phase(age); phase != risk.PhaseFresh {
		if p.State == StateActive {
			if err := e.setState(t, StateAged); err == nil {
				p = e.snapshot(t)
				if p.ID > 0 {
					_ = e.store.UpdatePosition(ctx, p.ID, db.Fields{"state": string(StateAged)})
				}
				e.publish(events.EventPositionAged, p, string(phase), p.UnrealizedPnL())
			}
		}
		target := policy.Target(p.Side, p.EntryPrice, age)
		e.mu.Lock()
		e.aged[key] = target
		e.mu.Unlock()
		if target.Reached(p.Side, price) {
			log.Info().Str("phase", string(phase)).Str("price", price.String()).Str("target", target.Price.String()).Msg("aged exit")
			return "aged: " + string(phase)
		}
	}

	// Trailing.
	e.mu.RLock()
	tr := t.trailer
	e.mu.RUnlock()
	if tr != nil {
		if stop, moved := tr.Next(price); moved {
			if err := e.updateStopLocked(ctx, gw, t, stop); err != nil {
				log.Warn().Err(err).Str("stop", stop.String()).Msg("trailing update failed")
			} else {
				tr.Advance(price, e.snapshot(t).Protection.TriggerPrice)
			}
		}
	}

	// Protection must still be on the venue.
	if e.protectionMissing(ctx, gw, p.Symbol, onVenue) {
		trigger := e.snapshot(t).Protection.TriggerPrice
		if !trigger.IsPositive() {
			trigger = risk.StopPrice(p.EntryPrice, p.Side, e.risk.Limits().StopLossPercent)
		}
		if price.IsPositive() && !risk.StopIsOnSide(trigger, price, p.Side) {
			log.Warn().Str("stop", trigger.String()).Str("price", price.String()).Msg("stop missing and breached")
			return "stop breached"
		}
		log.Warn().Str("stop", trigger.String()).Msg("stop missing; re-placing")
		if err := e.updateStopLocked(ctx, gw, t, trigger); err != nil {
			log.Error().Err(err).Msg("re-placing stop failed")
		}
	}
	return ""
}

// protectionMissing reports whether the venue lacks exactly one stop for
// the position.
func (e *Engine) protectionMissing(ctx context.Context, gw Gateway, symbol string, pos common.PositionInfo) bool {
	if gw.Capabilities().AtomicProtection {
		return !pos.StopLoss.IsPositive()
	}
	stops, err := gw.FetchProtectiveOrders(ctx, symbol)
	if err != nil {
		return false
	}
	exit := pos.Side.ExitSide()
	n := 0
	for _, o := range stops {
		if o.Side == exit {
			n++
		}
	}
	return n != 1
}
