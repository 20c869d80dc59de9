package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/monitor"
	"github.com/JacobJanuary/TradingBot-sub002/internal/protection"
	"github.com/JacobJanuary/TradingBot-sub002/internal/risk"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// Open validates, enters and protects a new position. It either returns
// an active protected position or leaves nothing open on the venue.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (Position, error) {
	if req.Exchange == "" || req.Symbol == "" {
		return Position{}, common.Errorf(common.KindValidation, req.Exchange, "open", "exchange and symbol are required")
	}
	if !req.Side.Valid() {
		return Position{}, common.Errorf(common.KindValidation, req.Exchange, "open", "invalid side %q", req.Side)
	}
	lim := e.risk.Limits()
	if !req.SizeUSD.IsPositive() {
		req.SizeUSD = lim.SizeUSD
	}
	if !req.StopLossPercent.IsPositive() {
		req.StopLossPercent = lim.StopLossPercent
	}
	if req.Leverage <= 0 {
		req.Leverage = lim.Leverage
	}

	gw, err := e.gateways(req.Exchange)
	if err != nil {
		e.metrics.OpenRejected()
		return Position{}, err
	}

	key := lock.Key(req.Exchange, req.Symbol)
	release, err := e.locks.Acquire(ctx, key, "open-"+uuid.NewString()[:8])
	if err != nil {
		e.metrics.OpenRejected()
		return Position{}, err
	}
	defer release()

	start := e.now()
	log := e.log.With().Str("exchange", req.Exchange).Str("symbol", req.Symbol).Str("side", string(req.Side)).Logger()

	t := &tracked{pos: Position{
		Exchange:  req.Exchange,
		Symbol:    req.Symbol,
		Side:      req.Side,
		State:     StateValidating,
		OpenedAt:  start,
		UpdatedAt: start,
	}}
	e.mu.Lock()
	if _, ok := e.positions[key]; ok {
		e.mu.Unlock()
		e.metrics.OpenRejected()
		return Position{}, fmt.Errorf("%w: %s tracked", ErrPositionExists, key)
	}
	e.positions[key] = t
	e.mu.Unlock()

	qty, estimate, err := e.validate(ctx, gw, req)
	if err != nil {
		e.destroy(key)
		e.metrics.OpenRejected()
		log.Warn().Err(err).Msg("open rejected")
		return Position{}, err
	}

	// entering before the first order so early fills land here
	if err := e.setState(t, StateEntering); err != nil {
		e.destroy(key)
		e.metrics.OpenRejected()
		return Position{}, err
	}
	log.Info().Str("qty", qty.String()).Str("estimate", estimate.String()).Msg("entering")

	if err := gw.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		// nothing sent yet
		e.destroy(key)
		e.metrics.OpenRejected()
		return Position{}, fmt.Errorf("set leverage: %w", err)
	}

	order, err := gw.CreateMarketOrder(ctx, req.Symbol, req.Side.EntrySide(), qty, false)
	if err != nil {
		// The request may have reached the venue before failing.
		return Position{}, fmt.Errorf("entry order: %w", e.rollback(ctx, gw, key, t, "rollback: entry failed", err))
	}
	e.mutate(t, func(p *Position) { p.EntryOrderID = order.ID })

	filled, fill, err := e.confirmFill(ctx, gw, req, order)
	if err != nil {
		return Position{}, e.rollback(ctx, gw, key, t, "rollback: entry unconfirmed", err)
	}
	if err := e.ApplyFill(req.Exchange, req.Symbol, filled, fill); err != nil {
		return Position{}, e.rollback(ctx, gw, key, t, "rollback: fill rejected", err)
	}
	e.quantities.Set(req.Exchange, req.Symbol, filled)
	e.persistEntry(ctx, t)

	if err := e.setState(t, StateProtecting); err != nil {
		return Position{}, e.rollback(ctx, gw, key, t, "rollback: "+err.Error(), err)
	}

	// The stop always derives from the real fill, never the estimate.
	stop := risk.StopPrice(fill, req.Side, req.StopLossPercent)
	out, err := e.protector.Update(ctx, protection.Request{
		Exchange:     req.Exchange,
		Symbol:       req.Symbol,
		Side:         req.Side,
		TriggerPrice: stop,
	})
	if err != nil {
		e.alerts.Alert(ctx, monitor.AlertProtectionFailed, req.Exchange, req.Symbol, map[string]any{
			"qty":   filled.String(),
			"fill":  fill.String(),
			"stop":  stop.String(),
			"error": err.Error(),
		})
		return Position{}, fmt.Errorf("protect %s: %w", req.Symbol, e.rollback(ctx, gw, key, t, "rollback: protection failed", err))
	}

	if err := e.setState(t, StateActive); err != nil {
		return Position{}, e.rollback(ctx, gw, key, t, "rollback: "+err.Error(), err)
	}
	e.recordProtection(ctx, t, out)
	if trailing := e.risk.Limits().TrailingPercent; trailing.IsPositive() {
		e.mu.Lock()
		t.trailer = risk.NewTrailer(req.Side, fill, out.TriggerPrice, trailing)
		e.mu.Unlock()
	}

	p := e.snapshot(t)
	e.metrics.OpenSucceeded(time.Since(start))
	e.publish(events.EventPositionOpened, p, "", decimal.Zero)
	log.Info().
		Str("qty", p.Quantity.String()).
		Str("fill", fill.String()).
		Str("stop", out.TriggerPrice.String()).
		Str("mechanism", string(out.Mechanism)).
		Dur("took", time.Since(start)).
		Msg("position active")
	return p, nil
}

// validate runs the pre-entry checks and returns the normalized quantity
// and the price it was sized at.
func (e *Engine) validate(ctx context.Context, gw Gateway, req OpenRequest) (decimal.Decimal, decimal.Decimal, error) {
	key := lock.Key(req.Exchange, req.Symbol)
	if _, err := e.store.GetOpenPosition(ctx, req.Symbol, req.Exchange); err == nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s open in store", ErrPositionExists, key)
	} else if !errors.Is(err, db.ErrNotFound) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("check store: %w", err)
	}
	if _, ok, err := gw.FetchPosition(ctx, req.Symbol); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("check exchange: %w", err)
	} else if ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s open on exchange", ErrPositionExists, key)
	}

	tk, err := gw.FetchTicker(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ticker: %w", err)
	}
	price := tk.Ask
	if req.Side == common.PositionShort {
		price = tk.Bid
	}
	if !price.IsPositive() {
		price = tk.Mid()
	}
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, common.Errorf(common.KindValidation, req.Exchange, "open", "no price for %s", req.Symbol)
	}

	qty, err := gw.NormalizeQuantity(ctx, req.Symbol, req.SizeUSD.Div(price), price, req.SizeUSD, e.cfg.CostTolerance)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	lim, err := gw.MarketLimits(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	avail, err := gw.AvailableBalance(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("balance: %w", err)
	}
	count, exposure := e.exposure()
	err = e.risk.Check(risk.Proposal{
		Exchange:      req.Exchange,
		Symbol:        req.Symbol,
		Notional:      qty.Mul(price),
		Leverage:      req.Leverage,
		SpreadPercent: tk.SpreadPercent(),
		Available:     avail,
		MaxNotional:   lim.MaxNotional,
		OpenPositions: count,
		Exposure:      exposure,
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return qty, price, nil
}

// confirmFill reads the real filled quantity and average price: from the
// order response, then the order record, then the venue position.
func (e *Engine) confirmFill(ctx context.Context, gw Gateway, req OpenRequest, o common.Order) (decimal.Decimal, decimal.Decimal, error) {
	filled, avg := o.Filled, o.AvgPrice
	if !filled.IsPositive() || !avg.IsPositive() {
		rec, err := gw.FetchOrder(ctx, req.Symbol, o.ID)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", req.Symbol).Str("order_id", o.ID).Msg("order lookup failed")
		} else {
			if !filled.IsPositive() {
				filled = rec.Filled
			}
			if !avg.IsPositive() {
				avg = rec.AvgPrice
			}
		}
	}
	if !filled.IsPositive() || !avg.IsPositive() {
		pos, ok, err := gw.FetchPosition(ctx, req.Symbol)
		if err == nil && ok && pos.Side == req.Side {
			if !filled.IsPositive() {
				filled = pos.Quantity
			}
			if !avg.IsPositive() {
				avg = pos.EntryPrice
			}
		}
	}
	if !filled.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: order %s status %s", ErrUnfilled, o.ID, o.Status)
	}
	if !avg.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: order %s has no fill price", ErrUnfilled, o.ID)
	}
	return filled, avg, nil
}

// persistEntry writes the record as soon as something is on the venue.
// A store failure is logged; the orphan sweep will report the position.
func (e *Engine) persistEntry(ctx context.Context, t *tracked) {
	p := e.snapshot(t)
	id, err := e.store.CreatePosition(ctx, db.PositionRecord{
		Exchange:     p.Exchange,
		Symbol:       p.Symbol,
		Side:         string(p.Side),
		Quantity:     p.Quantity,
		EntryPrice:   p.EntryPrice,
		CurrentPrice: p.EntryPrice,
		Status:       db.StatusActive,
		State:        string(StateEntering),
		OpenedAt:     p.OpenedAt,
	})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", p.Symbol).Msg("persist position failed")
		return
	}
	e.mutate(t, func(p *Position) { p.ID = id })
}

// rollback undoes an entry that cannot be completed. It runs on a detached
// context so that a cancelled caller never leaves an unprotected fill. It
// returns cause, joined with ErrRollbackPending when the venue could not be
// flattened yet.
func (e *Engine) rollback(parent context.Context, gw Gateway, key string, t *tracked, reason string, cause error) error {
	p := e.snapshot(t)
	e.log.Error().Err(cause).Str("exchange", p.Exchange).Str("symbol", p.Symbol).Str("reason", reason).Msg("rolling back entry")

	e.mu.Lock()
	t.rollback = reason
	e.mu.Unlock()
	if err := e.setState(t, StateClosing); err != nil {
		return errors.Join(cause, err)
	}
	if !e.unwindLocked(parent, gw, key, t) {
		return fmt.Errorf("%w (%w)", cause, ErrRollbackPending)
	}
	return cause
}

// unwindLocked makes one bounded pass at flattening a position whose entry
// is being undone and reports whether it finished. Until then the position
// stays tracked as closing with its record open, and the monitor calls
// again. The caller holds the symbol lock.
func (e *Engine) unwindLocked(parent context.Context, gw Gateway, key string, t *tracked) bool {
	ctx, cancel := e.detached(parent)
	defer cancel()

	p := e.snapshot(t)
	reason := e.pendingRollback(t)
	log := e.log.With().Str("exchange", p.Exchange).Str("symbol", p.Symbol).Str("reason", reason).Logger()

	onVenue, verified := e.rollbackQuantity(ctx, gw, p)
	if !verified {
		log.Error().Msg("venue position unverified; rollback left pending")
		e.alerts.Alert(ctx, monitor.AlertRollbackFailed, p.Exchange, p.Symbol, map[string]any{
			"qty":      p.Quantity.String(),
			"reason":   "unverified",
			"rollback": reason,
		})
		e.persistState(ctx, t)
		return false
	}

	pnl := decimal.Zero
	if qty := onVenue.Quantity; qty.IsPositive() {
		exit, err := e.exitWithRetry(ctx, gw, p, qty)
		if err != nil {
			log.Error().Err(err).Str("qty", qty.String()).Msg("compensating close failed; rollback left pending")
			e.alerts.Alert(ctx, monitor.AlertRollbackFailed, p.Exchange, p.Symbol, map[string]any{
				"qty":      qty.String(),
				"reason":   "exit failed",
				"rollback": reason,
				"error":    err.Error(),
			})
			e.emergencyStop(ctx, t, onVenue)
			e.persistState(ctx, t)
			return false
		}
		entry := p.EntryPrice
		if !entry.IsPositive() {
			entry = onVenue.EntryPrice
		}
		if entry.IsPositive() && exit.IsPositive() {
			gross, fee := risk.RealizedPnL(p.Side, entry, exit, qty, e.risk.Limits().CommissionRate)
			pnl = gross.Sub(fee)
			if err := e.risk.UpdateMetrics(ctx, risk.TradeResult{
				Exchange: p.Exchange, Symbol: p.Symbol, Side: p.Side, Quantity: qty,
				EntryPrice: entry, ExitPrice: exit, PnL: gross, Fee: fee, ClosedAt: e.now(),
			}); err != nil {
				log.Warn().Err(err).Msg("record rollback trade failed")
			}
		}
	}
	e.cancelStops(ctx, gw, p.Symbol)

	if p.ID > 0 {
		f := db.ClosedFields(reason, pnl, e.now())
		f["state"] = string(StateRolledBack)
		if err := e.store.UpdatePosition(ctx, p.ID, f); err != nil {
			log.Error().Err(err).Int64("id", p.ID).Msg("close rolled back record failed")
		}
	}

	_ = e.setState(t, StateRolledBack)
	p = e.snapshot(t)
	e.destroy(key)
	e.metrics.RolledBack()
	e.publish(events.EventPositionRolledBack, p, reason, pnl)
	log.Info().Str("pnl", pnl.StringFixed(4)).Msg("entry rolled back")
	return true
}

// rollbackQuantity reads what the venue holds for p. A flat venue or an
// opposite side yields zero. When every lookup fails, a known fill is
// still safe to close reduce-only; an unknown one is not verified.
func (e *Engine) rollbackQuantity(ctx context.Context, gw Gateway, p Position) (common.PositionInfo, bool) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.RollbackAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, e.rollbackDelay(attempt)); err != nil {
				break
			}
		}
		onVenue, ok, err := gw.FetchPosition(ctx, p.Symbol)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok || onVenue.Side != p.Side {
			return common.PositionInfo{Symbol: p.Symbol, Side: p.Side}, true
		}
		return onVenue, true
	}
	e.log.Warn().Err(lastErr).Str("symbol", p.Symbol).Int("attempts", e.cfg.RollbackAttempts).Msg("venue position lookup failed")
	if p.Quantity.IsPositive() {
		return common.PositionInfo{Symbol: p.Symbol, Side: p.Side, Quantity: p.Quantity, EntryPrice: p.EntryPrice}, true
	}
	return common.PositionInfo{}, false
}

// exitWithRetry sends the reduce-only exit up to RollbackAttempts times.
// A repeat after a lost response is refused by the venue, never doubled.
func (e *Engine) exitWithRetry(ctx context.Context, gw Gateway, p Position, qty decimal.Decimal) (decimal.Decimal, error) {
	var err error
	for attempt := 0; attempt < e.cfg.RollbackAttempts; attempt++ {
		if attempt > 0 {
			if serr := sleepCtx(ctx, e.rollbackDelay(attempt)); serr != nil {
				return decimal.Zero, errors.Join(err, serr)
			}
		}
		var exit decimal.Decimal
		if exit, err = e.marketExit(ctx, gw, p, qty); err == nil {
			return exit, nil
		}
		e.log.Warn().Err(err).Str("symbol", p.Symbol).Int("attempt", attempt+1).Msg("compensating close attempt failed")
	}
	return decimal.Zero, err
}

func (e *Engine) rollbackDelay(attempt int) time.Duration {
	return e.cfg.RollbackBackoff << (attempt - 1)
}

// emergencyStop covers a position the engine failed to flatten with a stop
// at the configured distance from entry, unless one is already recorded.
func (e *Engine) emergencyStop(ctx context.Context, t *tracked, onVenue common.PositionInfo) {
	p := e.snapshot(t)
	if p.Protection.Placed() {
		return
	}
	entry := p.EntryPrice
	if !entry.IsPositive() {
		entry = onVenue.EntryPrice
	}
	if !entry.IsPositive() {
		return
	}
	stop := risk.StopPrice(entry, p.Side, e.risk.Limits().StopLossPercent)
	out, err := e.protector.Update(ctx, protection.Request{
		Exchange:     p.Exchange,
		Symbol:       p.Symbol,
		Side:         p.Side,
		TriggerPrice: stop,
	})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", p.Symbol).Str("stop", stop.String()).Msg("emergency stop failed")
		return
	}
	e.log.Warn().Str("symbol", p.Symbol).Str("stop", out.TriggerPrice.String()).Msg("emergency stop placed")
	e.recordProtection(ctx, t, out)
}

// persistState writes the in-memory lifecycle state to an open record.
func (e *Engine) persistState(ctx context.Context, t *tracked) {
	p := e.snapshot(t)
	if p.ID == 0 {
		return
	}
	if err := e.store.UpdatePosition(ctx, p.ID, db.Fields{"state": string(p.State)}); err != nil {
		e.log.Error().Err(err).Int64("id", p.ID).Msg("persist state failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// marketExit sends a reduce-only market order for qty and returns the
// exit price.
func (e *Engine) marketExit(ctx context.Context, gw Gateway, p Position, qty decimal.Decimal) (decimal.Decimal, error) {
	aligned, err := gw.AlignQuantity(ctx, p.Symbol, qty)
	if err != nil {
		return decimal.Zero, err
	}
	o, err := gw.CreateMarketOrder(ctx, p.Symbol, p.Side.ExitSide(), aligned, true)
	if err != nil {
		return decimal.Zero, err
	}
	price := o.AvgPrice
	if !price.IsPositive() {
		if rec, err := gw.FetchOrder(ctx, p.Symbol, o.ID); err == nil {
			price = rec.AvgPrice
		}
	}
	if !price.IsPositive() {
		if tk, err := gw.FetchTicker(ctx, p.Symbol); err == nil {
			price = tk.Last
		}
	}
	return price, nil
}

// cancelStops removes every resting stop for symbol.
func (e *Engine) cancelStops(ctx context.Context, gw Gateway, symbol string) {
	stops, err := gw.FetchProtectiveOrders(ctx, symbol)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("list stops failed")
		return
	}
	if len(stops) == 0 {
		return
	}
	ids := make([]string, 0, len(stops))
	for _, o := range stops {
		ids = append(ids, o.ID)
	}
	if n, err := gw.CancelOrders(ctx, symbol, ids...); err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Int("cancelled", n).Int("total", len(ids)).Msg("cancel stops failed")
	}
}
