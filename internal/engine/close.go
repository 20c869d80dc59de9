package engine

import (
	"context"
	"errors"
	"fmt"

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

// Close exits a tracked position at market and cancels its stops.
func (e *Engine) Close(ctx context.Context, exchange, symbol, reason string) (CloseResult, error) {
	gw, err := e.gateways(exchange)
	if err != nil {
		return CloseResult{}, err
	}
	key := lock.Key(exchange, symbol)
	release, err := e.locks.Acquire(ctx, key, "close-"+uuid.NewString()[:8])
	if err != nil {
		return CloseResult{}, err
	}
	defer release()

	t, ok := e.get(key)
	if !ok {
		return CloseResult{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	if reason == "" {
		reason = "manual"
	}
	if pending := e.pendingRollback(t); pending != "" {
		// the entry is already being undone; finish that instead
		if !e.unwindLocked(ctx, gw, key, t) {
			return CloseResult{}, fmt.Errorf("%w: %s", ErrRollbackPending, key)
		}
		return CloseResult{Exchange: exchange, Symbol: symbol, Quantity: e.snapshot(t).Quantity, Reason: pending}, nil
	}
	return e.closeLocked(ctx, gw, key, t, reason)
}

func (e *Engine) closeLocked(ctx context.Context, gw Gateway, key string, t *tracked, reason string) (CloseResult, error) {
	prev := e.snapshot(t).State
	if err := e.setState(t, StateClosing); err != nil {
		return CloseResult{}, err
	}
	p := e.snapshot(t)
	log := e.log.With().Str("exchange", p.Exchange).Str("symbol", p.Symbol).Str("reason", reason).Logger()

	onVenue, ok, err := gw.FetchPosition(ctx, p.Symbol)
	if err != nil {
		_ = e.setState(t, prev)
		return CloseResult{}, fmt.Errorf("check position: %w", err)
	}
	if !ok || onVenue.Side != p.Side {
		log.Warn().Msg("position already gone from venue")
		dctx, cancel := e.detached(ctx)
		defer cancel()
		e.cancelStops(dctx, gw, p.Symbol)
		return e.finalize(dctx, key, t, e.lastPrice(dctx, gw, p), p.Quantity, "external: "+reason), nil
	}

	// Exit first. The stop stays on the venue until the exit is confirmed.
	exit, err := e.marketExit(ctx, gw, p, onVenue.Quantity)
	if err != nil {
		_ = e.setState(t, prev)
		log.Error().Err(err).Msg("market exit failed; stop kept")
		return CloseResult{}, fmt.Errorf("market exit: %w", err)
	}

	dctx, cancel := e.detached(ctx)
	defer cancel()
	e.cancelStops(dctx, gw, p.Symbol)
	res := e.finalize(dctx, key, t, exit, onVenue.Quantity, reason)
	log.Info().Str("exit", exit.String()).Str("pnl", res.PnL.StringFixed(4)).Msg("position closed")
	return res, nil
}

// HandleExternalClose finalizes a position that left the venue without
// the engine closing it, e.g. its stop triggered. reason is stored as is.
func (e *Engine) HandleExternalClose(ctx context.Context, exchange, symbol, reason string) error {
	gw, err := e.gateways(exchange)
	if err != nil {
		return err
	}
	key := lock.Key(exchange, symbol)
	release, err := e.locks.Acquire(ctx, key, "external-"+uuid.NewString()[:8])
	if err != nil {
		return err
	}
	defer release()

	t, ok := e.get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	// re-check under the lock; the caller's view may be stale
	onVenue, ok, err := gw.FetchPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("check position: %w", err)
	}
	if ok && onVenue.Side == e.snapshot(t).Side {
		return fmt.Errorf("%w: %s", ErrStillOnVenue, key)
	}
	if e.pendingRollback(t) != "" {
		if !e.unwindLocked(ctx, gw, key, t) {
			return fmt.Errorf("%w: %s", ErrRollbackPending, key)
		}
		return nil
	}
	return e.externalCloseLocked(ctx, gw, key, t, reason)
}

// externalCloseLocked finalizes a protected position the venue no longer
// holds. Any other state belongs to a workflow still running and yields
// ErrNotSettled so the caller retries later.
func (e *Engine) externalCloseLocked(ctx context.Context, gw Gateway, key string, t *tracked, reason string) error {
	p := e.snapshot(t)
	if !p.State.Protected() {
		return fmt.Errorf("%w: %s is %s", ErrNotSettled, key, p.State)
	}
	dctx, cancel := e.detached(ctx)
	defer cancel()
	e.cancelStops(dctx, gw, p.Symbol)
	exit := p.Protection.TriggerPrice
	if !exit.IsPositive() {
		exit = e.lastPrice(dctx, gw, p)
	}
	e.alerts.Alert(dctx, monitor.AlertExternalClose, p.Exchange, p.Symbol, map[string]any{
		"qty":    p.Quantity.String(),
		"reason": reason,
	})
	e.finalize(dctx, key, t, exit, p.Quantity, reason)
	return nil
}

// finalize records the result and removes the position.
func (e *Engine) finalize(ctx context.Context, key string, t *tracked, exit, qty decimal.Decimal, reason string) CloseResult {
	p := e.snapshot(t)
	res := CloseResult{Exchange: p.Exchange, Symbol: p.Symbol, Quantity: qty, ExitPrice: exit, Reason: reason}
	if exit.IsPositive() && p.EntryPrice.IsPositive() {
		gross, fee := risk.RealizedPnL(p.Side, p.EntryPrice, exit, qty, e.risk.Limits().CommissionRate)
		res.PnL = gross.Sub(fee)
		res.Fee = fee
		if err := e.risk.UpdateMetrics(ctx, risk.TradeResult{
			Exchange: p.Exchange, Symbol: p.Symbol, Side: p.Side, Quantity: qty,
			EntryPrice: p.EntryPrice, ExitPrice: exit, PnL: gross, Fee: fee, ClosedAt: e.now(),
		}); err != nil {
			e.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("record trade failed")
		}
	}
	if p.ID > 0 {
		f := db.ClosedFields(reason, res.PnL, e.now())
		f["current_price"] = exit
		if err := e.store.UpdatePosition(ctx, p.ID, f); err != nil {
			e.log.Error().Err(err).Int64("id", p.ID).Msg("persist close failed")
		}
	}
	_ = e.setState(t, StateClosed)
	p = e.snapshot(t)
	e.destroy(key)
	e.metrics.Closed()
	e.publish(events.EventPositionClosed, p, reason, res.PnL)
	return res
}

func (e *Engine) lastPrice(ctx context.Context, gw Gateway, p Position) decimal.Decimal {
	if tk, err := gw.FetchTicker(ctx, p.Symbol); err == nil && tk.Last.IsPositive() {
		return tk.Last
	}
	return p.CurrentPrice
}

// UpdateStopLoss moves the stop of an active or aged position.
func (e *Engine) UpdateStopLoss(ctx context.Context, exchange, symbol string, trigger decimal.Decimal) (Position, error) {
	gw, err := e.gateways(exchange)
	if err != nil {
		return Position{}, err
	}
	key := lock.Key(exchange, symbol)
	release, err := e.locks.Acquire(ctx, key, "stop-"+uuid.NewString()[:8])
	if err != nil {
		return Position{}, err
	}
	defer release()

	t, ok := e.get(key)
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	if err := e.updateStopLocked(ctx, gw, t, trigger); err != nil {
		return Position{}, err
	}
	return e.snapshot(t), nil
}

func (e *Engine) updateStopLocked(ctx context.Context, gw Gateway, t *tracked, trigger decimal.Decimal) error {
	p := e.snapshot(t)
	if !p.State.Protected() {
		return fmt.Errorf("%w: %s", ErrNotProtected, p.State)
	}
	if tk, err := gw.FetchTicker(ctx, p.Symbol); err == nil {
		price := tk.Last
		if !price.IsPositive() {
			price = tk.Mid()
		}
		if price.IsPositive() && !risk.StopIsOnSide(trigger, price, p.Side) {
			return common.Errorf(common.KindValidation, p.Exchange, "update_stop",
				"stop %s on wrong side of price %s for %s", trigger, price, p.Side)
		}
	}

	req := protection.Request{Exchange: p.Exchange, Symbol: p.Symbol, Side: p.Side, TriggerPrice: trigger}
	out, err := e.protector.Update(ctx, req)
	if err == nil {
		e.recordProtection(ctx, t, out)
		e.mu.RLock()
		tr := t.trailer
		e.mu.RUnlock()
		if tr != nil {
			tr.Rebase(out.TriggerPrice)
		}
		return nil
	}
	if errors.Is(err, protection.ErrPositionClosed) || out.Cancelled == 0 {
		// the previous stop was never touched
		return err
	}

	// The old stop is gone. Put it back where it was.
	log := e.log.With().Str("exchange", p.Exchange).Str("symbol", p.Symbol).Logger()
	if p.Protection.Placed() {
		req.TriggerPrice = p.Protection.TriggerPrice
		restored, rerr := e.protector.Update(ctx, req)
		if rerr == nil {
			log.Warn().Err(err).Str("restored", restored.TriggerPrice.String()).Msg("stop move failed; previous stop restored")
			e.recordProtection(ctx, t, restored)
			return err
		}
		log.Error().Err(rerr).Msg("restoring previous stop failed")
	}
	e.alerts.Alert(ctx, monitor.AlertUnprotected, p.Exchange, p.Symbol, map[string]any{
		"qty":     p.Quantity.String(),
		"trigger": trigger.String(),
		"error":   err.Error(),
	})
	e.mutate(t, func(p *Position) { p.Protection = ProtectionState{} })
	if p.ID > 0 {
		if uerr := e.store.UpdatePosition(ctx, p.ID, db.Fields{"has_protection": false}); uerr != nil {
			log.Error().Err(uerr).Int64("id", p.ID).Msg("persist unprotected flag failed")
		}
	}
	return err
}
