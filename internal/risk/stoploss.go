package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

// StopPrice returns the stop trigger pct percent away from the fill price:
// below it for longs, above it for shorts.
func StopPrice(fill decimal.Decimal, side common.PositionSide, pct decimal.Decimal) decimal.Decimal {
	off := fill.Mul(pct).Div(hundred)
	if side == common.PositionShort {
		return fill.Add(off)
	}
	return fill.Sub(off)
}

// StopIsOnSide reports whether stop sits on the losing side of price.
func StopIsOnSide(stop, price decimal.Decimal, side common.PositionSide) bool {
	if side == common.PositionShort {
		return stop.GreaterThan(price)
	}
	return stop.LessThan(price)
}

// RealizedPnL returns gross profit and the round-trip fee at feeRate per side.
func RealizedPnL(side common.PositionSide, entry, exit, qty, feeRate decimal.Decimal) (gross, fee decimal.Decimal) {
	diff := exit.Sub(entry)
	if side == common.PositionShort {
		diff = diff.Neg()
	}
	gross = diff.Mul(qty)
	fee = entry.Add(exit).Mul(qty).Mul(feeRate)
	return gross, fee
}

// Trailer follows the best price seen and keeps a stop OffsetPercent behind
// it. The stop only ever moves in the position's favor.
type Trailer struct {
	mu     sync.Mutex
	side   common.PositionSide
	offset decimal.Decimal
	mark   decimal.Decimal
	stop   decimal.Decimal
}

// NewTrailer starts trailing from entry with the current stop.
func NewTrailer(side common.PositionSide, entry, stop, offsetPercent decimal.Decimal) *Trailer {
	return &Trailer{side: side, offset: offsetPercent, mark: entry, stop: stop}
}

// Observe feeds a price, commits any move and returns the stop and whether
// it moved.
func (t *Trailer) Observe(price decimal.Decimal) (decimal.Decimal, bool) {
	stop, moved := t.Next(price)
	if moved {
		t.Advance(price, stop)
	}
	return stop, moved
}

// Next returns the stop price would trail to without committing it. Call
// Advance once the venue holds the new stop.
func (t *Trailer) Next(price decimal.Decimal) (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !price.IsPositive() || !t.offset.IsPositive() {
		return t.stop, false
	}
	if t.side == common.PositionLong && !price.GreaterThan(t.mark) {
		return t.stop, false
	}
	if t.side == common.PositionShort && !price.LessThan(t.mark) {
		return t.stop, false
	}
	next := StopPrice(price, t.side, t.offset)
	better := (t.side == common.PositionLong && next.GreaterThan(t.stop)) ||
		(t.side == common.PositionShort && (t.stop.IsZero() || next.LessThan(t.stop)))
	if !better {
		return t.stop, false
	}
	return next, true
}

// Advance records price as the best seen and stop as the live stop.
func (t *Trailer) Advance(price, stop decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.side == common.PositionLong && price.GreaterThan(t.mark) ||
		t.side == common.PositionShort && price.LessThan(t.mark) {
		t.mark = price
	}
	t.stop = stop
}

// Stop returns the current trailed stop.
func (t *Trailer) Stop() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop
}

// Rebase replaces the stop after the engine moved it by other means.
func (t *Trailer) Rebase(stop decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop = stop
}
