package gateway

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

var (
	// ErrQuantityBelowMinimum means rounding up to the venue minimum would
	// exceed the requested size by more than the configured tolerance.
	ErrQuantityBelowMinimum = errors.New("quantity below venue minimum")
	// ErrNotionalTooSmall means no grid quantity within tolerance meets the
	// venue's minimum notional.
	ErrNotionalTooSmall = errors.New("order notional below venue minimum")
	// ErrInvalidQuantity covers zero and negative inputs.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// NormalizeQuantity maps a raw order size onto the venue grid
// minQty + k*step. Sizes below the minimum are rounded up to it only when
// the resulting cost stays within requestedUSD*(1+tolerance); the result is
// never in (0, minQty).
func NormalizeQuantity(raw, price, requestedUSD decimal.Decimal, lim common.MarketLimits, tolerance decimal.Decimal) (decimal.Decimal, error) {
	if !raw.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, raw)
	}
	maxCost := requestedUSD.Mul(decimal.NewFromInt(1).Add(tolerance))

	q := raw
	if raw.LessThan(lim.MinQty) {
		q = lim.MinQty
		if price.IsPositive() && q.Mul(price).GreaterThan(maxCost) {
			return decimal.Zero, fmt.Errorf("%w: min %s costs %s, budget %s", ErrQuantityBelowMinimum,
				lim.MinQty, q.Mul(price).StringFixed(2), maxCost.StringFixed(2))
		}
	} else {
		q = floorToGrid(raw, lim.MinQty, lim.StepSize)
	}
	if !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s truncates to zero (step %s)", ErrQuantityBelowMinimum, raw, lim.StepSize)
	}

	if lim.MinNotional.IsPositive() && price.IsPositive() && q.Mul(price).LessThan(lim.MinNotional) {
		need := ceilToGrid(lim.MinNotional.Div(price), lim.MinQty, lim.StepSize)
		if need.Mul(price).GreaterThan(maxCost) {
			return decimal.Zero, fmt.Errorf("%w: %s x %s < %s", ErrNotionalTooSmall, q, price, lim.MinNotional)
		}
		q = need
	}
	return q, nil
}

// AlignQuantity truncates an existing position size onto the grid without
// ever rounding up. Used for reduce-only orders.
func AlignQuantity(raw decimal.Decimal, lim common.MarketLimits) (decimal.Decimal, error) {
	if !raw.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, raw)
	}
	if raw.LessThan(lim.MinQty) {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", ErrQuantityBelowMinimum, raw, lim.MinQty)
	}
	q := floorToGrid(raw, lim.MinQty, lim.StepSize)
	if !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrQuantityBelowMinimum, raw)
	}
	return q, nil
}

// RoundToTick rounds price to the nearest tick.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// StopTrigger rounds a stop trigger away from the current price: down for
// longs, up for shorts.
func StopTrigger(price, tick decimal.Decimal, side common.PositionSide) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if side == common.PositionShort {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}

// AvailableMargin is total margin balance minus margin locked in positions
// and open orders, floored at zero.
func AvailableMargin(b common.Balance) decimal.Decimal {
	v := b.TotalMarginBalance.Sub(b.PositionMargin).Sub(b.OpenOrderMargin)
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func floorToGrid(raw, min, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return raw
	}
	k := raw.Sub(min).Div(step).Floor()
	return min.Add(k.Mul(step))
}

func ceilToGrid(raw, min, step decimal.Decimal) decimal.Decimal {
	if raw.LessThanOrEqual(min) {
		return min
	}
	if !step.IsPositive() {
		return raw
	}
	k := raw.Sub(min).Div(step).Ceil()
	return min.Add(k.Mul(step))
}
