package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// AgedPhase is where an old position sits on its exit schedule.
type AgedPhase string

const (
	PhaseFresh       AgedPhase = "fresh"
	PhaseGrace       AgedPhase = "grace"
	PhaseProgressive AgedPhase = "progressive"
	PhaseExpired     AgedPhase = "expired"
)

// AgedPolicy schedules exits of positions held past MaxAge. During the
// grace period the target is breakeven including fees. After it the
// accepted loss grows by LossStepPercent per started hour up to
// MaxLossPercent. Past ForceCloseAge the position leaves at market.
type AgedPolicy struct {
	MaxAge          time.Duration
	GracePeriod     time.Duration
	LossStepPercent decimal.Decimal
	MaxLossPercent  decimal.Decimal
	ForceCloseAge   time.Duration
	CommissionRate  decimal.Decimal
}

// AgedTarget is the exit rule for one position at one moment.
type AgedTarget struct {
	Phase       AgedPhase       `json:"phase"`
	Price       decimal.Decimal `json:"price"`
	LossPercent decimal.Decimal `json:"loss_percent"`
	Market      bool            `json:"market"`
}

// Phase classifies a position age.
func (p AgedPolicy) Phase(age time.Duration) AgedPhase {
	switch {
	case p.MaxAge <= 0 || age < p.MaxAge:
		return PhaseFresh
	case p.ForceCloseAge > 0 && age >= p.ForceCloseAge:
		return PhaseExpired
	case age < p.MaxAge+p.GracePeriod:
		return PhaseGrace
	default:
		return PhaseProgressive
	}
}

// Target computes the exit price for a position of this age.
func (p AgedPolicy) Target(side common.PositionSide, entry decimal.Decimal, age time.Duration) AgedTarget {
	phase := p.Phase(age)
	t := AgedTarget{Phase: phase}
	switch phase {
	case PhaseFresh:
		return t
	case PhaseExpired:
		t.Market = true
		return t
	}

	// Breakeven covers the fee on entry and on exit.
	fees := p.CommissionRate.Mul(decimal.NewFromInt(2))
	var breakeven decimal.Decimal
	if side == common.PositionShort {
		breakeven = entry.Mul(decimal.NewFromInt(1).Sub(fees))
	} else {
		breakeven = entry.Mul(decimal.NewFromInt(1).Add(fees))
	}
	if phase == PhaseGrace {
		t.Price = breakeven
		return t
	}

	hours := math.Ceil((age - p.MaxAge - p.GracePeriod).Hours())
	loss := p.LossStepPercent.Mul(decimal.NewFromFloat(hours))
	if p.MaxLossPercent.IsPositive() && loss.GreaterThan(p.MaxLossPercent) {
		loss = p.MaxLossPercent
	}
	t.LossPercent = loss
	adj := breakeven.Mul(loss).Div(hundred)
	if side == common.PositionShort {
		t.Price = breakeven.Add(adj)
	} else {
		t.Price = breakeven.Sub(adj)
	}
	return t
}

// Reached reports whether price satisfies the target.
func (t AgedTarget) Reached(side common.PositionSide, price decimal.Decimal) bool {
	if t.Market {
		return true
	}
	if t.Phase == PhaseFresh || !price.IsPositive() {
		return false
	}
	if side == common.PositionShort {
		return price.LessThanOrEqual(t.Price)
	}
	return price.GreaterThanOrEqual(t.Price)
}
