// Package protection keeps exactly one stop attached to a position. Venues
// that can attach a stop to the position in one request take the atomic
// path; the rest cancel every resting stop and place a fresh one.
//
// Callers hold the per-symbol lock for the duration of Update.
package protection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/internal/gateway"
	"github.com/JacobJanuary/TradingBot-sub002/internal/state"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

var (
	// ErrProtectionFailed wraps any failure to place or replace the stop.
	ErrProtectionFailed = errors.New("protection placement failed")
	// ErrQuantityUnknown means no source could say how much to protect.
	ErrQuantityUnknown = errors.New("protection quantity unknown")
	// ErrPositionClosed means the quantity cache saw the position go to zero.
	ErrPositionClosed = errors.New("position already closed")
)

// Mechanism names how a stop is held by the venue.
type Mechanism string

const (
	MechanismAtomic  Mechanism = "atomic"
	MechanismResting Mechanism = "resting"
)

// Quantity sources, reported in Outcome.QuantitySource.
const (
	SourceCache    = "cache"
	SourceExchange = "exchange"
	SourceStore    = "store"
)

// Gateway is the venue surface the protocol needs.
type Gateway interface {
	Name() string
	Capabilities() common.Capabilities
	SetTradingStop(ctx context.Context, symbol string, side common.PositionSide, stop decimal.Decimal) error
	FetchProtectiveOrders(ctx context.Context, symbol string) ([]common.Order, error)
	CancelOrders(ctx context.Context, symbol string, orderIDs ...string) (int, error)
	FetchPosition(ctx context.Context, symbol string) (common.PositionInfo, bool, error)
	AlignQuantity(ctx context.Context, symbol string, raw decimal.Decimal) (decimal.Decimal, error)
	NormalizeStopPrice(ctx context.Context, symbol string, trigger decimal.Decimal, side common.PositionSide) (decimal.Decimal, error)
	CreateStopOrder(ctx context.Context, symbol string, side common.Side, qty, trigger decimal.Decimal) (common.Order, error)
}

// Lookup resolves an exchange name to its gateway.
type Lookup func(exchange string) (Gateway, error)

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

// QuantityCache is the real-time quantity tier.
type QuantityCache interface {
	Lookup(exchange, symbol string) (state.Quantity, bool)
}

// StoreReader is the last-resort quantity tier.
type StoreReader interface {
	GetOpenPosition(ctx context.Context, symbol, exchange string) (db.PositionRecord, error)
}

// Observer receives protection timings.
type Observer interface {
	ProtectionUpdated(took, unprotected time.Duration)
	ProtectionErr()
}

// Config bounds the exchange quantity tier.
type Config struct {
	QtyLookupAttempts int
	QtyLookupDelay    time.Duration
}

// Request asks for the stop of one position to sit at TriggerPrice.
type Request struct {
	Exchange     string
	Symbol       string
	Side         common.PositionSide
	TriggerPrice decimal.Decimal
}

// Outcome describes what the venue holds after Update.
type Outcome struct {
	Mechanism      Mechanism
	Unchanged      bool
	OrderID        string
	Quantity       decimal.Decimal
	QuantitySource string
	TriggerPrice   decimal.Decimal
	Cancelled      int
	// UnprotectedWindow runs from the first cancel to the confirmed create.
	// Always zero on the atomic path.
	UnprotectedWindow time.Duration
	Took              time.Duration
}

// Protocol dispatches protection updates by venue capability.
type Protocol struct {
	gateways Lookup
	cache    QuantityCache
	store    StoreReader
	obs      Observer
	cfg      Config
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a protocol. store and obs may be nil.
func New(gateways Lookup, cache QuantityCache, store StoreReader, obs Observer, cfg Config, log zerolog.Logger) *Protocol {
	if cfg.QtyLookupAttempts < 1 {
		cfg.QtyLookupAttempts = 1
	}
	return &Protocol{
		gateways: gateways,
		cache:    cache,
		store:    store,
		obs:      obs,
		cfg:      cfg,
		log:      log.With().Str("component", "protection").Logger(),
		sleep:    sleepCtx,
	}
}

// Update moves the position's stop to req.TriggerPrice.
func (p *Protocol) Update(ctx context.Context, req Request) (Outcome, error) {
	if !req.Side.Valid() {
		return Outcome{}, fmt.Errorf("%w: invalid side %q", ErrProtectionFailed, req.Side)
	}
	if !req.TriggerPrice.IsPositive() {
		return Outcome{}, fmt.Errorf("%w: trigger price must be positive", ErrProtectionFailed)
	}
	gw, err := p.gateways(req.Exchange)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrProtectionFailed, err)
	}

	start := time.Now()
	var out Outcome
	if gw.Capabilities().AtomicProtection {
		out, err = p.updateAtomic(ctx, gw, req)
	} else {
		out, err = p.updateResting(ctx, gw, req)
	}
	out.Took = time.Since(start)

	if err != nil {
		if p.obs != nil {
			p.obs.ProtectionErr()
		}
		p.log.Error().Err(err).
			Str("exchange", req.Exchange).
			Str("symbol", req.Symbol).
			Str("trigger", req.TriggerPrice.String()).
			Dur("unprotected", out.UnprotectedWindow).
			Msg("protection update failed")
		return out, err
	}
	if p.obs != nil {
		p.obs.ProtectionUpdated(out.Took, out.UnprotectedWindow)
	}
	p.log.Info().
		Str("exchange", req.Exchange).
		Str("symbol", req.Symbol).
		Str("mechanism", string(out.Mechanism)).
		Str("trigger", out.TriggerPrice.String()).
		Str("qty", out.Quantity.String()).
		Bool("unchanged", out.Unchanged).
		Dur("unprotected", out.UnprotectedWindow).
		Msg("protection in place")
	return out, nil
}

func (p *Protocol) updateAtomic(ctx context.Context, gw Gateway, req Request) (Outcome, error) {
	out := Outcome{Mechanism: MechanismAtomic}
	trigger, err := gw.NormalizeStopPrice(ctx, req.Symbol, req.TriggerPrice, req.Side)
	if err != nil {
		return out, fmt.Errorf("%w: normalize trigger: %w", ErrProtectionFailed, err)
	}
	out.TriggerPrice = trigger

	err = gw.SetTradingStop(ctx, req.Symbol, req.Side, trigger)
	switch {
	case err == nil:
	case common.IsNotModified(err):
		out.Unchanged = true
	default:
		return out, fmt.Errorf("%w: %w", ErrProtectionFailed, err)
	}
	return out, nil
}

// updateResting resolves the quantity before touching the existing stops,
// so a failed lookup leaves the previous stop in place.
func (p *Protocol) updateResting(ctx context.Context, gw Gateway, req Request) (Outcome, error) {
	out := Outcome{Mechanism: MechanismResting}

	raw, source, err := p.quantity(ctx, gw, req)
	if err != nil {
		return out, err
	}
	out.QuantitySource = source

	qty, err := gw.AlignQuantity(ctx, req.Symbol, raw)
	if err != nil {
		return out, fmt.Errorf("%w: align quantity %s: %w", ErrProtectionFailed, raw, err)
	}
	trigger, err := gw.NormalizeStopPrice(ctx, req.Symbol, req.TriggerPrice, req.Side)
	if err != nil {
		return out, fmt.Errorf("%w: normalize trigger: %w", ErrProtectionFailed, err)
	}
	out.Quantity = qty
	out.TriggerPrice = trigger

	existing, err := gw.FetchProtectiveOrders(ctx, req.Symbol)
	if err != nil {
		return out, fmt.Errorf("%w: list stops: %w", ErrProtectionFailed, err)
	}
	exit := req.Side.ExitSide()
	if len(existing) == 1 {
		o := existing[0]
		if o.Side == exit && o.StopPrice.Equal(trigger) && o.Quantity.Equal(qty) {
			out.Unchanged = true
			out.OrderID = o.ID
			return out, nil
		}
	}

	var cancelStart time.Time
	if len(existing) > 0 {
		ids := make([]string, 0, len(existing))
		for _, o := range existing {
			ids = append(ids, o.ID)
		}
		cancelStart = time.Now()
		n, err := gw.CancelOrders(ctx, req.Symbol, ids...)
		out.Cancelled = n
		if err != nil {
			out.UnprotectedWindow = time.Since(cancelStart)
			return out, fmt.Errorf("%w: cancel stops (%d of %d gone): %w", ErrProtectionFailed, n, len(ids), err)
		}
	}

	o, err := gw.CreateStopOrder(ctx, req.Symbol, exit, qty, trigger)
	if !cancelStart.IsZero() {
		out.UnprotectedWindow = time.Since(cancelStart)
	}
	if err != nil {
		return out, fmt.Errorf("%w: create stop: %w", ErrProtectionFailed, err)
	}
	out.OrderID = o.ID
	return out, nil
}

// quantity walks the cache, exchange and store tiers in that order.
func (p *Protocol) quantity(ctx context.Context, gw Gateway, req Request) (decimal.Decimal, string, error) {
	if p.cache != nil {
		if q, ok := p.cache.Lookup(req.Exchange, req.Symbol); ok {
			if q.ConfirmedZero() {
				return decimal.Zero, "", ErrPositionClosed
			}
			return q.Value, SourceCache, nil
		}
	}

	for attempt := 1; attempt <= p.cfg.QtyLookupAttempts; attempt++ {
		pos, ok, err := gw.FetchPosition(ctx, req.Symbol)
		switch {
		case err != nil:
			p.log.Warn().Err(err).Str("symbol", req.Symbol).Int("attempt", attempt).Msg("exchange quantity lookup failed")
		case ok && pos.Side == req.Side && pos.Quantity.IsPositive():
			return pos.Quantity, SourceExchange, nil
		default:
			p.log.Debug().Str("symbol", req.Symbol).Int("attempt", attempt).Msg("position not yet visible on exchange")
		}
		if attempt < p.cfg.QtyLookupAttempts {
			if err := p.sleep(ctx, p.cfg.QtyLookupDelay); err != nil {
				return decimal.Zero, "", err
			}
		}
	}

	if p.store != nil {
		rec, err := p.store.GetOpenPosition(ctx, req.Symbol, req.Exchange)
		switch {
		case err == nil && rec.Quantity.IsPositive():
			p.log.Warn().Str("symbol", req.Symbol).Str("qty", rec.Quantity.String()).Msg("protecting store quantity")
			return rec.Quantity, SourceStore, nil
		case err != nil && !errors.Is(err, db.ErrNotFound):
			p.log.Warn().Err(err).Str("symbol", req.Symbol).Msg("store quantity lookup failed")
		}
	}
	return decimal.Zero, "", fmt.Errorf("%w: %s %s", ErrQuantityUnknown, req.Exchange, req.Symbol)
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
