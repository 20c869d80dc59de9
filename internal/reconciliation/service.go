// Package reconciliation keeps the store converged with venue truth. The
// orphan sweep reports venue positions nobody tracks; the reconciliation
// sweep closes records whose position is gone and flags quantity drift.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/JacobJanuary/TradingBot-sub002/internal/engine"
	"github.com/JacobJanuary/TradingBot-sub002/internal/events"
	"github.com/JacobJanuary/TradingBot-sub002/internal/gateway"
	"github.com/JacobJanuary/TradingBot-sub002/internal/lock"
	"github.com/JacobJanuary/TradingBot-sub002/internal/monitor"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// ReasonNotFound is the exit reason of auto-healed records.
const ReasonNotFound = "not found on exchange"

// Kind classifies a finding.
type Kind string

const (
	KindMissingOnExchange Kind = "missing_on_exchange"
	KindQuantityMismatch  Kind = "quantity_mismatch"
	KindOrphan            Kind = "orphan"
)

// Sweep names.
const (
	SweepOrphans   = "orphans"
	SweepReconcile = "reconcile"
)

// Record is one finding of a sweep.
type Record struct {
	Kind        Kind            `json:"kind"`
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	RecordID    int64           `json:"record_id,omitempty"`
	Side        string          `json:"side,omitempty"`
	LocalQty    decimal.Decimal `json:"local_qty"`
	ExchangeQty decimal.Decimal `json:"exchange_qty"`
	EntryPrice  decimal.Decimal `json:"entry_price,omitempty"`
	Healed      bool            `json:"healed"`
}

// Report is the result of one sweep over every exchange.
type Report struct {
	Sweep   string        `json:"sweep"`
	Started time.Time     `json:"started"`
	Took    time.Duration `json:"took_ns"`
	Checked int           `json:"checked"`
	Records []Record      `json:"records"`
	Errors  []string      `json:"errors,omitempty"`
}

// HasFindings reports whether the sweep found anything.
func (r Report) HasFindings() bool { return len(r.Records) > 0 }

// Gateway is the venue surface the sweeps read.
type Gateway interface {
	Name() string
	FetchPositions(ctx context.Context, symbols ...string) ([]common.PositionInfo, error)
}

// Positions is the engine surface the sweeps use. Reconciliation never
// touches the position table directly.
type Positions interface {
	Position(exchange, symbol string) (engine.Position, bool)
	HandleExternalClose(ctx context.Context, exchange, symbol, reason string) error
}

// Locker serializes store heals with engine workflows.
type Locker interface {
	Acquire(ctx context.Context, key, holder string) (func(), error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, typ, exchange, symbol string, details map[string]any)
}

// Config schedules the sweeps.
type Config struct {
	OrphanInterval time.Duration
	Interval       time.Duration
	// QtyTolerancePercent is the relative drift tolerated before a mismatch
	// is reported.
	QtyTolerancePercent decimal.Decimal
}

// Service runs both sweeps.
type Service struct {
	gateways  func() []Gateway
	positions Positions
	store     db.PositionStore
	locks     Locker
	alerts    Alerter
	metrics   *monitor.Metrics
	bus       *events.Bus
	cfg       Config
	log       zerolog.Logger

	mu   sync.RWMutex
	last map[string]Report
}

// FromRegistry lists the registry's gateways.
func FromRegistry(reg *gateway.Registry) func() []Gateway {
	return func() []Gateway {
		all := reg.All()
		out := make([]Gateway, len(all))
		for i, g := range all {
			out[i] = g
		}
		return out
	}
}

type noAlerts struct{}

func (noAlerts) Alert(context.Context, string, string, string, map[string]any) {}

// NewService builds the sweeps. alerts, metrics and bus may be nil.
func NewService(gateways func() []Gateway, positions Positions, store db.PositionStore, locks Locker, alerts Alerter, metrics *monitor.Metrics, bus *events.Bus, cfg Config, log zerolog.Logger) *Service {
	if cfg.OrphanInterval <= 0 {
		cfg.OrphanInterval = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}
	if alerts == nil {
		alerts = noAlerts{}
	}
	return &Service{
		gateways:  gateways,
		positions: positions,
		store:     store,
		locks:     locks,
		alerts:    alerts,
		metrics:   metrics,
		bus:       bus,
		cfg:       cfg,
		log:       log.With().Str("component", "reconciliation").Logger(),
		last:      make(map[string]Report),
	}
}

// Start runs both sweeps on their own tickers until ctx is done.
func (s *Service) Start(ctx context.Context) {
	go s.loop(ctx, s.cfg.OrphanInterval, s.SweepOrphans)
	go s.loop(ctx, s.cfg.Interval, s.Reconcile)
	s.log.Info().
		Dur("orphan_interval", s.cfg.OrphanInterval).
		Dur("interval", s.cfg.Interval).
		Msg("reconciliation started")
}

func (s *Service) loop(ctx context.Context, every time.Duration, sweep func(context.Context) Report) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// Last returns the most recent report of each sweep.
func (s *Service) Last() map[string]Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Report, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

func (s *Service) finish(r Report) Report {
	r.Took = time.Since(r.Started)
	s.mu.Lock()
	s.last[r.Sweep] = r
	s.mu.Unlock()
	s.bus.Publish(events.EventReconcile, r)

	ev := s.log.Info()
	if len(r.Errors) > 0 || r.HasFindings() {
		ev = s.log.Warn()
	}
	ev.Str("sweep", r.Sweep).
		Int("checked", r.Checked).
		Int("findings", len(r.Records)).
		Int("errors", len(r.Errors)).
		Dur("took", r.Took).
		Msg("sweep finished")
	return r
}

// collector gathers per-exchange results from concurrent sweeps.
type collector struct {
	mu sync.Mutex
	r  *Report
}

func (c *collector) add(checked int, recs []Record, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.r.Checked += checked
	c.r.Records = append(c.r.Records, recs...)
	if err != nil {
		c.r.Errors = append(c.r.Errors, err.Error())
	}
}

func (s *Service) fanOut(ctx context.Context, fn func(ctx context.Context, gw Gateway) (int, []Record, error), r *Report) {
	c := &collector{r: r}
	g, gctx := errgroup.WithContext(ctx)
	for _, gw := range s.gateways() {
		g.Go(func() error {
			n, recs, err := fn(gctx, gw)
			if err != nil {
				err = fmt.Errorf("%s: %w", gw.Name(), err)
			}
			c.add(n, recs, err)
			return nil
		})
	}
	_ = g.Wait()
}

// SweepOrphans reports venue positions with no active store record.
func (s *Service) SweepOrphans(ctx context.Context) Report {
	r := Report{Sweep: SweepOrphans, Started: time.Now()}
	s.fanOut(ctx, s.orphans, &r)
	return s.finish(r)
}

func (s *Service) orphans(ctx context.Context, gw Gateway) (int, []Record, error) {
	venue, err := gw.FetchPositions(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list positions: %w", err)
	}
	recs, err := s.store.GetActivePositions(ctx, gw.Name())
	if err != nil {
		return 0, nil, fmt.Errorf("list records: %w", err)
	}
	known := make(map[string]bool, len(recs))
	for _, rec := range recs {
		known[rec.Symbol] = true
	}

	var out []Record
	for _, p := range venue {
		if known[p.Symbol] {
			continue
		}
		// an open in flight has no record yet
		if _, tracked := s.positions.Position(gw.Name(), p.Symbol); tracked {
			continue
		}
		rec := Record{
			Kind:        KindOrphan,
			Exchange:    gw.Name(),
			Symbol:      p.Symbol,
			Side:        string(p.Side),
			ExchangeQty: p.Quantity,
			EntryPrice:  p.EntryPrice,
		}
		out = append(out, rec)
		s.metrics.Orphan()
		s.alerts.Alert(ctx, monitor.AlertOrphanPosition, gw.Name(), p.Symbol, map[string]any{
			"side":           string(p.Side),
			"qty":            p.Quantity.String(),
			"entry_price":    p.EntryPrice.String(),
			"mark_price":     p.MarkPrice.String(),
			"unrealized_pnl": p.UnrealizedPnL.String(),
			"leverage":       p.Leverage,
			"venue_stop":     p.StopLoss.String(),
		})
	}
	return len(venue), out, nil
}

// Reconcile checks every active store record against its venue.
func (s *Service) Reconcile(ctx context.Context) Report {
	r := Report{Sweep: SweepReconcile, Started: time.Now()}
	s.fanOut(ctx, s.reconcile, &r)
	return s.finish(r)
}

func (s *Service) reconcile(ctx context.Context, gw Gateway) (int, []Record, error) {
	recs, err := s.store.GetActivePositions(ctx, gw.Name())
	if err != nil {
		return 0, nil, fmt.Errorf("list records: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil, nil
	}
	// A failed venue query must never read as "absent".
	venue, err := gw.FetchPositions(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list positions: %w", err)
	}
	bySymbol := make(map[string]common.PositionInfo, len(venue))
	for _, p := range venue {
		bySymbol[p.Symbol] = p
	}

	var (
		out  []Record
		errs []error
	)
	for _, rec := range recs {
		p, ok := bySymbol[rec.Symbol]
		if !ok || string(p.Side) != rec.Side {
			healed, err := s.heal(ctx, gw.Name(), rec)
			if err != nil {
				errs = append(errs, err)
			}
			out = append(out, Record{
				Kind:     KindMissingOnExchange,
				Exchange: gw.Name(),
				Symbol:   rec.Symbol,
				RecordID: rec.ID,
				Side:     rec.Side,
				LocalQty: rec.Quantity,
				Healed:   healed,
			})
			continue
		}
		if s.drifted(rec.Quantity, p.Quantity) {
			out = append(out, Record{
				Kind:        KindQuantityMismatch,
				Exchange:    gw.Name(),
				Symbol:      rec.Symbol,
				RecordID:    rec.ID,
				Side:        rec.Side,
				LocalQty:    rec.Quantity,
				ExchangeQty: p.Quantity,
			})
			s.metrics.Mismatch()
			s.log.Warn().
				Str("exchange", gw.Name()).
				Str("symbol", rec.Symbol).
				Str("local", rec.Quantity.String()).
				Str("venue", p.Quantity.String()).
				Msg("quantity mismatch; manual review required")
			s.alerts.Alert(ctx, monitor.AlertQuantityMismatch, gw.Name(), rec.Symbol, map[string]any{
				"record_id": rec.ID,
				"local":     rec.Quantity.String(),
				"venue":     p.Quantity.String(),
			})
		}
	}
	return len(recs), out, errors.Join(errs...)
}

func (s *Service) drifted(local, venue decimal.Decimal) bool {
	diff := local.Sub(venue).Abs()
	if diff.IsZero() {
		return false
	}
	if !venue.IsPositive() {
		return true
	}
	return diff.Div(venue).Mul(decimal.NewFromInt(100)).GreaterThan(s.cfg.QtyTolerancePercent)
}

// heal closes a record whose position the venue no longer has. Positions
// the engine tracks are closed through the engine; others are closed in
// the store under the symbol lock.
func (s *Service) heal(ctx context.Context, exchange string, rec db.PositionRecord) (bool, error) {
	if _, tracked := s.positions.Position(exchange, rec.Symbol); tracked {
		err := s.positions.HandleExternalClose(ctx, exchange, rec.Symbol, ReasonNotFound)
		switch {
		case err == nil:
			s.log.Info().Str("exchange", exchange).Str("symbol", rec.Symbol).Msg("tracked position closed: not found on exchange")
			return true, nil
		case errors.Is(err, engine.ErrStillOnVenue):
			return false, nil
		case errors.Is(err, engine.ErrNotSettled), errors.Is(err, engine.ErrRollbackPending):
			// the engine is mid-workflow on it; the next pass retries
			s.log.Info().Err(err).Str("exchange", exchange).Str("symbol", rec.Symbol).Msg("heal deferred")
			return false, nil
		case !errors.Is(err, engine.ErrPositionNotFound):
			return false, fmt.Errorf("close %s: %w", rec.Symbol, err)
		}
		// closed by the engine meanwhile; fall through to the store check
	}

	release, err := s.locks.Acquire(ctx, lock.Key(exchange, rec.Symbol), "reconcile-"+uuid.NewString()[:8])
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", rec.Symbol, err)
	}
	defer release()

	cur, err := s.store.GetOpenPosition(ctx, rec.Symbol, exchange)
	if errors.Is(err, db.ErrNotFound) || (err == nil && cur.ID != rec.ID) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recheck %s: %w", rec.Symbol, err)
	}
	if err := s.store.UpdatePosition(ctx, rec.ID, db.ClosedFields(ReasonNotFound, decimal.Zero, time.Now())); err != nil {
		return false, fmt.Errorf("close record %d: %w", rec.ID, err)
	}
	s.log.Info().Str("exchange", exchange).Str("symbol", rec.Symbol).Int64("id", rec.ID).Msg("record closed: not found on exchange")
	return true, nil
}
