package common

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimitConfig is the per-venue request budget and retry policy.
type RateLimitConfig struct {
	Burst       int           `yaml:"burst"`
	PerSecond   float64       `yaml:"per_second"`
	PerMinute   int           `yaml:"per_minute"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"` // fraction, 0.1 = ±10%
}

// DefaultRateLimitConfig returns conservative defaults for a futures venue.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Burst:       10,
		PerSecond:   10,
		PerMinute:   1200,
		MaxAttempts: 5,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.1,
	}
}

// ExecutorStats is a snapshot of executor counters.
type ExecutorStats struct {
	Calls             int64 `json:"calls"`
	Successes         int64 `json:"successes"`
	Retries           int64 `json:"retries"`
	RateLimitHits     int64 `json:"rate_limit_hits"`
	Errors            int64 `json:"errors"`
	ExpectedAbsences  int64 `json:"expected_absences"`
	Exhausted         int64 `json:"exhausted"`
	ThrottleWaits     int64 `json:"throttle_waits"`
	ThrottleWaitTotal int64 `json:"throttle_wait_ms"`
}

// Executor wraps every outbound venue call with a token bucket, a
// per-minute cap and bounded retries with exponential backoff.
type Executor struct {
	name   string
	cfg    RateLimitConfig
	bucket *rate.Limiter
	window *minuteWindow
	weight *WeightTracker
	log    zerolog.Logger

	calls, successes, retries, rateLimited   atomic.Int64
	errs, absences, exhausted, throttleWaits atomic.Int64
	throttleMillis                           atomic.Int64
}

// NewExecutor builds an executor for one venue.
func NewExecutor(name string, cfg RateLimitConfig, log zerolog.Logger) *Executor {
	def := DefaultRateLimitConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = def.PerSecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	return &Executor{
		name:   name,
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst),
		window: newMinuteWindow(cfg.PerMinute),
		log:    log.With().Str("component", "executor").Str("exchange", name).Logger(),
	}
}

// AttachWeight lets the executor honor venue-reported usage.
func (e *Executor) AttachWeight(w *WeightTracker) { e.weight = w }

// Config returns the effective configuration.
func (e *Executor) Config() RateLimitConfig { return e.cfg }

// Execute runs fn under the rate budget. Retryable failures are retried up
// to MaxAttempts; expected absences are returned untouched without being
// counted as errors.
func (e *Executor) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	e.calls.Add(1)
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if err := e.acquire(ctx, attempt); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			e.successes.Add(1)
			return nil
		}
		if IsExpectedAbsence(err) {
			e.absences.Add(1)
			e.log.Debug().Str("op", op).Err(err).Msg("expected absence")
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if !IsRetryable(err) {
			e.errs.Add(1)
			return err
		}
		if IsRateLimit(err) {
			e.rateLimited.Add(1)
		}

		lastErr = err
		if attempt+1 >= e.cfg.MaxAttempts {
			break
		}
		e.retries.Add(1)
		delay := e.Backoff(attempt)
		e.log.Warn().Str("op", op).Int("attempt", attempt+1).Dur("backoff", delay).Err(err).Msg("retrying venue call")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}

	e.exhausted.Add(1)
	e.errs.Add(1)
	return &RetryExhaustedError{Op: op, Attempts: e.cfg.MaxAttempts, Cause: lastErr}
}

// Call is Execute for functions returning a value.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Backoff returns base*2^attempt capped at MaxDelay, with ±Jitter applied.
func (e *Executor) Backoff(attempt int) time.Duration {
	d := e.cfg.BaseDelay
	for i := 0; i < attempt && d < e.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	if e.cfg.Jitter > 0 {
		f := 1 + e.cfg.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

// acquire blocks until both budgets allow one more call.
func (e *Executor) acquire(ctx context.Context, attempt int) error {
	if e.weight != nil {
		if wait, d := e.weight.ShouldDelay(); wait {
			if d <= 0 || d > e.cfg.MaxDelay {
				d = e.Backoff(attempt)
			}
			e.throttled(d)
			if err := sleepCtx(ctx, d); err != nil {
				return err
			}
		}
	}
	for {
		d := e.window.reserve(time.Now())
		if d <= 0 {
			break
		}
		if d > e.cfg.MaxDelay {
			d = e.Backoff(attempt)
		}
		e.throttled(d)
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
	if err := e.bucket.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Wait refuses when ctx deadline is shorter than the reservation.
		return NewError(KindRateLimit, e.name, "acquire", err)
	}
	return nil
}

func (e *Executor) throttled(d time.Duration) {
	e.throttleWaits.Add(1)
	e.throttleMillis.Add(d.Milliseconds())
	e.log.Debug().Dur("wait", d).Msg("request budget depleted")
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Calls:             e.calls.Load(),
		Successes:         e.successes.Load(),
		Retries:           e.retries.Load(),
		RateLimitHits:     e.rateLimited.Load(),
		Errors:            e.errs.Load(),
		ExpectedAbsences:  e.absences.Load(),
		Exhausted:         e.exhausted.Load(),
		ThrottleWaits:     e.throttleWaits.Load(),
		ThrottleWaitTotal: e.throttleMillis.Load(),
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
