package common

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WeightTracker tracks the request weight a venue reports back in response
// headers, so the executor can back off before the venue starts refusing.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	log           zerolog.Logger
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker for a venue allowing limit weight per
// resetInterval (e.g. 2400 per minute on USDT-M futures).
func NewWeightTracker(limit int, resetInterval time.Duration, log zerolog.Logger) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		log:           log,
	}
}

// UpdateFromHeader records the used weight from a header value such as
// X-MBX-USED-WEIGHT-1M.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	used, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}
	w.Observe(used)
}

// UpdateFromRemaining records usage for venues that report remaining budget
// instead of used weight.
func (w *WeightTracker) UpdateFromRemaining(remainingHeader, limitHeader string) {
	remaining, err := strconv.Atoi(remainingHeader)
	if err != nil {
		return
	}
	if limit, err := strconv.Atoi(limitHeader); err == nil && limit > 0 {
		w.mu.Lock()
		w.limit = limit
		w.mu.Unlock()
	}
	w.mu.RLock()
	limit := w.limit
	w.mu.RUnlock()
	w.Observe(limit - remaining)
}

// Observe records the current used weight.
func (w *WeightTracker) Observe(used int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		w.lastReset = time.Now()
	}
	w.usedWeight = used
	if w.limit <= 0 {
		return
	}

	pct := float64(w.usedWeight) / float64(w.limit) * 100
	if pct >= 95 {
		w.log.Warn().Int("used", w.usedWeight).Int("limit", w.limit).Msg("venue weight critical")
	} else if pct >= 80 {
		w.log.Debug().Int("used", w.usedWeight).Int("limit", w.limit).Msg("venue weight high")
	}
}

// Usage returns current usage.
func (w *WeightTracker) Usage() (used int, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if time.Since(w.lastReset) >= w.resetInterval || w.limit <= 0 {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}

// ShouldDelay reports whether the next request should wait for the window
// to roll over, and for how long.
func (w *WeightTracker) ShouldDelay() (bool, time.Duration) {
	_, _, pct := w.Usage()
	if pct < 90 {
		return false, 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return true, w.resetInterval - time.Since(w.lastReset)
}

// minuteWindow is a sliding per-minute request cap.
type minuteWindow struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	calls []time.Time
}

func newMinuteWindow(limit int) *minuteWindow {
	return &minuteWindow{limit: limit, span: time.Minute}
}

// reserve records a call at now, or returns how long to wait before retrying.
func (m *minuteWindow) reserve(now time.Time) time.Duration {
	if m == nil || m.limit <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.span)
	i := 0
	for i < len(m.calls) && !m.calls[i].After(cutoff) {
		i++
	}
	m.calls = m.calls[i:]

	if len(m.calls) >= m.limit {
		return m.calls[0].Add(m.span).Sub(now)
	}
	m.calls = append(m.calls, now)
	return 0
}
