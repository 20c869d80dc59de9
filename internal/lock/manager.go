// Package lock serializes workflows that touch the same (exchange, symbol).
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrReentrant is returned when a holder asks for a key it already holds.
	ErrReentrant = errors.New("lock: key already held by this holder")
	// ErrClosed is returned once the manager is shut down.
	ErrClosed = errors.New("lock: manager closed")
)

// TimeoutError reports a lock that could not be acquired in time.
type TimeoutError struct {
	Key    string
	Holder string
	Owner  string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s: %s timed out after %s (held by %s)", e.Key, e.Holder, e.Waited, e.Owner)
}

// Key builds the lock key for a symbol on an exchange.
func Key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Entry describes a held lock.
type Entry struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	Waiters    int       `json:"waiters"`
}

type waiter struct {
	holder string
	ready  chan struct{}
}

type slot struct {
	holder     string
	acquiredAt time.Time
	queue      []*waiter
}

// Manager hands out per-key exclusive locks with FIFO waiting and a
// bounded wait.
type Manager struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
	closed  bool
	log     zerolog.Logger
}

// NewManager creates a lock manager. timeout bounds every Acquire that
// does not carry an earlier deadline.
func NewManager(timeout time.Duration, log zerolog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		slots:   make(map[string]*slot),
		timeout: timeout,
		log:     log.With().Str("component", "lock").Logger(),
	}
}

// Acquire blocks until key is free or the wait times out. The returned
// release func is idempotent and must be deferred by the caller.
func (m *Manager) Acquire(ctx context.Context, key, holder string) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := m.slots[key]
	if !ok {
		s = &slot{}
		m.slots[key] = s
	}
	if s.holder == "" {
		s.holder = holder
		s.acquiredAt = time.Now()
		m.mu.Unlock()
		return m.releaser(key, holder), nil
	}
	if s.holder == holder {
		m.mu.Unlock()
		m.log.Error().Str("key", key).Str("holder", holder).Msg("re-entrant acquire refused")
		return nil, ErrReentrant
	}
	w := &waiter{holder: holder, ready: make(chan struct{})}
	s.queue = append(s.queue, w)
	m.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		return m.releaser(key, holder), nil
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-w.ready:
		// handed over while we were timing out
		if m.closed {
			return nil, ErrClosed
		}
		return m.releaser(key, holder), nil
	default:
	}
	s.queue = removeWaiter(s.queue, w)
	if m.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.log.Warn().Str("key", key).Str("holder", holder).Str("owner", s.holder).Msg("lock wait timed out")
	return nil, &TimeoutError{Key: key, Holder: holder, Owner: s.holder, Waited: time.Since(start)}
}

func (m *Manager) releaser(key, holder string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, holder) })
	}
}

func (m *Manager) release(key, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok || s.holder != holder {
		return
	}
	if len(s.queue) == 0 {
		delete(m.slots, key)
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.holder = next.holder
	s.acquiredAt = time.Now()
	close(next.ready)
}

// Holder returns the current holder of key, if any.
func (m *Manager) Holder(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok || s.holder == "" {
		return Entry{}, false
	}
	return Entry{Key: key, Holder: s.holder, AcquiredAt: s.acquiredAt, Waiters: len(s.queue)}, true
}

// Held returns every held lock, sorted by key.
func (m *Manager) Held() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.slots))
	for k, s := range m.slots {
		if s.holder == "" {
			continue
		}
		out = append(out, Entry{Key: k, Holder: s.holder, AcquiredAt: s.acquiredAt, Waiters: len(s.queue)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stale returns locks held longer than maxHold.
func (m *Manager) Stale(maxHold time.Duration) []Entry {
	var out []Entry
	for _, e := range m.Held() {
		if time.Since(e.AcquiredAt) > maxHold {
			out = append(out, e)
		}
	}
	return out
}

// Watch logs stale locks every interval until ctx is done.
func (m *Manager) Watch(ctx context.Context, interval, maxHold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range m.Stale(maxHold) {
				m.log.Warn().
					Str("key", e.Key).
					Str("holder", e.Holder).
					Dur("held", time.Since(e.AcquiredAt)).
					Int("waiters", e.Waiters).
					Msg("possible deadlock: lock held too long")
			}
		}
	}
}

// Close fails all current waiters and refuses new acquisitions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, s := range m.slots {
		for _, w := range s.queue {
			close(w.ready)
		}
		s.queue = nil
	}
}

func removeWaiter(q []*waiter, w *waiter) []*waiter {
	for i, x := range q {
		if x == w {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}
