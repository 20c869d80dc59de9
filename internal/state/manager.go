// Package state keeps the freshest known venue quantity per position.
// Venue streams and engine fills write to it; the protection protocol reads
// it before falling back to slower sources.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quantity is one cached observation.
type Quantity struct {
	Value   decimal.Decimal
	Updated time.Time
}

// ConfirmedZero reports whether the venue has said the position is gone.
func (q Quantity) ConfirmedZero() bool { return q.Value.IsZero() }

// Manager is the quantity cache keyed by exchange and symbol.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]Quantity
	maxAge  time.Duration
	now     func() time.Time
}

// NewManager builds a cache. Observations older than maxAge are ignored;
// zero keeps them forever.
func NewManager(maxAge time.Duration) *Manager {
	return &Manager{
		entries: make(map[string]Quantity),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

func key(exchange, symbol string) string { return exchange + ":" + symbol }

// Set records a quantity; negative values (signed short amounts) are
// stored as their magnitude. Zero marks the position as confirmed closed.
func (m *Manager) Set(exchange, symbol string, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key(exchange, symbol)] = Quantity{Value: qty.Abs(), Updated: m.now()}
}

// Lookup returns the cached observation, if any and fresh.
func (m *Manager) Lookup(exchange, symbol string) (Quantity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.entries[key(exchange, symbol)]
	if !ok {
		return Quantity{}, false
	}
	if m.maxAge > 0 && m.now().Sub(q.Updated) > m.maxAge {
		return Quantity{}, false
	}
	return q, true
}

// Forget drops the entry; used when a position is destroyed.
func (m *Manager) Forget(exchange, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(exchange, symbol))
}

// Snapshot returns all entries keyed by "exchange:symbol".
func (m *Manager) Snapshot() map[string]Quantity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Quantity, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}
