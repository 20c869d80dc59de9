package events

import (
	"sync"
	"sync/atomic"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// Envelope tags a payload with its topic for multi-topic subscribers.
type Envelope struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// SubscribeMany merges several topics into one channel of Envelopes.
func (b *Bus) SubscribeMany(topics []Event, buffer int) (<-chan Envelope, func()) {
	out := make(chan Envelope, buffer)
	var (
		wg     sync.WaitGroup
		unsubs []func()
	)
	for _, t := range topics {
		ch, unsub := b.Subscribe(t, buffer)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func(t Event, ch <-chan any) {
			defer wg.Done()
			for p := range ch {
				select {
				case out <- Envelope{Event: t, Payload: p}:
				default:
					b.dropped.Add(1)
				}
			}
		}(t, ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish fan-outs the payload to subscribers without blocking.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
