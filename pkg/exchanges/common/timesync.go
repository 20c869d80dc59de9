package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimeSync keeps the offset between local and venue clocks so signed
// requests stay inside the venue's receive window.
type TimeSync struct {
	serverTime   func(ctx context.Context) (int64, error)
	offset       int64 // milliseconds, server - local
	lastSync     time.Time
	syncInterval time.Duration
	log          zerolog.Logger
	mu           sync.RWMutex
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(serverTime func(ctx context.Context) (int64, error), log zerolog.Logger) *TimeSync {
	return &TimeSync{
		serverTime:   serverTime,
		syncInterval: 30 * time.Minute,
		log:          log,
	}
}

// Start syncs once and then periodically until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.Warn().Err(err).Msg("initial time sync failed")
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.Warn().Err(err).Msg("time sync failed")
				}
			}
		}
	}()
}

// Sync measures the offset once, assuming symmetric latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	server, err := ts.serverTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()
	local := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	ts.log.Debug().Int64("offset_ms", server-local).Msg("time synced")
	return nil
}

// Now returns the current venue time in milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
