package monitor

import (
	"context"
	"time"

	"github.com/forgecache/cachecore/internal/backpressure"
)

// Collector produces one metrics snapshot on demand.
type Collector func() Snapshot

// Scheduler runs Collector on a fixed interval and records the result
// into a History. Collections never overlap: the dispatch loop blocks
// acquiring a single-slot semaphore before starting the next one, and a
// ticker only ever holds one pending tick, so a slow collection simply
// coalesces the ticks that arrive while it runs.
type Scheduler struct {
	history   *History
	collect   Collector
	interval  time.Duration
	inflight  *backpressure.WaitGroup
	cancel    context.CancelFunc
}

// NewScheduler constructs a Scheduler. interval <= 0 disables periodic
// collection (Start becomes a no-op).
func NewScheduler(history *History, collect Collector, interval time.Duration) *Scheduler {
	return &Scheduler{
		history:  history,
		collect:  collect,
		interval: interval,
		inflight: backpressure.NewWaitGroup(1),
	}
}

// Start begins the periodic collection loop in a background goroutine.
// It returns immediately; call Stop to end the loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.inflight.Go(func() {
					snap := s.collect()
					_ = s.history.Record(ctx, snap)
				})
			}
		}
	}()
}

// Stop ends the collection loop and waits for any in-flight collection
// to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.inflight.Wait()
}
