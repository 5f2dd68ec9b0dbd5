// Package retry provides small bounded polling helpers for callers that
// need to re-check a condition a fixed number of times at fixed spacing.
package retry

import (
	"context"
	"time"

	"github.com/forgecache/cachecore/internal/errors"
)

// PollOptions configures a bounded, fixed-spacing poll.
type PollOptions struct {
	// Attempts bounds the number of checks performed, including the first.
	Attempts int
	// Spacing is the delay between checks.
	Spacing time.Duration
}

// DefaultPollOptions matches the action-cache waiter's short retry loop:
// ~100ms spacing, bounded to ~10 attempts.
func DefaultPollOptions() PollOptions {
	return PollOptions{Attempts: 10, Spacing: 100 * time.Millisecond}
}

// Poll calls check repeatedly until it returns true, ctx is done, or the
// attempt budget is exhausted. It returns true as soon as check succeeds.
// check is always called at least once, before any sleep.
func Poll(ctx context.Context, opts PollOptions, check func() (bool, error)) (bool, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		ok, err := check()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if attempt == opts.Attempts-1 {
			break
		}
		select {
		case <-time.After(opts.Spacing):
		case <-ctx.Done():
			return false, errors.Classify(ctx.Err())
		}
	}
	return false, nil
}
