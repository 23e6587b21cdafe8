// Package backoff computes bounded exponential retry delays and provides a
// context-aware polling loop built on them.
package backoff

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by New when the scheduler bounds are inconsistent.
var ErrInvalidConfig = errors.New("invalid backoff configuration")

// Scheduler produces the delay sequence for a retry loop.
//
// The zero value is not usable; construct one with New or Default. A Scheduler
// holds no mutable state and may be shared freely between goroutines.
type Scheduler struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxElapsed   time.Duration
}

// New validates the bounds and returns a Scheduler.
func New(initialDelay, maxDelay, maxElapsed time.Duration) (Scheduler, error) {
	if initialDelay <= 0 {
		return Scheduler{}, fmt.Errorf("%w: initial delay must be > 0 (got %s)", ErrInvalidConfig, initialDelay)
	}
	if maxDelay < initialDelay {
		return Scheduler{}, fmt.Errorf("%w: max delay %s is below initial delay %s", ErrInvalidConfig, maxDelay, initialDelay)
	}
	if maxElapsed <= 0 {
		return Scheduler{}, fmt.Errorf("%w: max elapsed must be > 0 (got %s)", ErrInvalidConfig, maxElapsed)
	}

	return Scheduler{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		maxElapsed:   maxElapsed,
	}, nil
}

// Default returns the schedule used for job and staging polls: 1s doubling
// up to 15s, giving up after 5 minutes.
func Default() Scheduler {
	return Scheduler{
		initialDelay: 1 * time.Second,
		maxDelay:     15 * time.Second,
		maxElapsed:   5 * time.Minute,
	}
}

// InitialDelay returns the delay before the first retry.
func (s Scheduler) InitialDelay() time.Duration { return s.initialDelay }

// MaxDelay returns the per-step ceiling.
func (s Scheduler) MaxDelay() time.Duration { return s.maxDelay }

// MaxElapsed returns the total time budget.
func (s Scheduler) MaxElapsed() time.Duration { return s.maxElapsed }

// WithMaxElapsed returns a copy of s with a different total budget.
// Non-positive values leave s unchanged.
func (s Scheduler) WithMaxElapsed(d time.Duration) Scheduler {
	if d > 0 {
		s.maxElapsed = d
	}
	return s
}

// Next returns min(initialDelay * 2^attempt, maxDelay). Negative attempts are
// treated as zero.
func (s Scheduler) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := s.initialDelay
	for i := 0; i < attempt; i++ {
		// doubling past maxDelay/2 would reach the ceiling anyway and may overflow
		if delay > s.maxDelay/2 {
			return s.maxDelay
		}
		delay *= 2
	}

	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

// HasExpired reports whether the time budget measured from start is used up
// at now. The boundary is inclusive.
func (s Scheduler) HasExpired(start, now time.Time) bool {
	return now.Sub(start) >= s.maxElapsed
}

// NextWithin returns Next(attempt) clamped to what is left of the budget
// measured from start, so that a sleep never carries a wait past MaxElapsed.
// It returns 0 once the budget is used up.
func (s Scheduler) NextWithin(attempt int, start, now time.Time) time.Duration {
	left := s.maxElapsed - now.Sub(start)
	if left <= 0 {
		return 0
	}
	return min(s.Next(attempt), left)
}
