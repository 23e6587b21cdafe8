package testutil

import (
	"sync"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

// StepClock is a fake clock whose After advances time immediately by the
// requested duration. It lets backoff loops run to completion without real
// sleeping while keeping elapsed time exact.
type StepClock struct {
	*clocktesting.FakeClock

	mu    sync.Mutex
	waits []time.Duration
}

// NewStepClock creates a StepClock starting at t.
func NewStepClock(t time.Time) *StepClock {
	return &StepClock{FakeClock: clocktesting.NewFakeClock(t)}
}

// After records d, advances the clock by d and returns an already fired channel.
func (c *StepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()

	c.Step(d)

	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// Waits returns the durations passed to After, in call order.
func (c *StepClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// Slept returns the sum of all waits.
func (c *StepClock) Slept() time.Duration {
	var total time.Duration
	for _, d := range c.Waits() {
		total += d
	}
	return total
}
