package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

// ErrTimeout is returned by Poll when the scheduler's budget runs out before
// the condition is satisfied.
var ErrTimeout = errors.New("polling deadline exceeded")

// Condition is evaluated once per poll. Returning true stops polling
// successfully; returning an error aborts it.
type Condition func(ctx context.Context) (done bool, err error)

// Poll evaluates condition until it reports done, it fails, the scheduler
// expires or ctx is cancelled. Between evaluations it sleeps for
// s.Next(attempt), cut short so that the total wait never passes
// s.MaxElapsed(). A nil clk uses the real clock.
func Poll(ctx context.Context, clk clock.Clock, s Scheduler, condition Condition) error {
	if clk == nil {
		clk = clock.RealClock{}
	}

	start := clk.Now()
	for attempt := 0; ; attempt++ {
		if s.HasExpired(start, clk.Now()) {
			log.Warn().
				Int("attempt", attempt).
				Dur("elapsed", clk.Since(start)).
				Msg("Polling deadline exceeded")
			return fmt.Errorf("%w after %s", ErrTimeout, s.MaxElapsed())
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := condition(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		delay := s.NextWithin(attempt, start, clk.Now())
		if delay == 0 {
			continue
		}
		log.Debug().
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Condition not met, backing off")

		if err := Sleep(ctx, clk, delay); err != nil {
			return err
		}
	}
}

// Sleep waits for d on clk or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
