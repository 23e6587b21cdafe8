package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Sternrassler/cf-client/internal/testutil"
)

func TestPoll_SucceedsAfterRetries(t *testing.T) {
	clk := testutil.NewStepClock(time.Now())
	s, err := New(time.Second, 15*time.Second, 5*time.Minute)
	require.NoError(t, err)

	calls := 0
	err = Poll(context.Background(), clk, s, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Waits())
}

func TestPoll_Timeout(t *testing.T) {
	clk := testutil.NewStepClock(time.Now())
	s, err := New(time.Second, 15*time.Second, time.Minute)
	require.NoError(t, err)

	calls := 0
	err = Poll(context.Background(), clk, s, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Greater(t, calls, 1)
	assert.Equal(t, time.Minute, clk.Slept())
}

func TestPoll_LastSleepCutToDeadline(t *testing.T) {
	clk := testutil.NewStepClock(time.Now())
	s, err := New(time.Second, 15*time.Second, 20*time.Second)
	require.NoError(t, err)

	calls := 0
	err = Poll(context.Background(), clk, s, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 5 * time.Second,
	}, clk.Waits())
	assert.LessOrEqual(t, clk.Slept(), 20*time.Second)
	assert.Equal(t, 5, calls)
}

func TestPoll_ConditionError(t *testing.T) {
	clk := testutil.NewStepClock(time.Now())
	boom := errors.New("staging failed")

	err := Poll(context.Background(), clk, Default(), func(context.Context) (bool, error) {
		return false, boom
	})

	assert.Equal(t, boom, err)
	assert.Empty(t, clk.Waits())
}

func TestPoll_CancelledDuringSleep(t *testing.T) {
	// FakeClock.After only fires when the clock is stepped, so the poll
	// blocks in its sleep until the context is cancelled.
	clk := clocktesting.NewFakeClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Poll(ctx, clk, Default(), func(context.Context) (bool, error) {
			calls++
			return false, nil
		})
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Poll did not return after cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestPoll_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Poll(ctx, nil, Default(), func(context.Context) (bool, error) {
		called = true
		return true, nil
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
}
