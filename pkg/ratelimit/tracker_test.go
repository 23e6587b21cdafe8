package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Sternrassler/cf-client/internal/testutil"
)

func quotaHeaders(limit, remaining int, reset time.Time) http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	return h
}

func TestParseHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name       string
		headers    http.Header
		wantNil    bool
		wantErr    bool
		wantRemain int
		wantLimit  int
	}{
		{
			name:       "complete",
			headers:    quotaHeaders(10000, 9876, now.Add(time.Hour)),
			wantRemain: 9876,
			wantLimit:  10000,
		},
		{
			name:    "no quota headers",
			headers: http.Header{"Content-Type": []string{"application/json"}},
			wantNil: true,
		},
		{
			name:    "invalid remaining",
			headers: http.Header{"X-Ratelimit-Remaining": []string{"lots"}},
			wantErr: true,
		},
		{
			name:    "missing reset",
			headers: http.Header{"X-Ratelimit-Remaining": []string{"5"}},
			wantErr: true,
		},
		{
			name: "missing limit",
			headers: http.Header{
				"X-Ratelimit-Remaining": []string{"5"},
				"X-Ratelimit-Reset":     []string{"1700003600"},
			},
			wantRemain: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := ParseHeaders(tt.headers, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if state != nil {
					t.Errorf("expected nil state, got %+v", state)
				}
				return
			}
			if state.Remaining != tt.wantRemain || state.Limit != tt.wantLimit {
				t.Errorf("state = %+v", state)
			}
			if !state.LastUpdate.Equal(now) {
				t.Errorf("LastUpdate = %v, want %v", state.LastUpdate, now)
			}
		})
	}
}

func newMemoryTracker(clk *testutil.StepClock) *Tracker {
	return NewTracker(nil, zerolog.Nop()).WithClock(clk)
}

func TestTracker_DefaultStateIsHealthy(t *testing.T) {
	tracker := newMemoryTracker(testutil.NewStepClock(time.Now()))

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Error("default state should be healthy")
	}

	allowed, err := tracker.ShouldAllowRequest(context.Background())
	if err != nil || !allowed {
		t.Errorf("ShouldAllowRequest() = %v, %v", allowed, err)
	}
}

func TestTracker_UpdateAndGate(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	tests := []struct {
		name        string
		remaining   int
		wantAllowed bool
		wantWait    bool
	}{
		{"healthy", 8000, true, false},
		{"warning throttles", 300, true, true},
		{"exhausted blocks", 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testutil.NewStepClock(start)
			tracker := newMemoryTracker(clk)

			if err := tracker.UpdateFromHeaders(ctx, quotaHeaders(10000, tt.remaining, start.Add(time.Hour))); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			allowed, err := tracker.ShouldAllowRequest(ctx)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.wantAllowed)
			}

			waited := len(clk.Waits()) > 0
			if waited != tt.wantWait {
				t.Errorf("waited = %v, want %v", waited, tt.wantWait)
			}
			if tt.wantWait && clk.Slept() != DefaultThrottleDelay {
				t.Errorf("slept %v, want %v", clk.Slept(), DefaultThrottleDelay)
			}
		})
	}
}

func TestTracker_BlockLiftsAfterReset(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := testutil.NewStepClock(start)
	tracker := newMemoryTracker(clk)
	ctx := context.Background()

	if err := tracker.UpdateFromHeaders(ctx, quotaHeaders(10000, 0, start.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if allowed, _ := tracker.ShouldAllowRequest(ctx); allowed {
		t.Fatal("expected block before reset")
	}

	clk.Step(time.Minute)

	if allowed, _ := tracker.ShouldAllowRequest(ctx); !allowed {
		t.Error("expected request allowed after reset")
	}
}

func TestTracker_IgnoresResponsesWithoutQuota(t *testing.T) {
	tracker := newMemoryTracker(testutil.NewStepClock(time.Now()))

	if err := tracker.UpdateFromHeaders(context.Background(), http.Header{}); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	state, _ := tracker.GetState(context.Background())
	if !state.IsHealthy {
		t.Error("state should stay at the healthy default")
	}
}

func TestTracker_ThrottleHonoursContext(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clocktesting.NewFakeClock(start)
	tracker := NewTracker(nil, zerolog.Nop()).WithClock(clk).WithThrottleDelay(time.Hour)
	if err := tracker.UpdateFromHeaders(context.Background(), quotaHeaders(10000, 200, start.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tracker.ShouldAllowRequest(ctx)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !clk.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("tracker never started throttling")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ShouldAllowRequest did not return after cancel")
	}
}

func TestTracker_RedisState(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	client.Del(ctx, RedisKeyState)
	t.Cleanup(func() {
		client.Del(context.Background(), RedisKeyState)
		client.Close()
	})

	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	writer := NewTracker(client, zerolog.Nop())
	if err := writer.UpdateFromHeaders(ctx, quotaHeaders(10000, 42, reset)); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	// a second tracker sees the same state
	reader := NewTracker(client, zerolog.Nop())
	state, err := reader.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 42 || state.Limit != 10000 || !state.ResetAt.Equal(reset) {
		t.Errorf("state = %+v", state)
	}
	if ttl := client.TTL(ctx, RedisKeyState).Val(); ttl <= 0 {
		t.Errorf("state key has no expiry (ttl %v)", ttl)
	}
}

func TestStateKey(t *testing.T) {
	got := StateKey("api.example.com", "a1b2c3")
	if want := "cf:rate_limit:state:api.example.com:a1b2c3"; got != want {
		t.Errorf("StateKey() = %q, want %q", got, want)
	}

	tracker := NewTracker(nil, zerolog.Nop())
	if tracker.Key() != RedisKeyState {
		t.Errorf("default Key() = %q, want %q", tracker.Key(), RedisKeyState)
	}
	if tracker.WithPartition("api.example.com", "a1b2c3").Key() != got {
		t.Errorf("partitioned Key() = %q, want %q", tracker.Key(), got)
	}
}

func TestTracker_PartitionsDoNotShareState(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	alice := StateKey("api.example.com", "alice")
	bob := StateKey("api.example.com", "bob")
	otherHost := StateKey("api.other.example.com", "alice")
	client.Del(ctx, alice, bob, otherHost)
	t.Cleanup(func() {
		client.Del(context.Background(), alice, bob, otherHost)
		client.Close()
	})

	exhausted := NewTracker(client, zerolog.Nop()).WithPartition("api.example.com", "alice")
	if err := exhausted.UpdateFromHeaders(ctx, quotaHeaders(10000, 0, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	tests := []struct {
		name    string
		tracker *Tracker
		allowed bool
	}{
		{"same partition", NewTracker(client, zerolog.Nop()).WithPartition("api.example.com", "alice"), false},
		{"other token", NewTracker(client, zerolog.Nop()).WithPartition("api.example.com", "bob"), true},
		{"other host", NewTracker(client, zerolog.Nop()).WithPartition("api.other.example.com", "alice"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := tt.tracker.ShouldAllowRequest(ctx)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.allowed)
			}
		})
	}
}
