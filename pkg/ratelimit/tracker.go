package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cf_rate_limit_remaining",
		Help: "Requests remaining in the current rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cf_rate_limit_blocks_total",
		Help: "Total number of requests blocked because the quota is exhausted",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cf_rate_limit_throttles_total",
		Help: "Total number of requests delayed because the quota is low",
	})
)

// DefaultThrottleDelay is how long a request waits when the quota is low.
const DefaultThrottleDelay = time.Second

// Tracker monitors the request quota and gates requests.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	clock         clock.Clock
	throttleDelay time.Duration
	key           string

	mu    sync.Mutex
	local *State
}

// NewTracker creates a tracker. A nil redisClient keeps the state in memory.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		clock:         clock.RealClock{},
		throttleDelay: DefaultThrottleDelay,
		key:           RedisKeyState,
	}
}

// WithPartition keeps the state under StateKey(host, principal) so that
// quotas of different API hosts or tokens do not block each other.
func (t *Tracker) WithPartition(host, principal string) *Tracker {
	t.key = StateKey(host, principal)
	return t
}

// Key returns the Redis hash the tracker reads and writes.
func (t *Tracker) Key() string {
	return t.key
}

// WithClock replaces the clock used for throttling and window checks.
func (t *Tracker) WithClock(c clock.Clock) *Tracker {
	t.clock = c
	return t
}

// WithThrottleDelay sets the delay applied in the warning state.
func (t *Tracker) WithThrottleDelay(d time.Duration) *Tracker {
	t.throttleDelay = d
	return t
}

func (t *Tracker) healthyDefault() *State {
	return &State{IsHealthy: true, LastUpdate: t.clock.Now()}
}

// GetState returns the current quota state, or a healthy default when none
// has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.local == nil {
			return t.healthyDefault(), nil
		}
		s := *t.local
		return &s, nil
	}

	fields, err := t.redis.HGetAll(ctx, t.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}
	if len(fields) == 0 {
		t.logger.Debug().Msg("No rate limit state in Redis, assuming healthy")
		return t.healthyDefault(), nil
	}

	state := &State{}
	if state.Limit, err = strconv.Atoi(fields["limit"]); err != nil {
		return nil, fmt.Errorf("parse limit: %w", err)
	}
	if state.Remaining, err = strconv.Atoi(fields["remaining"]); err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	reset, err := strconv.ParseInt(fields["reset"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reset: %w", err)
	}
	state.ResetAt = time.Unix(reset, 0)
	if state.LastUpdate, err = time.Parse(time.RFC3339Nano, fields["last_update"]); err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}
	state.UpdateHealth()

	return state, nil
}

// ParseHeaders extracts the quota from response headers. It returns nil
// without error when the response carries no quota headers.
func ParseHeaders(headers http.Header, now time.Time) (*State, error) {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return nil, fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	state := &State{Remaining: remain, LastUpdate: now}

	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		if state.Limit, err = strconv.Atoi(limitStr); err != nil {
			return nil, fmt.Errorf("parse X-RateLimit-Limit header: %w", err)
		}
	}

	resetStr := headers.Get("X-RateLimit-Reset")
	if resetStr == "" {
		return nil, fmt.Errorf("X-RateLimit-Reset header missing")
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}
	state.ResetAt = time.Unix(reset, 0)

	state.UpdateHealth()
	return state, nil
}

// UpdateFromHeaders records the quota reported by a response.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	now := t.clock.Now()
	state, err := ParseHeaders(headers, now)
	if err != nil || state == nil {
		return err
	}

	if t.redis == nil {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
	} else {
		// the hash outlives the window briefly so late readers still see the reset
		ttl := state.TimeUntilReset(now) + time.Minute

		pipe := t.redis.TxPipeline()
		pipe.HSet(ctx, t.key,
			"limit", state.Limit,
			"remaining", state.Remaining,
			"reset", state.ResetAt.Unix(),
			"last_update", state.LastUpdate.Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, t.key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store rate limit state in redis: %w", err)
		}
	}

	rateLimitRemaining.Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock(now):
		t.logger.Error().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit exhausted - requests will be blocked until reset")
	case state.NeedsThrottling(now):
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Msg("Rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest returns false when the quota is exhausted. In the
// warning state it delays the caller by the throttle delay first, returning
// ctx.Err() if the context ends during that wait.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	now := t.clock.Now()

	if state.NeedsCriticalBlock(now) {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset(now)).
			Msg("Rate limit exhausted - blocking request")

		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling(now) {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("delay", t.throttleDelay).
			Msg("Rate limit low - throttling request")

		rateLimitThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.clock.After(t.throttleDelay):
		}
	}

	return true, nil
}
