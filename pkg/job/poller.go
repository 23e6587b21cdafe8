package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/Sternrassler/cf-client/pkg/backoff"
)

// Prometheus metrics for job polling.
var (
	jobPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_job_polls_total",
		Help: "Total job status fetches by observed status",
	}, []string{"status"})

	jobPollRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_job_poll_retries_total",
		Help: "Total status fetches retried after an error, by reason",
	}, []string{"reason"})

	jobPollBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cf_job_poll_backoff_seconds",
		Help:    "Delay between job status fetches",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30},
	})

	jobWaitDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cf_job_wait_duration_seconds",
		Help:    "Time spent waiting for jobs by outcome",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"outcome"})
)

// StatusFetcher performs one status request for the job with the given id.
// Transport failures should be reported as errors for which IsTransient
// returns true; an unknown job should be reported as ErrNotFound.
type StatusFetcher func(ctx context.Context, id string) (Reference, error)

// NotFoundPolicy decides what a "job not found" answer means while polling.
// Right after creation a job may not yet be visible to reads; Grace bounds how
// long that is tolerated.
type NotFoundPolicy struct {
	Transient bool
	Grace     time.Duration
}

// NotFoundFatal treats an unknown job as a hard failure. This is the default.
func NotFoundFatal() NotFoundPolicy {
	return NotFoundPolicy{}
}

// NotFoundTransient retries an unknown job until grace has elapsed since the
// wait started.
func NotFoundTransient(grace time.Duration) NotFoundPolicy {
	return NotFoundPolicy{Transient: true, Grace: grace}
}

// Option configures a Poller.
type Option func(*Poller)

// WithScheduler sets the backoff schedule. The scheduler's MaxElapsed is the
// deadline used by Wait.
func WithScheduler(s backoff.Scheduler) Option {
	return func(p *Poller) { p.scheduler = s }
}

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithNotFoundPolicy sets how ErrNotFound from the fetcher is handled.
func WithNotFoundPolicy(np NotFoundPolicy) Option {
	return func(p *Poller) { p.notFound = np }
}

// Poller drives jobs to a terminal state. A Poller may be reused for
// sequential waits; each call to WaitForCompletion keeps its own state.
type Poller struct {
	fetch     StatusFetcher
	scheduler backoff.Scheduler
	clock     clock.Clock
	logger    zerolog.Logger
	notFound  NotFoundPolicy
}

// NewPoller creates a Poller around fetch.
func NewPoller(fetch StatusFetcher, opts ...Option) *Poller {
	p := &Poller{
		fetch:     fetch,
		scheduler: backoff.Default(),
		clock:     clock.RealClock{},
		logger:    log.With().Str("component", "job-poller").Logger(),
		notFound:  NotFoundFatal(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait is WaitForCompletion with the scheduler's MaxElapsed as deadline.
func (p *Poller) Wait(ctx context.Context, ref *Reference) error {
	return p.WaitForCompletion(ctx, ref, p.scheduler.MaxElapsed())
}

// WaitForCompletion polls ref until it is terminal.
//
// It returns nil when the job finished or ref is nil (nothing was queued),
// a *FailedError when the server reports failure, and an error wrapping
// ErrTimeout once deadline has elapsed. A non-positive deadline times out
// without fetching. The deadline check happens before every fetch, and
// cancellation of ctx during a backoff sleep stops without another fetch.
func (p *Poller) WaitForCompletion(ctx context.Context, ref *Reference, deadline time.Duration) error {
	if ref == nil {
		return nil
	}

	switch ref.Status {
	case StatusFinished:
		return nil
	case StatusFailed:
		return newFailedError(ref.ID, ref.Error)
	}

	logger := p.logger.With().Str("job_id", ref.ID).Logger()
	start := p.clock.Now()

	err := p.poll(ctx, logger, ref.ID, start, deadline)

	outcome := OutcomeOf(err)
	jobWaitDurationSeconds.WithLabelValues(string(outcome)).Observe(p.clock.Since(start).Seconds())

	event := logger.Info()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	event.Str("outcome", string(outcome)).
		Dur("elapsed", p.clock.Since(start)).
		Msg("Job wait finished")

	return err
}

func (p *Poller) poll(ctx context.Context, logger zerolog.Logger, id string, start time.Time, deadline time.Duration) error {
	if deadline <= 0 {
		return fmt.Errorf("%w: job %s (deadline %s)", ErrTimeout, id, deadline)
	}
	sched := p.scheduler.WithMaxElapsed(deadline)

	for attempt := 0; ; attempt++ {
		if sched.HasExpired(start, p.clock.Now()) {
			return fmt.Errorf("%w: job %s after %s", ErrTimeout, id, deadline)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("wait for job %s: %w", id, err)
		}

		current, err := p.fetchWithin(ctx, id, start.Add(deadline))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("wait for job %s: %w", id, ctxErr)
			}
			if errors.Is(err, context.DeadlineExceeded) && sched.HasExpired(start, p.clock.Now()) {
				return fmt.Errorf("%w: job %s after %s", ErrTimeout, id, deadline)
			}
			reason, retry := p.classify(err, p.clock.Since(start))
			if !retry {
				return fmt.Errorf("fetch status of job %s: %w", id, err)
			}
			jobPollRetriesTotal.WithLabelValues(reason).Inc()
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("reason", reason).
				Msg("Job status fetch failed, retrying")
		} else {
			jobPollsTotal.WithLabelValues(string(current.Status)).Inc()
			logger.Debug().
				Int("attempt", attempt).
				Str("status", string(current.Status)).
				Msg("Polled job status")

			switch current.Status {
			case StatusFinished:
				return nil
			case StatusFailed:
				return newFailedError(id, current.Error)
			}
		}

		delay := sched.NextWithin(attempt, start, p.clock.Now())
		if delay == 0 {
			continue
		}
		jobPollBackoffSeconds.Observe(delay.Seconds())
		if err := backoff.Sleep(ctx, p.clock, delay); err != nil {
			return fmt.Errorf("wait for job %s: %w", id, err)
		}
	}
}

// fetchWithin bounds a single status fetch by what is left of the deadline.
func (p *Poller) fetchWithin(ctx context.Context, id string, until time.Time) (Reference, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, until.Sub(p.clock.Now()))
	defer cancel()
	return p.fetch(fetchCtx, id)
}

// classify decides whether a fetch error is retried and labels it.
func (p *Poller) classify(err error, elapsed time.Duration) (string, bool) {
	if errors.Is(err, ErrNotFound) {
		return "not_found", p.notFound.Transient && elapsed < p.notFound.Grace
	}
	if IsTransient(err) {
		return "transient", true
	}
	return "fatal", false
}

func newFailedError(id string, detail *ErrorDetail) *FailedError {
	fe := &FailedError{JobID: id}
	if detail != nil {
		fe.Code = detail.Code
		fe.Description = detail.Description
	}
	return fe
}
