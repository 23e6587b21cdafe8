package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page fetching.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_pages_fetched_total",
		Help: "Total pages fetched by mode (cursor, batch) and result",
	}, []string{"mode", "result"})

	pageFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cf_page_fetch_duration_seconds",
		Help:    "Duration of single page fetches by mode",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"mode"})
)

// ErrCursorLoop is returned when the server hands back a cursor that this
// walk already requested, which would otherwise revisit the same pages forever.
var ErrCursorLoop = errors.New("pagination cursor did not advance")

// Page is one batch of a paginated collection. An empty Next marks the last page.
type Page[T any] struct {
	Resources []T
	Next      string
}

// FetchFunc performs one page request. The first call receives an empty
// cursor; later calls receive the Next value of the previous page.
type FetchFunc[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Cursor iterates over every item of a paginated collection.
//
//	c := pagination.NewCursor(fetch)
//	for c.Next(ctx) {
//		use(c.Value())
//	}
//	if err := c.Err(); err != nil { ... }
//
// A Cursor is forward-only and cannot be restarted; create a new one to walk
// the collection again. It is not safe for concurrent use.
type Cursor[T any] struct {
	fetch FetchFunc[T]

	items   []T
	pos     int
	current T

	next    string
	seen    map[string]struct{}
	started bool
	pages   int
	err     error
}

// NewCursor returns a Cursor that has not fetched anything yet.
func NewCursor[T any](fetch FetchFunc[T]) *Cursor[T] {
	return &Cursor[T]{fetch: fetch, seen: map[string]struct{}{}}
}

// Next advances to the next item, fetching the next page if the current one
// is used up. It returns false at the end of the collection or on error.
func (c *Cursor[T]) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}

	for c.pos >= len(c.items) {
		if c.started && c.next == "" {
			return false
		}
		if !c.fetchPage(ctx) {
			return false
		}
	}

	c.current = c.items[c.pos]
	c.pos++
	return true
}

func (c *Cursor[T]) fetchPage(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}

	requested := c.next
	c.pages++

	start := time.Now()
	page, err := c.fetch(ctx, requested)
	pageFetchDuration.WithLabelValues("cursor").Observe(time.Since(start).Seconds())

	if err != nil {
		pagesFetchedTotal.WithLabelValues("cursor", "error").Inc()
		c.err = fmt.Errorf("fetch page %d: %w", c.pages, err)
		return false
	}
	pagesFetchedTotal.WithLabelValues("cursor", "ok").Inc()

	if requested != "" {
		c.seen[requested] = struct{}{}
	}
	if _, ok := c.seen[page.Next]; ok {
		c.err = fmt.Errorf("%w: page %d points back at %s", ErrCursorLoop, c.pages, page.Next)
		return false
	}

	log.Debug().
		Int("page", c.pages).
		Int("resources", len(page.Resources)).
		Bool("last", page.Next == "").
		Msg("Fetched page")

	c.started = true
	c.items = page.Resources
	c.pos = 0
	c.next = page.Next
	return true
}

// Value returns the item Next advanced to.
func (c *Cursor[T]) Value() T {
	return c.current
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor[T]) Err() error {
	return c.err
}

// Pages returns how many page requests have been issued.
func (c *Cursor[T]) Pages() int {
	return c.pages
}

// Stream exposes the collection as a range-over-func sequence. A fetch error
// is yielded once, with a zero item, as the final element. Breaking out of
// the loop stops fetching.
func Stream[T any](ctx context.Context, fetch FetchFunc[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		c := NewCursor(fetch)
		for c.Next(ctx) {
			if !yield(c.Value(), nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}
