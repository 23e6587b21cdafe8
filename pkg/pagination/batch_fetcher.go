package pagination

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
}

// DefaultConfig returns a conservative configuration for the platform API
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
	}
}

// NumberedFetchFunc fetches one page by number (starting at 1) and reports the
// total number of pages, as v2 list endpoints do.
type NumberedFetchFunc[T any] func(ctx context.Context, page int) (items []T, totalPages int, err error)

// BatchFetcher fetches every page of a numbered collection in parallel
type BatchFetcher[T any] struct {
	fetch  NumberedFetchFunc[T]
	config Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher[T any](fetch NumberedFetchFunc[T], config Config) *BatchFetcher[T] {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &BatchFetcher[T]{
		fetch:  fetch,
		config: config,
	}
}

// FetchAll fetches page 1 to learn the page count, then the remaining pages
// with at most MaxConcurrency requests in flight. Items are returned in page
// order. The first failing page cancels the others and its error is returned.
func (bf *BatchFetcher[T]) FetchAll(ctx context.Context) ([]T, error) {
	start := time.Now()

	first, totalPages, err := bf.fetchOne(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}

	if totalPages <= 1 {
		log.Debug().
			Int("pages", 1).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return first, nil
	}

	log.Debug().
		Int("total_pages", totalPages).
		Int("workers", bf.config.MaxConcurrency).
		Msg("Starting parallel page fetch")

	// one slot per page, each written by exactly one goroutine
	pages := make([][]T, totalPages)
	pages[0] = first

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.config.MaxConcurrency)

	for page := 2; page <= totalPages; page++ {
		g.Go(func() error {
			items, _, err := bf.fetchOne(gctx, page)
			if err != nil {
				log.Warn().Err(err).Int("page", page).Msg("Page fetch failed")
				return fmt.Errorf("fetch page %d/%d: %w", page, totalPages, err)
			}
			pages[page-1] = items
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, p := range pages {
		total += len(p)
	}
	out := make([]T, 0, total)
	for _, p := range pages {
		out = append(out, p...)
	}

	log.Debug().
		Int("pages", totalPages).
		Int("resources", total).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return out, nil
}

func (bf *BatchFetcher[T]) fetchOne(ctx context.Context, page int) ([]T, int, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()

	start := time.Now()
	items, totalPages, err := bf.fetch(pageCtx, page)
	pageFetchDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())

	if err != nil {
		pagesFetchedTotal.WithLabelValues("batch", "error").Inc()
		return nil, 0, err
	}
	pagesFetchedTotal.WithLabelValues("batch", "ok").Inc()
	return items, totalPages, nil
}

// Numbered adapts a numbered fetcher to a sequential FetchFunc whose cursor is
// the decimal page number. It lets v2 collections be walked lazily.
func Numbered[T any](fetch NumberedFetchFunc[T]) FetchFunc[T] {
	return func(ctx context.Context, cursor string) (Page[T], error) {
		page := 1
		if cursor != "" {
			n, err := strconv.Atoi(cursor)
			if err != nil || n < 1 {
				return Page[T]{}, fmt.Errorf("invalid page cursor %q", cursor)
			}
			page = n
		}

		items, totalPages, err := fetch(ctx, page)
		if err != nil {
			return Page[T]{}, err
		}

		next := ""
		if page < totalPages {
			next = strconv.Itoa(page + 1)
		}
		return Page[T]{Resources: items, Next: next}, nil
	}
}
