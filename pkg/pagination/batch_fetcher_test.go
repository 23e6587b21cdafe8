package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// numberedPages returns a fetcher over totalPages pages of two items each.
// Later pages answer faster so completion order differs from page order.
func numberedPages(totalPages int, calls *atomic.Int32) NumberedFetchFunc[string] {
	return func(ctx context.Context, page int) ([]string, int, error) {
		calls.Add(1)
		if page < 1 || page > totalPages {
			return nil, 0, fmt.Errorf("page %d out of range", page)
		}
		delay := time.Duration(totalPages-page) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(delay):
		}
		return []string{fmt.Sprintf("p%d-a", page), fmt.Sprintf("p%d-b", page)}, totalPages, nil
	}
}

func TestBatchFetcher_SinglePage(t *testing.T) {
	var calls atomic.Int32
	bf := NewBatchFetcher(numberedPages(1, &calls), DefaultConfig())

	items, err := bf.FetchAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"p1-a", "p1-b"}, items)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBatchFetcher_KeepsPageOrder(t *testing.T) {
	var calls atomic.Int32
	bf := NewBatchFetcher(numberedPages(6, &calls), Config{MaxConcurrency: 3})

	items, err := bf.FetchAll(context.Background())

	require.NoError(t, err)
	require.Len(t, items, 12)
	for page := 1; page <= 6; page++ {
		assert.Equal(t, fmt.Sprintf("p%d-a", page), items[(page-1)*2])
		assert.Equal(t, fmt.Sprintf("p%d-b", page), items[(page-1)*2+1])
	}
	assert.Equal(t, int32(6), calls.Load())
}

func TestBatchFetcher_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	fetch := func(ctx context.Context, page int) ([]int, int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return []int{page}, 10, nil
	}

	items, err := NewBatchFetcher(fetch, Config{MaxConcurrency: 2}).FetchAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, items)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBatchFetcher_PageError(t *testing.T) {
	boom := errors.New("502 bad gateway")
	fetch := func(ctx context.Context, page int) ([]int, int, error) {
		if page == 3 {
			return nil, 0, boom
		}
		return []int{page}, 4, nil
	}

	items, err := NewBatchFetcher(fetch, DefaultConfig()).FetchAll(context.Background())

	assert.Nil(t, items)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "fetch page 3/4")
}

func TestBatchFetcher_FirstPageError(t *testing.T) {
	boom := errors.New("401 unauthorized")
	fetch := func(ctx context.Context, page int) ([]int, int, error) {
		return nil, 0, boom
	}

	_, err := NewBatchFetcher(fetch, DefaultConfig()).FetchAll(context.Background())

	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "fetch first page")
}

func TestNewBatchFetcher_Defaults(t *testing.T) {
	bf := NewBatchFetcher(numberedPages(1, new(atomic.Int32)), Config{})

	assert.Equal(t, DefaultConfig(), bf.config)
}

func TestNumbered_WalksSequentially(t *testing.T) {
	var calls atomic.Int32
	fetch := Numbered(numberedPages(3, &calls))

	items, err := Collect(Stream(context.Background(), fetch))

	require.NoError(t, err)
	assert.Equal(t, []string{"p1-a", "p1-b", "p2-a", "p2-b", "p3-a", "p3-b"}, items)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	first, err := First(Stream(context.Background(), fetch))
	require.NoError(t, err)
	assert.Equal(t, "p1-a", first)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNumbered_InvalidCursor(t *testing.T) {
	fetch := Numbered(numberedPages(3, new(atomic.Int32)))

	_, err := fetch(context.Background(), "abc")
	assert.Error(t, err)

	_, err = fetch(context.Background(), "0")
	assert.Error(t, err)
}
