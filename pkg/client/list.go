package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Sternrassler/cf-client/pkg/pagination"
)

// DefaultPerPage is the page size requested by the listing helpers.
const DefaultPerPage = 50

type link struct {
	Href string `json:"href"`
}

// v3Page is one page of a v3 collection.
type v3Page[T any] struct {
	Pagination struct {
		TotalResults int   `json:"total_results"`
		TotalPages   int   `json:"total_pages"`
		Next         *link `json:"next"`
	} `json:"pagination"`
	Resources []T `json:"resources"`
}

// v2Page is one page of a v2 collection.
type v2Page[T any] struct {
	TotalResults int    `json:"total_results"`
	TotalPages   int    `json:"total_pages"`
	NextURL      string `json:"next_url"`
	Resources    []T    `json:"resources"`
}

// V2Resource is the v2 metadata/entity envelope.
type V2Resource[T any] struct {
	Metadata V2Metadata `json:"metadata"`
	Entity   T          `json:"entity"`
}

// V2Metadata is the metadata block of a v2 resource.
type V2Metadata struct {
	GUID string `json:"guid"`
	URL  string `json:"url"`
}

func withPerPage(query url.Values) url.Values {
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	if q.Get("per_page") == "" {
		q.Set("per_page", strconv.Itoa(DefaultPerPage))
	}
	return q
}

// ListV3 returns a FetchFunc over a v3 collection. The first request goes to
// path with query; later requests follow pagination.next.href as returned.
func ListV3[T any](c *Client, path string, query url.Values) pagination.FetchFunc[T] {
	return func(ctx context.Context, cursor string) (pagination.Page[T], error) {
		ref, q := cursor, url.Values(nil)
		if cursor == "" {
			ref, q = path, withPerPage(query)
		}

		var body v3Page[T]
		if _, err := c.call(ctx, http.MethodGet, ref, q, nil, &body, true); err != nil {
			return pagination.Page[T]{}, err
		}

		page := pagination.Page[T]{Resources: body.Resources}
		if body.Pagination.Next != nil {
			page.Next = body.Pagination.Next.Href
		}
		return page, nil
	}
}

// ListV2 returns a FetchFunc over a v2 collection, following next_url.
func ListV2[T any](c *Client, path string, query url.Values) pagination.FetchFunc[V2Resource[T]] {
	return func(ctx context.Context, cursor string) (pagination.Page[V2Resource[T]], error) {
		ref, q := cursor, url.Values(nil)
		if cursor == "" {
			ref, q = path, perPageV2(query)
		}

		var body v2Page[V2Resource[T]]
		if _, err := c.call(ctx, http.MethodGet, ref, q, nil, &body, true); err != nil {
			return pagination.Page[V2Resource[T]]{}, err
		}
		return pagination.Page[V2Resource[T]]{Resources: body.Resources, Next: body.NextURL}, nil
	}
}

// PageV2 returns a numbered fetcher over a v2 collection for use with
// pagination.NewBatchFetcher.
func PageV2[T any](c *Client, path string, query url.Values) pagination.NumberedFetchFunc[V2Resource[T]] {
	return func(ctx context.Context, page int) ([]V2Resource[T], int, error) {
		q := perPageV2(query)
		q.Set("page", strconv.Itoa(page))

		var body v2Page[V2Resource[T]]
		if _, err := c.call(ctx, http.MethodGet, path, q, nil, &body, true); err != nil {
			return nil, 0, err
		}
		return body.Resources, body.TotalPages, nil
	}
}

// perPageV2 is withPerPage using the v2 parameter name.
func perPageV2(query url.Values) url.Values {
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	if q.Get("results-per-page") == "" {
		q.Set("results-per-page", strconv.Itoa(DefaultPerPage))
	}
	return q
}
