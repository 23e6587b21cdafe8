// Package pagination walks server-paginated collections.
//
// Collection endpoints answer with one page of resources and, unless it is the
// last page, an opaque cursor for the next one (a v3 "pagination.next.href" or
// a v2 "next_url"). A Cursor turns a FetchFunc into a single lazy sequence:
// pages are requested strictly in order and only when the items already
// fetched have been consumed, so early termination never loads more pages than
// needed.
//
// Example usage:
//
//	fetch := client.ListV3[client.Domain](c, "/v3/domains", nil)
//	domain, err := pagination.Single(pagination.Filter(
//		pagination.Stream(ctx, fetch),
//		func(d client.Domain) bool { return d.Name == "apps.example.com" },
//	))
//	if errors.Is(err, pagination.ErrNotFound) {
//		// no such domain
//	}
//
// Page fetch errors end the sequence; items already yielded are not
// retracted and nothing is retried. Retrying a page is left to the caller.
//
// For v2 endpoints, which report the total page count, BatchFetcher fetches
// page 1 and then the remaining pages with a bounded worker pool, returning
// the items in page order.
package pagination
