// Package cache provides a Redis-backed response cache for GET requests
// against the platform API.
//
// Entries are stored as JSON under deterministic keys and expire through the
// Redis TTL. Freshness comes from the response:
//
//   - Cache-Control: no-store or no-cache disables caching
//   - Cache-Control: max-age=N caches for N seconds
//   - Expires caches until the given time
//   - otherwise a response carrying an ETag or Last-Modified validator is kept
//     for DefaultTTL and revalidated with a conditional request
//
// Responses with neither freshness nor validators are not cached, so listing
// a collection right after a mutation never returns stale resources.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Endpoint:    "/v3/domains",
//		QueryParams: url.Values{"names": []string{"apps.example.com"}},
//		Principal:   "user-guid",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// a 304 answer means EntryToResponse(entry) is still current
//	}
//
// # Metrics
//
//   - cf_cache_hits_total
//   - cf_cache_misses_total
//   - cf_cache_errors_total{operation}
//   - cf_conditional_requests_total
//   - cf_not_modified_total
package cache
