package cache

import (
	"net/http"
	"time"
)

// CacheEntry is a cached API response.
type CacheEntry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// ETag for If-None-Match revalidation
	ETag string `json:"etag,omitempty"`

	// LastModified for If-Modified-Since revalidation
	LastModified time.Time `json:"last_modified,omitempty"`

	// Expires is when the entry stops being fresh
	Expires time.Time `json:"expires"`

	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	CachedAt   time.Time   `json:"cached_at"`
}

// IsExpired reports whether the entry is stale.
func (e *CacheEntry) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the entry is stale at now.
func (e *CacheEntry) IsExpiredAt(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// HasValidators reports whether the entry can be revalidated.
func (e *CacheEntry) HasValidators() bool {
	return e.ETag != "" || !e.LastModified.IsZero()
}
