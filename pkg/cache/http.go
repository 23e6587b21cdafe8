package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is how long a response with validators but no explicit
// freshness is kept before it must be fetched again.
const DefaultTTL = 30 * time.Second

// ResponseToEntry reads resp into a CacheEntry. The body is restored so the
// caller can still consume it.
func ResponseToEntry(resp *http.Response) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	entry := &CacheEntry{
		Data:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CachedAt:   now,
	}

	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		if t, err := http.ParseTime(lastMod); err == nil {
			entry.LastModified = t
		}
	}

	entry.Expires = now.Add(freshness(resp.Header, now, entry.HasValidators()))
	return entry, nil
}

// EntryToResponse rebuilds an HTTP response from a cached entry.
func EntryToResponse(entry *CacheEntry, req *http.Request) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Cache", "HIT")

	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
		Request:       req,
	}
}

// freshness returns how long a response may be cached. Zero means never.
func freshness(h http.Header, now time.Time, hasValidators bool) time.Duration {
	if cc := h.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.ToLower(strings.TrimSpace(directive))
			switch {
			case directive == "no-store", directive == "no-cache":
				return 0
			case strings.HasPrefix(directive, "max-age="):
				secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
				if err != nil || secs <= 0 {
					return 0
				}
				return time.Duration(secs) * time.Second
			}
		}
	}

	if expires := h.Get("Expires"); expires != "" {
		t, err := http.ParseTime(expires)
		if err != nil || !t.After(now) {
			return 0
		}
		return t.Sub(now)
	}

	if hasValidators {
		return DefaultTTL
	}
	return 0
}

// Revalidate extends entry after a 304 answer, using the freshness headers of
// that answer.
func Revalidate(entry *CacheEntry, h http.Header) {
	now := time.Now()
	entry.Expires = now.Add(freshness(h, now, entry.HasValidators()))
	if etag := h.Get("ETag"); etag != "" {
		entry.ETag = etag
	}
}

// ShouldMakeConditionalRequest reports whether entry carries a validator.
func ShouldMakeConditionalRequest(entry *CacheEntry) bool {
	return entry != nil && entry.HasValidators()
}

// AddConditionalHeaders sets If-None-Match, or If-Modified-Since when only
// Last-Modified is known.
func AddConditionalHeaders(req *http.Request, entry *CacheEntry) {
	if entry == nil || req == nil {
		return
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
