package cache

import (
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies a cached response.
type CacheKey struct {
	// Endpoint is the request path, e.g. "/v3/domains"
	Endpoint string

	// QueryParams are the request query parameters
	QueryParams url.Values

	// Principal separates entries of different callers. Responses are
	// filtered by the caller's permissions, so two tokens never share an entry.
	Principal string
}

// String renders the key deterministically:
//
//	cf:v3/domains:names=apps.example.com:per_page=50:principal=4f1c...
func (k CacheKey) String() string {
	var b strings.Builder
	b.WriteString("cf")

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		b.WriteByte(':')
		b.WriteString(endpoint)
	}

	keys := make([]string, 0, len(k.QueryParams))
	for key := range k.QueryParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := append([]string(nil), k.QueryParams[key]...)
		sort.Strings(values)
		b.WriteByte(':')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
	}

	if k.Principal != "" {
		b.WriteString(":principal=")
		b.WriteString(k.Principal)
	}

	return b.String()
}
