// Package client provides the HTTP client for a Cloud Foundry style platform
// API with throttling, quota tracking, response caching and error
// classification, plus the resource endpoints that produce job references
// and paginated listings.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/Sternrassler/cf-client/pkg/backoff"
	"github.com/Sternrassler/cf-client/pkg/cache"
	"github.com/Sternrassler/cf-client/pkg/job"
	"github.com/Sternrassler/cf-client/pkg/ratelimit"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cf_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// Client is the platform API client.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	limiter     *rate.Limiter
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	jobs        *job.Poller
	jobsV2      *job.Poller
	principal   string
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com"
	BaseURL string

	// Token is the OAuth access token. Empty for anonymous endpoints.
	Token string

	// UserAgent identifies the caller, e.g. "cfjobs/1.0 (ops@example.com)"
	UserAgent string

	// Redis enables the response cache and shared quota tracking. Optional.
	Redis *redis.Client

	// Client-side throttle. Zero RequestsPerSecond disables it.
	RequestsPerSecond float64
	Burst             int

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// JobTimeout bounds WaitForJob and WaitForStaged.
	JobTimeout time.Duration

	// Backoff drives job and staging polls.
	Backoff backoff.Scheduler

	// NotFoundPolicy decides whether a 404 on a job is retried.
	NotFoundPolicy job.NotFoundPolicy

	// Clock is used for polling and throttling. Nil means the real clock.
	Clock clock.Clock
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:           baseURL,
		UserAgent:         userAgent,
		RequestsPerSecond: 10,
		Burst:             5,
		Timeout:           30 * time.Second,
		JobTimeout:        5 * time.Minute,
		Backoff:           backoff.Default(),
		NotFoundPolicy:    job.NotFoundFatal(),
	}
}

// New creates a client after validating cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("requests_per_second must be >= 0 (got %v)", cfg.RequestsPerSecond)
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst < 1 {
		return nil, fmt.Errorf("burst must be >= 1 when throttling (got %d)", cfg.Burst)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}
	if cfg.JobTimeout <= 0 {
		return nil, fmt.Errorf("job_timeout must be > 0 (got %s)", cfg.JobTimeout)
	}
	if cfg.Backoff.InitialDelay() <= 0 {
		return nil, fmt.Errorf("backoff scheduler is required")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	logger := log.With().Str("component", "cf-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:   base,
		principal: principalOf(cfg.Token),
		config:    cfg,
		logger:    logger,
	}

	c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger).
		WithClock(cfg.Clock).
		WithPartition(base.Host, c.principal)

	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}

	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
	}

	pollerOpts := []job.Option{
		job.WithScheduler(cfg.Backoff),
		job.WithClock(cfg.Clock),
		job.WithNotFoundPolicy(cfg.NotFoundPolicy),
	}
	c.jobs = job.NewPoller(c.GetJob, pollerOpts...)
	c.jobsV2 = job.NewPoller(c.GetJobV2, pollerOpts...)

	return c, nil
}

// principalOf derives a stable cache partition from the token without
// keeping the token itself in Redis keys.
func principalOf(token string) string {
	if token == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Do performs an HTTP request through the client pipeline. GET requests may
// be answered from the response cache. Any status code is returned as a
// response; only network failures and blocked requests return an error.
// Do never retries.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(req, req.Method == http.MethodGet)
}

func (c *Client) do(req *http.Request, cacheable bool) (*http.Response, error) {
	ctx := req.Context()
	endpoint := endpointLabel(req.URL.Path)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: client-side throttle
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("throttle: %w", err)
		}
	}

	// Step 2: server quota
	allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Rate limit check failed")
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		c.logger.Warn().Str("endpoint", endpoint).Msg("Request blocked by rate limiter")
		requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
		return nil, &APIError{Class: ErrorClassRateLimit, Err: ErrRateLimited}
	}

	// Step 3: cache
	useCache := cacheable && c.cache != nil
	cacheKey := cache.CacheKey{
		Endpoint:    req.URL.Path,
		QueryParams: req.URL.Query(),
		Principal:   c.principal,
	}

	var cached *cache.CacheEntry
	if useCache {
		cached, err = c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}

		if cached != nil && !cache.ShouldMakeConditionalRequest(cached) {
			requestsTotal.WithLabelValues(endpoint, "cache_hit").Inc()
			return cache.EntryToResponse(cached, req), nil
		}
		if cached != nil {
			cache.AddConditionalHeaders(req, cached)
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("endpoint", endpoint).
				Str("etag", cached.ETag).
				Msg("Making conditional request")
		}
	}

	// Step 4: headers
	c.setHeaders(req)

	// Step 5: execute
	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{Class: ErrorClassNetwork, Err: err}
	}

	// Step 6: quota headers
	if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	// Step 7: revalidated
	if resp.StatusCode == http.StatusNotModified && cached != nil {
		resp.Body.Close()
		cache.NotModifiedResponses.Inc()
		cache.Revalidate(cached, resp.Header)
		if err := c.cache.Set(ctx, cacheKey, cached); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		return cache.EntryToResponse(cached, req), nil
	}

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("API request error")
		return resp, nil
	}

	// Step 8: cache update, or invalidation after a mutation
	switch {
	case useCache && resp.StatusCode == http.StatusOK:
		c.store(ctx, cacheKey, resp)
	case !cacheable && req.Method != http.MethodGet && c.cache != nil:
		for _, collection := range collectionPaths(req.URL.Path) {
			if n, err := c.cache.InvalidatePrefix(ctx, collection); err != nil {
				c.logger.Warn().Err(err).Str("collection", collection).Msg("Cache invalidation failed")
			} else if n > 0 {
				c.logger.Debug().Int("entries", n).Str("collection", collection).Msg("Invalidated cache")
			}
		}
	}

	return resp, nil
}

func (c *Client) store(ctx context.Context, key cache.CacheKey, resp *http.Response) {
	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		return
	}
	if entry.TTL() <= 0 {
		return
	}
	if err := c.cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache response")
		return
	}
	c.logger.Debug().
		Str("endpoint", key.Endpoint).
		Dur("ttl", entry.TTL()).
		Msg("Cached response")
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if req.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.config.Token; token != "" {
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
}

var guidSegment = regexp.MustCompile(`/[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// endpointLabel replaces GUID path segments so metric labels stay bounded.
func endpointLabel(path string) string {
	return guidSegment.ReplaceAllString(path, "/:guid")
}

// collectionPaths returns the collection a mutated path belongs to, under
// both API versions: /v2/routes/abc -> /v2/routes, /v3/routes.
func collectionPaths(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return []string{"/" + strings.Join(parts, "/")}
	}
	version, collection := parts[0], parts[1]
	switch version {
	case "v2", "v3":
		return []string{"/v2/" + collection, "/v3/" + collection}
	default:
		return []string{"/" + version + "/" + collection}
	}
}

// resolve turns a path or an absolute next-page href into a request URL.
func (c *Client) resolve(ref string, query url.Values) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	if !u.IsAbs() {
		u = c.baseURL.ResolveReference(&url.URL{Path: c.baseURL.Path + u.Path, RawQuery: u.RawQuery})
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// call sends one request and decodes a 2xx body into out, when out is not
// nil. Non-2xx answers are returned as *APIError. The response is returned
// with its body consumed so callers can inspect status and headers.
func (c *Client) call(ctx context.Context, method, ref string, query url.Values, in, out any, cacheable bool) (*http.Response, error) {
	u, err := c.resolve(ref, query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.do(req, cacheable)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, &APIError{Class: ErrorClassNetwork, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return resp, parseAPIError(resp.StatusCode, data)
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, fmt.Errorf("decode %s %s: %w", method, u.Path, err)
		}
	}
	return resp, nil
}

// Get performs a GET request to an API path.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	u, err := c.resolve(path, nil)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient replaces the HTTP client, e.g. to route requests through a
// custom transport. Config.Timeout does not apply to the replacement.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, nil without Redis (for testing).
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}

// RateLimiter returns the quota tracker.
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}
