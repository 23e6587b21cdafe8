// Package metrics exposes the client's Prometheus metrics.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, job, pagination) and registered via promauto; this package
// serves them and documents the catalogue.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// Listen binds addr (e.g. ":9090" or "127.0.0.1:0") without serving yet.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr()).Msg("Serving metrics")
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - cf_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status,
//     plus the pseudo statuses cache_hit, rate_limited and network_error
//   - cf_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - cf_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Quota Metrics (pkg/ratelimit):
//   - cf_rate_limit_remaining (Gauge): Requests remaining in the current window
//   - cf_rate_limit_blocks_total (Counter): Requests blocked because the quota is exhausted
//   - cf_rate_limit_throttles_total (Counter): Requests delayed because the quota is low
//
// Cache Metrics (pkg/cache):
//   - cf_cache_hits_total (Counter): Cache hits
//   - cf_cache_misses_total (Counter): Cache misses
//   - cf_conditional_requests_total (Counter): Requests sent with If-None-Match/If-Modified-Since
//   - cf_not_modified_total (Counter): 304 Not Modified answers
//   - cf_cache_errors_total{operation} (Counter): Cache operation errors
//
// Job Metrics (pkg/job):
//   - cf_job_polls_total{status} (Counter): Status fetches by observed status
//   - cf_job_poll_retries_total{reason} (Counter): Fetches retried (transient, not_found)
//   - cf_job_poll_backoff_seconds (Histogram): Delay between fetches
//   - cf_job_wait_duration_seconds{outcome} (Histogram): Wait duration by outcome
//
// Pagination Metrics (pkg/pagination):
//   - cf_pages_fetched_total{mode, result} (Counter): Pages fetched (cursor, batch)
//   - cf_page_fetch_duration_seconds{mode} (Histogram): Single page duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(cf_cache_hits_total[5m])) /
//   (sum(rate(cf_cache_hits_total[5m])) + sum(rate(cf_cache_misses_total[5m])))
//
//   # Jobs timing out
//   rate(cf_job_wait_duration_seconds_count{outcome="timed_out"}[15m])
//
//   # Quota headroom
//   cf_rate_limit_remaining < 100
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(cf_request_duration_seconds_bucket[5m]))
