// Package metrics serves the Prometheus metrics and health endpoints of the
// ingest scheduler. All metrics are defined in their respective packages
// (client, cache, ratelimit, ...) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

// Registry is the default Prometheus registry used by the ingest service.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is what /metrics exposes.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// NewMux returns a handler serving /metrics and /health. /health runs every
// check and answers 503 with the first failure.
func NewMux(checks map[string]HealthCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler(checks))
	return mux
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "%s: %v", name, err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// Server is the metrics and health listener.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a listener for handler on addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logging.Component(logger, "metrics-server"),
	}
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics and health")
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - esi_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - esi_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - esi_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - esi_retries_total{error_class} (Counter): Retry attempts by error class
//   - esi_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - esi_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Error Budget Metrics (pkg/ratelimit):
//   - esi_errors_remaining (Gauge): Errors remaining in the ESI error limit window
//   - esi_error_budget_decisions_total{decision} (Counter): Gate decisions (allow, throttle, block)
//
// Fetch Cache Metrics (pkg/cache):
//   - esi_cache_hits_total, esi_cache_misses_total, esi_cache_writes_total (Counter)
//   - esi_304_responses_total (Counter): 304 Not Modified responses
//   - esi_conditional_requests_total (Counter): Conditional requests sent with If-None-Match
//   - esi_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pagination and Names (pkg/pagination, pkg/resolver):
//   - esi_pages_per_fetch (Histogram): Pages walked per paginated fetch
//   - esi_names_resolved_total, esi_name_cache_hits_total, esi_name_chunks_failed_total (Counter)
//
// Ingest Metrics (pkg/runlock, internal/aggregator, internal/store):
//   - ingest_lock_attempts_total{result} (Counter): acquired, held, error
//   - ingest_runs_total{state} (Counter): Runs by final state
//   - ingest_run_duration_seconds (Histogram)
//   - ingest_records_written_total{kind} (Counter): contract, item
//   - ingest_partition_failures_total{region_id} (Counter)
//   - ingest_item_fetch_failures_total (Counter)
//   - ingest_last_success_timestamp_seconds (Gauge)
//   - ingest_upsert_rows_total{table}, ingest_update_rows_total{table}, ingest_upsert_errors_total{table} (Counter)
//   - ingest_upsert_duration_seconds{table} (Histogram)
//
// Example Prometheus Queries:
//
//   # Cache Revalidation Rate
//   rate(esi_304_responses_total[1h]) / rate(esi_conditional_requests_total[1h])
//
//   # Stale Data Alert (no successful run in 3 hours)
//   time() - ingest_last_success_timestamp_seconds > 10800
//
//   # Error Limit Status
//   esi_errors_remaining < 20
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(esi_request_duration_seconds_bucket[5m]))
