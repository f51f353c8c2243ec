package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "turbodash_api_build_info",
			Help: "Build information of the TurboDash API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodash_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turbodash_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turbodash_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Transaction builder metrics
	TxBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodash_api_tx_builds_total",
			Help: "Total number of transaction build attempts",
		},
		[]string{"action", "status"}, // action: "join"/"record_progress"/"refill_lives"/"claim_prize"
	)

	AttestationsSignedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodash_api_attestations_signed_total",
			Help: "Total number of server attestations signed",
		},
		[]string{"action"},
	)

	// RPC metrics
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodash_api_rpc_requests_total",
			Help: "Total number of Solana RPC requests",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turbodash_api_rpc_request_duration_seconds",
			Help:    "Duration of Solana RPC requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"method"},
	)

	// Aggregate cache metrics
	CacheReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodash_api_cache_reads_total",
			Help: "Total number of aggregate cache reads",
		},
		[]string{"view", "outcome"}, // view: "contest"/"leaderboard", outcome: "hit"/"miss"/"refresh"
	)

	PriceQuotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turbodash_api_price_quotes_total",
			Help: "Total number of SOL/USD quote fetches",
		},
		[]string{"status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordTxBuild records the outcome of one transaction build attempt.
func RecordTxBuild(action string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	TxBuildsTotal.WithLabelValues(action, status).Inc()
}

// RecordRPCRequest records metrics for a Solana RPC request.
func RecordRPCRequest(method string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RPCRequestsTotal.WithLabelValues(method, status).Inc()
	RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCacheRead records one aggregate cache read.
func RecordCacheRead(view string, fromCache, forced bool) {
	outcome := "miss"
	switch {
	case forced:
		outcome = "refresh"
	case fromCache:
		outcome = "hit"
	}
	CacheReadsTotal.WithLabelValues(view, outcome).Inc()
}
