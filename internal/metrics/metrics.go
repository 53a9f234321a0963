// Package metrics registers the Prometheus collectors for the claims ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vouch_http_requests_total",
			Help: "Total HTTP requests served.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vouch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ClaimsTotal counts committed claims by resolved claim kind.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vouch_claims_total",
			Help: "Claims committed to the ledger, by claim kind.",
		},
		[]string{"kind"},
	)

	// ClaimRejections counts intake failures by client error code.
	ClaimRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vouch_claim_rejections_total",
			Help: "Claims rejected at intake, by error code.",
		},
		[]string{"code"},
	)

	// ChainLinksTotal counts hash-chain links written, by chain.
	ChainLinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vouch_chain_links_total",
			Help: "Hash chain links written, global vs per-issuer.",
		},
		[]string{"chain"},
	)

	// VisibilityCache counts cache hits and misses on the visibility graph.
	VisibilityCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vouch_visibility_cache_total",
			Help: "Visibility cache lookups, by result.",
		},
		[]string{"result"},
	)
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies. The path label uses the
// route pattern supplied by the router, not the raw URL, to bound cardinality.
func Middleware(routePattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
