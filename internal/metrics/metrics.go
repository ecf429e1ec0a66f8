// Package metrics exposes Prometheus collectors for HTTP traffic and sync passes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indybot_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "indybot_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indybot_sync_runs_total",
		Help: "Total number of snapshot sync passes by resource and outcome.",
	}, []string{"resource", "outcome"})

	syncRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indybot_sync_rows_written_total",
		Help: "Rows written to snapshot tables.",
	}, []string{"resource"})

	syncRowsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indybot_sync_rows_skipped_total",
		Help: "Upstream rows dropped by the row schema check.",
	}, []string{"resource"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "indybot_sync_duration_seconds",
		Help:    "Histogram of snapshot sync pass latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource"})
)

// SyncRecorder records sync pass outcomes on the default registry.
type SyncRecorder struct{}

// ObserveSync records one finished pull.
func (SyncRecorder) ObserveSync(resource string, ok bool, written, skipped int, elapsed time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	syncRunsTotal.WithLabelValues(resource, outcome).Inc()
	syncDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
	if written > 0 {
		syncRowsWritten.WithLabelValues(resource).Add(float64(written))
	}
	if skipped > 0 {
		syncRowsSkipped.WithLabelValues(resource).Add(float64(skipped))
	}
}

// Middleware records request counts and latencies keyed by the matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
