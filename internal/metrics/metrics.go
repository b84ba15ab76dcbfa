// Package metrics provides Prometheus instrumentation for the contract
// lifecycle service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smartjects",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smartjects",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ContractTransitionsTotal counts contract record status transitions.
	ContractTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smartjects",
			Subsystem: "contract",
			Name:      "transitions_total",
			Help:      "Total contract record status transitions by target status.",
		},
		[]string{"status"},
	)

	// MilestoneReviewsTotal counts milestone reviews by outcome.
	MilestoneReviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smartjects",
			Subsystem: "milestone",
			Name:      "reviews_total",
			Help:      "Total milestone reviews by outcome (approved/rejected).",
		},
		[]string{"outcome"},
	)

	// ChainTxTotal counts chain transactions by operation and phase.
	// Phases: submitted, confirmed, failed, pending_timeout.
	ChainTxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smartjects",
			Subsystem: "chain",
			Name:      "tx_total",
			Help:      "Total chain transactions by operation and phase.",
		},
		[]string{"op", "phase"},
	)

	// ReconcileAdvancedTotal counts off-chain projections advanced by the
	// reconciliation sweep.
	ReconcileAdvancedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smartjects",
			Subsystem: "reconcile",
			Name:      "advanced_total",
			Help:      "Total blockchain status projections advanced by reconciliation.",
		},
	)

	// ReconcileDivergenceTotal counts detected ledger divergences.
	ReconcileDivergenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smartjects",
			Subsystem: "reconcile",
			Name:      "divergence_total",
			Help:      "Total impossible-direction divergences detected by reconciliation.",
		},
	)

	// ActiveWebSocketClients tracks connected timeline subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smartjects",
			Subsystem: "notify",
			Name:      "websocket_clients",
			Help:      "Currently connected WebSocket clients.",
		},
	)

	// NotificationsTotal counts contract message deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smartjects",
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Total contract message notifications by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ContractTransitionsTotal,
		MilestoneReviewsTotal,
		ChainTxTotal,
		ReconcileAdvancedTotal,
		ReconcileDivergenceTotal,
		ActiveWebSocketClients,
		NotificationsTotal,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware instruments HTTP requests with count and duration metrics.
// Uses the route pattern (not the raw URL) to bound label cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}
