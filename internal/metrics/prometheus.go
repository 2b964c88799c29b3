package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "endpoint", "status"},
	)

	// RequestDuration tracks HTTP request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "endpoint"},
	)

	// CandidatesTotal tracks status candidates by source and outcome
	// (accepted, duplicate, post_terminal, stale, malformed)
	CandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_candidates_total",
			Help: "Total number of status candidates by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// AttemptsSettledTotal tracks settled attempts by cause
	// (completed, failed, timed_out, aborted)
	AttemptsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_attempts_settled_total",
			Help: "Total number of settled payment attempts by cause",
		},
		[]string{"cause"},
	)

	// AttemptDuration tracks wall-clock time from submit to settlement
	AttemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payment_attempt_duration_seconds",
			Help:    "Payment attempt duration from submit to settlement in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 90, 120},
		},
	)

	// ActiveAttempts tracks attempts currently armed
	ActiveAttempts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_active_attempts",
			Help: "Number of payment attempts currently armed",
		},
	)

	// PollRequestsTotal tracks poll requests by result (ok, error)
	PollRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_poll_requests_total",
			Help: "Total number of status poll requests by result",
		},
		[]string{"result"},
	)

	// PushReconnectsTotal tracks push channel reconnect attempts
	PushReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_push_reconnects_total",
			Help: "Total number of push channel reconnect attempts",
		},
	)

	// CircuitBreakerState tracks circuit breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "circuit_name"},
	)

	// CircuitBreakerFailures tracks circuit breaker failures
	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"service", "circuit_name"},
	)

	// BulkheadActiveRequests tracks active requests in bulkhead
	BulkheadActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulkhead_active_requests",
			Help: "Number of active requests in bulkhead",
		},
		[]string{"service", "bulkhead_name"},
	)

	// BulkheadRejectedRequests tracks rejected requests by bulkhead
	BulkheadRejectedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkhead_rejected_requests_total",
			Help: "Total number of rejected requests by bulkhead",
		},
		[]string{"service", "bulkhead_name"},
	)

	// PaymentAmount tracks submitted payment amounts
	PaymentAmount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payment_amount",
			Help:    "Submitted payment amounts in the provider currency",
			Buckets: []float64{50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	// PushSubscribers tracks active push channel subscriptions (simulator)
	PushSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_subscribers",
			Help: "Number of active push channel subscriptions",
		},
	)

	// ChaosFailureRate tracks chaos engineering failure simulations
	ChaosFailureRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaos_failure_enabled",
			Help: "Whether chaos failure mode is enabled (1=enabled, 0=disabled)",
		},
		[]string{"service"},
	)

	// ChaosSlowMode tracks slow response simulation
	ChaosSlowMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chaos_slow_mode_enabled",
			Help: "Whether chaos slow mode is enabled (1=enabled, 0=disabled)",
		},
		[]string{"service"},
	)
)

// PrometheusMiddleware creates a Gin middleware for automatic metrics collection
func PrometheusMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		RequestsTotal.WithLabelValues(
			serviceName,
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()

		RequestDuration.WithLabelValues(
			serviceName,
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}
