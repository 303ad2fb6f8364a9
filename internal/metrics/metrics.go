// Package metrics provides Prometheus instrumentation for the bridge daemon.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsObservedTotal counts decoded events delivered to handlers, by kind.
	EventsObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcbridge",
			Name:      "events_observed_total",
			Help:      "Total ledger events observed and dispatched, by event kind.",
		},
		[]string{"event"},
	)

	// EventsMalformedTotal counts logs discarded at the decode boundary.
	EventsMalformedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcbridge",
			Name:      "events_malformed_total",
			Help:      "Total ledger logs discarded as malformed, by event kind.",
		},
		[]string{"event"},
	)

	// PollErrorsTotal counts failed poll cycles, by event kind.
	PollErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcbridge",
			Name:      "poll_errors_total",
			Help:      "Total failed subscription poll cycles, by event kind.",
		},
		[]string{"event"},
	)

	// HandlerFailuresTotal counts handler units that ended in error or panic.
	HandlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcbridge",
			Name:      "handler_failures_total",
			Help:      "Total handler units that failed, by event kind.",
		},
		[]string{"event"},
	)

	// HandlersInflight tracks currently running handler units.
	HandlersInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcbridge",
		Name:      "handlers_inflight",
		Help:      "Number of handler units currently running.",
	})

	// SubscriptionsActive tracks live polling loops.
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcbridge",
		Name:      "subscriptions_active",
		Help:      "Number of subscription polling loops currently running.",
	})

	// PaymentsTotal counts payment-rail transfers by direction and outcome.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcbridge",
			Name:      "payments_total",
			Help:      "Total payment-rail transfers attempted, by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	// EscrowTransitionsTotal counts escrow state transitions, by resulting state.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcbridge",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions, by resulting state.",
		},
		[]string{"state"},
	)

	// BasketsLive tracks baskets currently held in reconciliation state.
	BasketsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcbridge",
		Name:      "baskets_live",
		Help:      "Number of baskets currently tracked in memory.",
	})

	// HTTPRequestsTotal counts ops-endpoint requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcbridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcbridge",
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		EventsObservedTotal,
		EventsMalformedTotal,
		PollErrorsTotal,
		HandlerFailuresTotal,
		HandlersInflight,
		SubscriptionsActive,
		PaymentsTotal,
		EscrowTransitionsTotal,
		BasketsLive,
		HTTPRequestsTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count into a gauge.
// Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
