// Package metrics holds the prometheus collectors shared by the provider.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivxp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ivxp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivxp_order_transitions_total",
			Help: "Order status transitions by target status",
		},
		[]string{"status"},
	)

	GuardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivxp_guard_rejections_total",
			Help: "Requests rejected by an order guard, by error code",
		},
		[]string{"code"},
	)

	PushAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivxp_push_attempts_total",
			Help: "Push delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ivxp_sse_subscribers",
			Help: "Currently attached SSE subscribers",
		},
	)

	PaymentVerifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ivxp_payment_verify_duration_seconds",
			Help:    "On-chain payment verification latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var once sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			OrderTransitions,
			GuardRejections,
			PushAttempts,
			SSESubscribers,
			PaymentVerifyDuration,
		)
	})
}
