package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersCreated counts pending orders written by kind.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "orders",
		Name:      "created_total",
		Help:      "Pending orders created, by kind.",
	}, []string{"kind"})

	// Fulfillments counts fulfillment engine results by outcome and order kind.
	Fulfillments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "fulfillment",
		Name:      "results_total",
		Help:      "Fulfillment results by outcome and order kind.",
	}, []string{"outcome", "kind"})

	// DaysGranted sums entitlement days credited.
	DaysGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "fulfillment",
		Name:      "days_granted_total",
		Help:      "Entitlement days credited, by order kind.",
	}, []string{"kind"})

	// ProviderCalls counts PayPal API calls by operation and result.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "paypal",
		Name:      "calls_total",
		Help:      "PayPal API calls by operation and result.",
	}, []string{"op", "result"})

	// WebhookRequests counts webhook deliveries by event type and HTTP status.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "PayPal webhook deliveries by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "license",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "PayPal webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// RateLimited counts requests rejected by the per-IP limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-IP rate limiter, by route.",
	}, []string{"route"})
)
