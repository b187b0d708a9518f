package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// WebhookEventsTotal counts reconciled events by type and outcome
	// (processed, blocked, deferred, ignored, rejected, failed, duplicate).
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Total number of billing webhook events by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	SignatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_webhook_signature_failures_total",
			Help: "Total number of webhook payloads that failed signature verification",
		},
	)
	DuplicateSubscriptionsBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_duplicate_subscriptions_blocked_total",
			Help: "Total number of new subscriptions cancelled because the customer already had one",
		},
	)
	CompensatingCancelFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_compensating_cancel_failures_total",
			Help: "Total number of failed cancellation requests for duplicate subscriptions",
		},
	)
	PersistenceUnconfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_subscription_insert_unconfirmed_total",
			Help: "Inserted subscriptions that could not be read back",
		},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			RateLimitRejections,
			WebhookEventsTotal,
			SignatureFailures,
			DuplicateSubscriptionsBlocked,
			CompensatingCancelFailures,
			PersistenceUnconfirmed,
		)
	})
}
