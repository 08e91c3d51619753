package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shopper_dispatch"

var (
	OffersShown   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_shown_total", Help: "Offers surfaced to providers"})
	OffersCleared = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_cleared_total", Help: "Offers cleared, by reason"},
		[]string{"reason"},
	)
	OffersSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_skipped_total", Help: "Pending requests not offered, by reason"},
		[]string{"reason"},
	)

	AcceptAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_attempts_total", Help: "tryAccept outcomes"},
		[]string{"outcome"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "tryAccept latency including retries"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_transitions_total", Help: "Lifecycle transitions applied"},
		[]string{"to"},
	)

	PaymentShortfall = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payment_shortfall_minor_units_total", Help: "Amount due above the payment hold, left uncaptured"})

	ProvidersOnline       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "providers_online", Help: "Provider sessions currently online"})
	PresenceWriteFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "presence_write_failures_total", Help: "Presence writes that failed after retries"})
	ActiveSessions        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "provider_sessions", Help: "Connected provider sessions"})

	FeedEventsRelayed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_events_relayed_total", Help: "Change events pumped into the hub"})
	FeedEventsDropped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_events_dropped_total", Help: "Change events dropped for slow subscribers"})
	StaleEventsIgnored = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_stale_events_total", Help: "Change events older than an already observed state"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
