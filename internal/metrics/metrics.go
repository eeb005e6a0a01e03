package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Matching cycle
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "umbral_cycle_duration_seconds",
			Help:    "Duration of a matching cycle in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbral_cycles_total",
			Help: "Matching cycles by result",
		},
		[]string{"result"}, // ok, errors, fatal, busy
	)

	UsersProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "umbral_users_processed_total",
			Help: "Users processed by matching cycles",
		},
	)

	MatchesFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "umbral_matches_found_total",
			Help: "Listings that passed the threshold and the per-user cap",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbral_notifications_total",
			Help: "Notification dispatch attempts by result",
		},
		[]string{"result"}, // sent, failed
	)

	CycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbral_cycle_errors_total",
			Help: "Errors counted during matching cycles",
		},
		[]string{"stage"},
	)

	HardFilterRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbral_hard_filter_rejections_total",
			Help: "Candidates rejected by the hard filter",
		},
		[]string{"reason"},
	)

	NeutralSimilarity = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "umbral_neutral_similarity_total",
			Help: "Scores that fell back to the neutral similarity",
		},
	)

	// Enrichment and providers
	EnrichmentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbral_enrichment_total",
			Help: "Personalized rationale requests by result",
		},
		[]string{"result"}, // ok, fallback, skipped
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "umbral_provider_request_duration_seconds",
			Help:    "Latency of provider HTTP calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "umbral_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Feedback
	FeedbackEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbral_feedback_events_total",
			Help: "Feedback events by polarity and learner outcome",
		},
		[]string{"polarity", "outcome"},
	)

	// Dedup cache
	DedupCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbral_dedup_cache_lookups_total",
			Help: "Notified-set cache lookups by result",
		},
		[]string{"result"}, // hit, miss, error
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "umbral_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func ObserveProvider(provider, operation, status string, start time.Time) {
	ProviderRequestDuration.WithLabelValues(provider, operation, status).Observe(time.Since(start).Seconds())
}
