package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bookwise"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_cache_total",
			Help:      "Availability cache lookups by result (hit, miss, coalesced, bypass).",
		},
		[]string{"result"},
	)

	lockOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Lock acquisition outcomes (granted, denied, forced, error).",
		},
		[]string{"outcome"},
	)

	bookingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_attempts_total",
			Help:      "Booking attempts by terminal state.",
		},
		[]string{"state"},
	)

	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Failure policy decisions by category and decision.",
		},
		[]string{"category", "decision"},
	)

	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Appointment events handled by type and direction.",
		},
		[]string{"type", "direction"},
	)

	computeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "availability_compute_seconds",
			Help:      "Time spent computing availability on cache miss.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, cacheResults, lockOutcomes, bookingOutcomes, policyDecisions, eventsConsumed, computeSeconds)
	})
}

func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncCache(result string) {
	cacheResults.WithLabelValues(result).Inc()
}

func IncLock(outcome string) {
	lockOutcomes.WithLabelValues(outcome).Inc()
}

func IncBooking(state string) {
	bookingOutcomes.WithLabelValues(state).Inc()
}

func IncPolicy(category, decision string) {
	policyDecisions.WithLabelValues(category, decision).Inc()
}

func IncEvent(eventType, direction string) {
	eventsConsumed.WithLabelValues(eventType, direction).Inc()
}

func ObserveCompute(seconds float64) {
	computeSeconds.Observe(seconds)
}
