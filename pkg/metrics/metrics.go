package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	// OutcomeRejected marks expected refusals such as failed conditions or missing items
	OutcomeRejected = "rejected"
	// OutcomeDropped marks notifications discarded because the queue was full
	OutcomeDropped = "dropped"
)

// Collector holds all Prometheus metrics for the application
type Collector struct {
	registry *prometheus.Registry

	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec
	Notifications   *prometheus.CounterVec
	ScoringEvents   *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry, so tests can build
// as many as they like without duplicate registration
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	storeOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"operation", "outcome"},
	)

	storeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of published notifications",
		},
		[]string{"type", "outcome"},
	)

	scoringEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_events_total",
			Help:      "Total number of recorded scoring events",
		},
		[]string{"type"},
	)

	registry.MustRegister(storeOps, storeDuration, notifications, scoringEvents)

	return &Collector{
		registry:        registry,
		StoreOperations: storeOps,
		StoreDuration:   storeDuration,
		Notifications:   notifications,
		ScoringEvents:   scoringEvents,
	}
}

// ObserveStore records one store call. A nil collector is a no-op.
func (c *Collector) ObserveStore(operation, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.StoreOperations.WithLabelValues(operation, outcome).Inc()
	c.StoreDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveNotification(eventType, outcome string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(eventType, outcome).Inc()
}

func (c *Collector) ObserveScoringEvent(eventType string) {
	if c == nil {
		return
	}
	c.ScoringEvents.WithLabelValues(eventType).Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
