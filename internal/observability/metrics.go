package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the locator service.
type Metrics struct {
	FixesReceived *prometheus.CounterVec // labels: outcome={accepted,kept,stale,invalid,ignored}
	BestAccuracy  prometheus.Gauge
	Acquiring     prometheus.Gauge
	Sessions      *prometheus.CounterVec // labels: outcome={accurate,stopped,timed_out,provider_failed,provider_denied,forced,reset}

	// Address resolution metrics.
	ResolveRequests    *prometheus.CounterVec   // labels: outcome={success,error,empty,stale}
	ResolveCache       *prometheus.CounterVec   // labels: result={hit,miss}
	ResolveAPIDuration prometheus.Histogram
	ResolveEnabled     prometheus.Gauge

	TagsSaved       *prometheus.CounterVec // labels: store, outcome={success,error}
	PublishFailures prometheus.Counter
	StreamListeners prometheus.Gauge
}

// NewMetrics creates and registers all locator metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FixesReceived,
		m.BestAccuracy,
		m.Acquiring,
		m.Sessions,
		m.ResolveRequests,
		m.ResolveCache,
		m.ResolveAPIDuration,
		m.ResolveEnabled,
		m.TagsSaved,
		m.PublishFailures,
		m.StreamListeners,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FixesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locator",
			Name:      "fixes_received_total",
			Help:      "Position fixes delivered by the provider, by filtering outcome.",
		}, []string{"outcome"}),
		BestAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "locator",
			Name:      "best_accuracy_meters",
			Help:      "Horizontal accuracy of the current best fix; -1 when none.",
		}),
		Acquiring: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "locator",
			Name:      "acquiring",
			Help:      "1 while the position provider is running, 0 otherwise.",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locator",
			Name:      "sessions_total",
			Help:      "Acquisition sessions by how they ended.",
		}, []string{"outcome"}),
		ResolveRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locator",
			Name:      "resolve_requests_total",
			Help:      "Reverse geocoding requests by outcome.",
		}, []string{"outcome"}),
		ResolveCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locator",
			Name:      "resolve_cache_total",
			Help:      "Reverse geocoding cache lookups by result.",
		}, []string{"result"}),
		ResolveAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "locator",
			Name:      "resolve_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ResolveEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "locator",
			Name:      "resolve_enabled",
			Help:      "1 when address resolution is enabled, 0 otherwise.",
		}),
		TagsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locator",
			Name:      "tags_saved_total",
			Help:      "Tagged locations handed to the tag store, by store and outcome.",
		}, []string{"store", "outcome"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locator",
			Name:      "snapshot_publish_failures_total",
			Help:      "State snapshots that could not be published to MQTT.",
		}),
		StreamListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "locator",
			Name:      "stream_listeners",
			Help:      "Connected websocket state stream clients.",
		}),
	}
}
