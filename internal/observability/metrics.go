package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors. All collectors use
// a private registry so tests can build as many Metrics values as they like
// without default-registry collisions.
type Metrics struct {
	registry *prometheus.Registry

	// UniqueAttributes counts attributes accepted as new, by provider.
	UniqueAttributes *prometheus.CounterVec

	// DuplicatesRejected counts candidates discarded by deduplication.
	DuplicatesRejected prometheus.Counter

	// ProviderRequests counts provider calls by provider and status.
	ProviderRequests *prometheus.CounterVec

	// ProviderLatency observes provider call latency in seconds.
	ProviderLatency *prometheus.HistogramVec

	// ProviderTokens counts tokens by provider and direction (input|output).
	ProviderTokens *prometheus.CounterVec

	// ProducerRestarts counts restarts by producer slot.
	ProducerRestarts *prometheus.CounterVec

	// BloomVersion is the current bloom filter version.
	BloomVersion prometheus.Gauge

	// BloomPushes counts snapshot distributions to producers.
	BloomPushes prometheus.Counter

	// Iterations counts completed producer request/response cycles.
	Iterations prometheus.Counter

	// ActiveProducers tracks the running producer count.
	ActiveProducers prometheus.Gauge
}

// NewMetrics constructs and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		registry: reg,
		UniqueAttributes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgen_unique_attributes_total",
			Help: "Attributes accepted as unique, by originating provider.",
		}, []string{"provider"}),
		DuplicatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmgen_duplicates_rejected_total",
			Help: "Candidate attributes rejected as duplicates.",
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgen_provider_requests_total",
			Help: "Provider API calls by provider and outcome.",
		}, []string{"provider", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarmgen_provider_latency_seconds",
			Help:    "Provider API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		ProviderTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgen_provider_tokens_total",
			Help: "Token usage by provider and direction.",
		}, []string{"provider", "direction"}),
		ProducerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgen_producer_restarts_total",
			Help: "Producer process restarts by slot.",
		}, []string{"slot"}),
		BloomVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmgen_bloom_version",
			Help: "Current bloom filter version.",
		}),
		BloomPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmgen_bloom_pushes_total",
			Help: "Bloom snapshot distributions to producers.",
		}),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmgen_iterations_total",
			Help: "Completed producer request/response cycles.",
		}),
		ActiveProducers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmgen_active_producers",
			Help: "Producers currently in the running state.",
		}),
	}

	factory(m.UniqueAttributes)
	factory(m.DuplicatesRejected)
	factory(m.ProviderRequests)
	factory(m.ProviderLatency)
	factory(m.ProviderTokens)
	factory(m.ProducerRestarts)
	factory(m.BloomVersion)
	factory(m.BloomPushes)
	factory(m.Iterations)
	factory(m.ActiveProducers)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
