// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the mesh-core metric vectors. All record methods are
// nil-safe so call sites never need a guard.
type Collector struct {
	// Discovery metrics
	advertisementSamples *prometheus.CounterVec
	registrySize         prometheus.Gauge

	// Invocation metrics
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	channelCreations   prometheus.Counter

	// Classification metrics
	classificationsTotal   *prometheus.CounterVec
	classificationDuration *prometheus.HistogramVec

	// Lifecycle metrics
	stateTransitions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. Tests pass a
// fresh prometheus.NewRegistry; nil uses the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.advertisementSamples = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisement_samples_total",
			Help:      "Total advertisement samples processed by the registry",
		},
		[]string{"outcome"},
	)

	c.registrySize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_capabilities",
			Help:      "Capabilities currently cached by the registry",
		},
	)

	c.invocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total remote invocations by outcome",
		},
		[]string{"function", "outcome"},
	)

	c.invocationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Remote invocation round-trip duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	c.channelCreations = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_channel_creations_total",
			Help:      "Channels created by the invocation client (cache misses)",
		},
	)

	c.classificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Total classifications by scoring source",
		},
		[]string{"source"},
	)

	c.classificationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_duration_seconds",
			Help:      "Classification duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Lifecycle state transitions",
		},
		[]string{"from", "to"},
	)

	return c
}

// RecordAdvertisement counts one processed advertisement sample.
func (c *Collector) RecordAdvertisement(outcome string) {
	if c == nil {
		return
	}
	c.advertisementSamples.WithLabelValues(outcome).Inc()
}

// SetRegistrySize updates the cached-capability gauge.
func (c *Collector) SetRegistrySize(n int) {
	if c == nil {
		return
	}
	c.registrySize.Set(float64(n))
}

// RecordInvocation counts one completed invocation and its duration.
func (c *Collector) RecordInvocation(function, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.invocationsTotal.WithLabelValues(function, outcome).Inc()
	c.invocationDuration.WithLabelValues(function).Observe(d.Seconds())
}

// RecordChannelCreation counts one channel-cache miss.
func (c *Collector) RecordChannelCreation() {
	if c == nil {
		return
	}
	c.channelCreations.Inc()
}

// RecordClassification counts one classification by scoring source.
func (c *Collector) RecordClassification(source string, d time.Duration) {
	if c == nil {
		return
	}
	c.classificationsTotal.WithLabelValues(source).Inc()
	c.classificationDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordStateTransition counts one lifecycle transition.
func (c *Collector) RecordStateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}
