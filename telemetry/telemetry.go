package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "meshjoin"

var (
	registry    *prometheus.Registry
	constLabels prometheus.Labels
)

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Histogram interface {
	Observe(float64)
}

// CounterVec, GaugeVec and HistogramVec resolve a labeled child by label values
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat discards every sample; metrics hold it until InitMetrics runs
type NoopStat struct{}

func (NoopStat) Inc()            {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Observe(float64) {}

// labeled adapts a prometheus WithLabelValues func to the Vec interfaces
type labeled[T any] func(labelValues ...string) T

func (l labeled[T]) With(labelValues ...string) T { return l(labelValues...) }

func noopVec[T any]() labeled[T] {
	return func(...string) T { return any(NoopStat{}).(T) }
}

var (
	noopCounterVec   = noopVec[Counter]()
	noopGaugeVec     = noopVec[Gauge]()
	noopHistogramVec = noopVec[Histogram]()
)

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	}))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	}))
}

func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: constLabels,
	}))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec
	}
	vec := register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	}, labels))
	return labeled[Counter](func(values ...string) Counter { return vec.WithLabelValues(values...) })
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec
	}
	vec := register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	}, labels))
	return labeled[Gauge](func(values ...string) Gauge { return vec.WithLabelValues(values...) })
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec
	}
	vec := register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: constLabels,
	}, labels))
	return labeled[Histogram](func(values ...string) Histogram { return vec.WithLabelValues(values...) })
}

// InitializeTelemetry enables Prometheus metrics. Every metric carries the
// name of the node being joined as a constant label.
func InitializeTelemetry(enabled bool, newNode string) {
	if !enabled {
		return
	}

	registry = prometheus.NewRegistry()
	constLabels = prometheus.Labels{"new_node": newNode}
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled, served by the admin server at /metrics")
}

// GetMetricsHandler returns the Prometheus handler, or nil when metrics are disabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
