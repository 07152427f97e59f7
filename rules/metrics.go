package rules

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rulecache"

// engineMetrics holds Prometheus collectors for one engine. A nil
// *engineMetrics is valid and records nothing.
type engineMetrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	evictions     prometheus.Counter
	refreshes     prometheus.Counter
	refreshErrors prometheus.Counter
	size          prometheus.Gauge

	evaluations   *prometheus.HistogramVec
	batchDuration prometheus.Histogram
	batchInputs   prometheus.Counter
}

// newEngineMetrics creates collectors labelled with the project id and
// registers them. Collectors already registered by a previous engine of the
// same project are reused.
func newEngineMetrics(reg prometheus.Registerer, projectID string) (*engineMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"project": projectID}

	m := &engineMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "cache",
			Name:        "hits_total",
			ConstLabels: labels,
			Help:        "Total number of rule cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "cache",
			Name:        "misses_total",
			ConstLabels: labels,
			Help:        "Total number of rule cache misses",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "cache",
			Name:        "evictions_total",
			ConstLabels: labels,
			Help:        "Total number of rules evicted to stay within capacity",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "cache",
			Name:        "refreshes_total",
			ConstLabels: labels,
			Help:        "Total number of rule fetches that replaced a cache entry",
		}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "cache",
			Name:        "refresh_errors_total",
			ConstLabels: labels,
			Help:        "Total number of failed rule fetches",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of cached rules",
		}),
		evaluations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "executor",
			Name:        "evaluation_duration_seconds",
			ConstLabels: labels,
			Help:        "Duration of single rule evaluations",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "executor",
			Name:        "batch_duration_seconds",
			ConstLabels: labels,
			Help:        "Duration of batch executions",
			Buckets:     prometheus.DefBuckets,
		}),
		batchInputs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "executor",
			Name:        "batch_inputs_total",
			ConstLabels: labels,
			Help:        "Total number of inputs processed by batch executions",
		}),
	}

	var err error
	if m.hits, err = register(reg, m.hits); err != nil {
		return nil, err
	}
	if m.misses, err = register(reg, m.misses); err != nil {
		return nil, err
	}
	if m.evictions, err = register(reg, m.evictions); err != nil {
		return nil, err
	}
	if m.refreshes, err = register(reg, m.refreshes); err != nil {
		return nil, err
	}
	if m.refreshErrors, err = register(reg, m.refreshErrors); err != nil {
		return nil, err
	}
	if m.size, err = register(reg, m.size); err != nil {
		return nil, err
	}
	if m.evaluations, err = register(reg, m.evaluations); err != nil {
		return nil, err
	}
	if m.batchDuration, err = register(reg, m.batchDuration); err != nil {
		return nil, err
	}
	if m.batchInputs, err = register(reg, m.batchInputs); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *engineMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *engineMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *engineMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *engineMetrics) recordRefresh(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshErrors.Inc()
		return
	}
	m.refreshes.Inc()
}

func (m *engineMetrics) updateSize(size int) {
	if m != nil {
		m.size.Set(float64(size))
	}
}

func (m *engineMetrics) observeEvaluation(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, ErrEvaluationTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	m.evaluations.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *engineMetrics) observeBatch(d time.Duration, inputs int) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
	m.batchInputs.Add(float64(inputs))
}
