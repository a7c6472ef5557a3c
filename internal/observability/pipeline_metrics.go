package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics tracks health of the dispatch pipeline and the circuit pool.
type PipelineMetrics struct {
	dispatches         prometheus.CounterVec
	retries            prometheus.CounterVec
	exhaustions        prometheus.CounterVec
	activeRequests     prometheus.Gauge
	queueDepth         prometheus.Gauge
	rotations          prometheus.CounterVec
	cooldowns          prometheus.Counter
	degradedSelections prometheus.Counter
}

var (
	defaultPipelineMetrics     *PipelineMetrics
	defaultPipelineMetricsOnce sync.Once
)

// NewPipelineMetrics builds a PipelineMetrics recorder using the default registry.
func NewPipelineMetrics() *PipelineMetrics {
	defaultPipelineMetricsOnce.Do(func() {
		defaultPipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer)
	})
	return defaultPipelineMetrics
}

// NewPipelineMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewPipelineMetricsWithRegisterer(reg prometheus.Registerer) *PipelineMetrics {
	return newPipelineMetrics(reg)
}

func newPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PipelineMetrics{
		dispatches: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "samgpt",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Requests handed to a circuit for execution, retried attempts included",
		}, []string{"operation"}),
		retries: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "samgpt",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Retry attempts scheduled after transient transport failures",
		}, []string{"operation"}),
		exhaustions: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "samgpt",
			Subsystem: "dispatch",
			Name:      "exhausted_total",
			Help:      "Requests that failed terminally after spending their retry budget",
		}, []string{"operation"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "samgpt",
			Subsystem: "dispatch",
			Name:      "active_requests",
			Help:      "Requests currently executing on a circuit",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "samgpt",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Requests waiting in the priority queue",
		}),
		rotations: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "samgpt",
			Subsystem: "circuit",
			Name:      "rotations_total",
			Help:      "Circuit identity rotations by trigger reason",
		}, []string{"reason"}),
		cooldowns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "samgpt",
			Subsystem: "circuit",
			Name:      "cooldowns_total",
			Help:      "Cooldown periods started after retry exhaustion",
		}),
		degradedSelections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "samgpt",
			Subsystem: "circuit",
			Name:      "degraded_selections_total",
			Help:      "Selections that fell back to a busy or cooling circuit",
		}),
	}
}

// RecordDispatch increments the dispatch counter for an operation.
func (m *PipelineMetrics) RecordDispatch(operation string) {
	if m == nil {
		return
	}
	counter := m.dispatches.WithLabelValues(operation)
	counter.Inc()
}

// RecordRetry increments the retry counter for an operation.
func (m *PipelineMetrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	counter := m.retries.WithLabelValues(operation)
	counter.Inc()
}

// RecordExhaustion increments the terminal failure counter for an operation.
func (m *PipelineMetrics) RecordExhaustion(operation string) {
	if m == nil {
		return
	}
	counter := m.exhaustions.WithLabelValues(operation)
	counter.Inc()
}

// ObserveDispatcher sets the latest in-flight and queued request gauges.
func (m *PipelineMetrics) ObserveDispatcher(active, queued int) {
	if m == nil {
		return
	}
	if m.activeRequests != nil {
		m.activeRequests.Set(float64(active))
	}
	if m.queueDepth != nil {
		m.queueDepth.Set(float64(queued))
	}
}

// RecordRotation increments the rotation counter for a trigger reason.
func (m *PipelineMetrics) RecordRotation(reason string) {
	if m == nil {
		return
	}
	counter := m.rotations.WithLabelValues(reason)
	counter.Inc()
}

// RecordCooldown increments the cooldown counter.
func (m *PipelineMetrics) RecordCooldown() {
	if m == nil || m.cooldowns == nil {
		return
	}
	m.cooldowns.Inc()
}

// RecordDegradedSelection increments the degraded selection counter.
func (m *PipelineMetrics) RecordDegradedSelection() {
	if m == nil || m.degradedSelections == nil {
		return
	}
	m.degradedSelections.Inc()
}
