package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes orchestration metrics through Prometheus, all under the
// cpgflow namespace:
//
//	cpgflow_inflight_steps               gauge
//	cpgflow_queue_depth                  gauge
//	cpgflow_step_duration_seconds        histogram {graph_id, result}
//	cpgflow_action_duration_seconds      histogram {node_id, status}
//	cpgflow_retries_total                counter   {graph_id, node_id}
//	cpgflow_governance_rejects_total     counter   {graph_id, reason}
//	cpgflow_events_dispatched_total      counter   {event_type}
//	cpgflow_backpressure_total           counter   {operation}
//
// Expose the registry the usual way:
//
//	registry := prometheus.NewRegistry()
//	metrics := engine.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	inflightSteps     prometheus.Gauge
	queueDepth        prometheus.Gauge
	stepDuration      *prometheus.HistogramVec
	actionDuration    *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	governanceRejects *prometheus.CounterVec
	eventsDispatched  *prometheus.CounterVec
	backpressure      *prometheus.CounterVec
}

// NewMetrics registers all engine metrics with the registry. A nil
// registry uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cpgflow",
			Name:      "inflight_steps",
			Help:      "Number of instance steps currently executing",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cpgflow",
			Name:      "queue_depth",
			Help:      "Work items waiting in the bounded scheduler queue",
		}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cpgflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of one instance step from lock to commit",
			Buckets:   prometheus.DefBuckets,
		}, []string{"graph_id", "result"}),
		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cpgflow",
			Name:      "action_duration_seconds",
			Help:      "Duration of one action handler invocation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpgflow",
			Name:      "retries_total",
			Help:      "Action retries scheduled by the compensation handler",
		}, []string{"graph_id", "node_id"}),
		governanceRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpgflow",
			Name:      "governance_rejects_total",
			Help:      "Executions rejected by a governance check",
		}, []string{"graph_id", "reason"}),
		eventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpgflow",
			Name:      "events_dispatched_total",
			Help:      "External events matched and delivered to instances",
		}, []string{"event_type"}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpgflow",
			Name:      "backpressure_total",
			Help:      "Operations rejected because the work queue stayed full",
		}, []string{"operation"}),
	}
}

func (m *Metrics) stepStarted() {
	if m != nil {
		m.inflightSteps.Inc()
	}
}

func (m *Metrics) stepFinished(graphID, result string, elapsed time.Duration) {
	if m != nil {
		m.inflightSteps.Dec()
		m.stepDuration.WithLabelValues(graphID, result).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) observeAction(nodeID, status string, elapsed time.Duration) {
	if m != nil {
		m.actionDuration.WithLabelValues(nodeID, status).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) recordRetry(graphID, nodeID string) {
	if m != nil {
		m.retries.WithLabelValues(graphID, nodeID).Inc()
	}
}

func (m *Metrics) recordGovernanceReject(graphID, reason string) {
	if m != nil {
		m.governanceRejects.WithLabelValues(graphID, reason).Inc()
	}
}

func (m *Metrics) recordEventDispatched(eventType string) {
	if m != nil {
		m.eventsDispatched.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) recordBackpressure(operation string) {
	if m != nil {
		m.backpressure.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) setQueueDepth(depth int) {
	if m != nil {
		m.queueDepth.Set(float64(depth))
	}
}
