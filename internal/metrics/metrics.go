package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_relay"

// Metrics holds the relay collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	ConnectionState  prometheus.Gauge
	StateTransitions *prometheus.CounterVec
	Reconnects       prometheus.Counter

	OutboundQueued  prometheus.Gauge
	OutboundFlushed prometheus.Counter

	BatchesFlushed *prometheus.CounterVec
	BatchItems     prometheus.Histogram
	BatchFailures  prometheus.Counter
	BatchDropped   prometheus.Counter

	DedupDropped prometheus.Counter

	AckRetries   prometheus.Counter
	AckExhausted prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=idle 1=validating 2=connecting 3=connected 4=reconnecting 5=failed 6=closed)",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"to"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a transient failure",
		}),
		OutboundQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Messages waiting in the outbound queue",
		}),
		OutboundFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_flushed_total",
			Help:      "Queued messages emitted on reconnect",
		}),
		BatchesFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Inbound batches flushed by trigger",
		}, []string{"trigger"}),
		BatchItems: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_items",
			Help:      "Items per flushed inbound batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		BatchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_sink_failures_total",
			Help:      "Batches the sink failed to consume",
		}),
		BatchDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_dropped_total",
			Help:      "Inbound items dropped after exhausting redeliveries",
		}),
		DedupDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_dropped_total",
			Help:      "Inbound updates discarded inside the dedup window",
		}),
		AckRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_retries_total",
			Help:      "Acknowledgment retry attempts",
		}),
		AckExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_exhausted_total",
			Help:      "Acknowledgments abandoned after the attempt ceiling",
		}),
	}
}

// SetState records a transition into the state with the given ordinal and name.
func (m *Metrics) SetState(ordinal int, name string) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(ordinal))
	m.StateTransitions.WithLabelValues(name).Inc()
}

// IncReconnects counts a scheduled reconnect attempt.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetQueueDepth records the outbound queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.OutboundQueued.Set(float64(n))
}

// AddFlushed counts queued messages emitted during a flush.
func (m *Metrics) AddFlushed(n int) {
	if m == nil {
		return
	}
	m.OutboundFlushed.Add(float64(n))
}

// ObserveBatch records a flushed inbound batch.
func (m *Metrics) ObserveBatch(trigger string, size int) {
	if m == nil {
		return
	}
	m.BatchesFlushed.WithLabelValues(trigger).Inc()
	m.BatchItems.Observe(float64(size))
}

// IncBatchFailures counts a sink failure.
func (m *Metrics) IncBatchFailures() {
	if m == nil {
		return
	}
	m.BatchFailures.Inc()
}

// AddBatchDropped counts inbound items given up on.
func (m *Metrics) AddBatchDropped(n int) {
	if m == nil {
		return
	}
	m.BatchDropped.Add(float64(n))
}

// IncDedupDropped counts an update discarded by the dedup window.
func (m *Metrics) IncDedupDropped() {
	if m == nil {
		return
	}
	m.DedupDropped.Inc()
}

// IncAckRetries counts an acknowledgment retry.
func (m *Metrics) IncAckRetries() {
	if m == nil {
		return
	}
	m.AckRetries.Inc()
}

// IncAckExhausted counts an abandoned acknowledgment.
func (m *Metrics) IncAckExhausted() {
	if m == nil {
		return
	}
	m.AckExhausted.Inc()
}
