package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	// None of these should panic.
	m.SetState(3, "connected")
	m.IncReconnects()
	m.SetQueueDepth(4)
	m.AddFlushed(4)
	m.ObserveBatch("size", 50)
	m.IncBatchFailures()
	m.AddBatchDropped(2)
	m.IncDedupDropped()
	m.IncAckRetries()
	m.IncAckExhausted()
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetState(3, "connected")
	m.SetState(4, "reconnecting")
	m.SetState(3, "connected")
	m.IncReconnects()
	m.SetQueueDepth(7)
	m.AddFlushed(7)
	m.ObserveBatch("timeout", 3)
	m.IncDedupDropped()
	m.IncDedupDropped()

	if got := testutil.ToFloat64(m.ConnectionState); got != 3 {
		t.Errorf("ConnectionState = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.StateTransitions.WithLabelValues("connected")); got != 2 {
		t.Errorf("transitions{to=connected} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Reconnects); got != 1 {
		t.Errorf("Reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OutboundQueued); got != 7 {
		t.Errorf("OutboundQueued = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.OutboundFlushed); got != 7 {
		t.Errorf("OutboundFlushed = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.BatchesFlushed.WithLabelValues("timeout")); got != 1 {
		t.Errorf("batches{trigger=timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DedupDropped); got != 2 {
		t.Errorf("DedupDropped = %v, want 2", got)
	}

	count, err := testutil.GatherAndCount(reg, "chat_relay_batch_items")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("batch_items series = %d, want 1", count)
	}
}
