package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTimer records a scheduled callback instead of running it.
type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type timerLog struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (l *timerLog) afterFunc(d time.Duration, f func()) stopper {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	l.timers = append(l.timers, t)
	return t
}

func (l *timerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// fireLast runs the most recently scheduled callback, as if it expired.
func (l *timerLog) fireLast() {
	l.mu.Lock()
	t := l.timers[len(l.timers)-1]
	l.mu.Unlock()
	t.f()
}

// recordingSink collects delivered batches.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]Item[string]
	fail    int // Fail this many deliveries before succeeding
	got     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 100)}
}

func (s *recordingSink) Deliver(ctx context.Context, items []Item[string]) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.got <- struct{}{}
	}()

	if s.fail > 0 {
		s.fail--
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, items)
	return nil
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func (s *recordingSink) delivered() [][]Item[string] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Item[string](nil), s.batches...)
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var t0 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestBatcher(t *testing.T, cfg Config, sink Sink[string], onError ErrorFunc[string]) (*Batcher[string], *timerLog) {
	t.Helper()
	b := New(cfg, sink, onError, nil, nil)
	timers := &timerLog{}
	b.afterFunc = timers.afterFunc
	b.now = func() time.Time { return t0 }

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Stop(ctx)
	})
	return b, timers
}

func item(key, payload string, arrived, ordered time.Duration) Item[string] {
	it := Item[string]{Key: key, Payload: payload, ArrivedAt: t0.Add(arrived)}
	if ordered >= 0 {
		it.OrderedAt = t0.Add(ordered)
	}
	return it
}

func TestBatcher_NoFlushBeforeTrigger(t *testing.T) {
	sink := newRecordingSink()
	b, timers := newTestBatcher(t, Config{Size: 3, Timeout: 1000 * time.Millisecond}, sink, nil)

	b.Add(item("a", "1", 0, -1))
	b.Add(item("b", "2", 200*time.Millisecond, -1))

	if b.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", b.Pending())
	}
	if timers.count() != 1 {
		t.Fatalf("timers scheduled = %d, want 1", timers.count())
	}
	if d := timers.timers[0].d; d != 1000*time.Millisecond {
		t.Errorf("timer duration = %v, want 1s", d)
	}

	select {
	case <-sink.got:
		t.Fatal("batch delivered before any trigger fired")
	case <-time.After(50 * time.Millisecond):
	}

	// The timeout measured from the oldest item fires.
	timers.fireLast()
	sink.wait(t)

	batches := sink.delivered()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("delivered = %v, want one batch of 2", batches)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d after flush, want 0", b.Pending())
	}
}

func TestBatcher_FlushOnSize(t *testing.T) {
	sink := newRecordingSink()
	b, timers := newTestBatcher(t, Config{Size: 3, Timeout: time.Second}, sink, nil)

	b.Add(item("a", "1", 0, -1))
	b.Add(item("b", "2", 200*time.Millisecond, -1))
	b.Add(item("c", "3", 300*time.Millisecond, -1))

	sink.wait(t)

	batches := sink.delivered()
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("delivered = %v, want one batch of 3", batches)
	}
	if !timers.timers[0].stopped {
		t.Error("window timer should be stopped by size flush")
	}

	// A stale timer firing after the size flush does nothing.
	timers.timers[0].f()
	select {
	case <-sink.got:
		t.Fatal("stale timer produced a delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBatcher_LastWriteWins(t *testing.T) {
	sink := newRecordingSink()
	b, timers := newTestBatcher(t, Config{Size: 10, Timeout: time.Second}, sink, nil)

	b.Add(item("42", "first", 0, -1))
	b.Add(item("7", "other", 10*time.Millisecond, -1))
	b.Add(item("42", "second", 20*time.Millisecond, -1))
	b.Add(item("42", "third", 30*time.Millisecond, -1))

	if b.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", b.Pending())
	}
	if timers.count() != 1 {
		t.Errorf("replacing a key armed %d timers, want 1", timers.count())
	}

	b.Flush()
	sink.wait(t)

	got := sink.delivered()[0]
	if len(got) != 2 {
		t.Fatalf("batch = %v, want 2 items", got)
	}
	for _, it := range got {
		if it.Key == "42" && it.Payload != "third" {
			t.Errorf("key 42 payload = %q, want %q", it.Payload, "third")
		}
	}
}

func TestBatcher_SortedByOrderingTimestamp(t *testing.T) {
	sink := newRecordingSink()
	b, _ := newTestBatcher(t, Config{Size: 10, Timeout: time.Second}, sink, nil)

	b.Add(item("c", "c", 0, 300*time.Millisecond))
	b.Add(item("a", "a", 10*time.Millisecond, 100*time.Millisecond))
	b.Add(item("tie1", "tie1", 20*time.Millisecond, 200*time.Millisecond))
	b.Add(item("tie2", "tie2", 30*time.Millisecond, 200*time.Millisecond))
	b.Add(item("noorder", "noorder", 150*time.Millisecond, -1)) // falls back to arrival time

	b.Flush()
	sink.wait(t)

	got := sink.delivered()[0]
	want := []string{"a", "noorder", "tie1", "tie2", "c"}
	if len(got) != len(want) {
		t.Fatalf("batch has %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Key != want[i] {
			t.Errorf("batch[%d] = %q, want %q", i, got[i].Key, want[i])
		}
	}
}

func TestBatcher_BatchesInTriggerOrder(t *testing.T) {
	sink := newRecordingSink()
	b, _ := newTestBatcher(t, Config{Size: 2, Timeout: time.Second}, sink, nil)

	for i := 0; i < 10; i++ {
		b.Add(item(string(rune('a'+i)), string(rune('a'+i)), time.Duration(i)*time.Millisecond, -1))
	}
	for i := 0; i < 5; i++ {
		sink.wait(t)
	}

	batches := sink.delivered()
	if len(batches) != 5 {
		t.Fatalf("delivered %d batches, want 5", len(batches))
	}
	for i, batch := range batches {
		if batch[0].Key != string(rune('a'+2*i)) {
			t.Errorf("batch %d starts with %q, want %q", i, batch[0].Key, string(rune('a'+2*i)))
		}
	}
}

func TestBatcher_RequeueOnSinkFailure(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = 1

	var reported []error
	var mu sync.Mutex
	onError := func(err error, failed, dropped []Item[string]) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
		if len(dropped) != 0 {
			t.Errorf("dropped = %d items on first failure, want 0", len(dropped))
		}
	}

	b, _ := newTestBatcher(t, Config{Size: 10, Timeout: time.Second, MaxRedeliveries: 3}, sink, onError)

	b.Add(item("a", "1", 0, -1))
	b.Add(item("b", "2", 0, -1))
	b.Flush()
	sink.wait(t) // failed delivery
	waitFor(t, "requeue", func() bool { return b.Stats().Failures == 1 })

	if b.Pending() != 2 {
		t.Fatalf("Pending() = %d after failure, want 2 re-queued", b.Pending())
	}

	b.Flush()
	sink.wait(t)

	batches := sink.delivered()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("delivered = %v, want the re-queued batch of 2", batches)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 {
		t.Errorf("reported %d failures, want 1", len(reported))
	}
}

func TestBatcher_RequeueKeepsNewerValue(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = 1
	b, _ := newTestBatcher(t, Config{Size: 10, Timeout: time.Second, MaxRedeliveries: 3}, sink, nil)

	// Hold the sink so a newer value can land while the failing batch is in flight.
	sink.mu.Lock()
	b.Add(item("42", "old", 0, -1))
	b.Flush()
	b.Add(item("42", "new", 10*time.Millisecond, -1))
	sink.mu.Unlock()
	sink.wait(t) // failed delivery of "old"
	waitFor(t, "requeue", func() bool { return b.Stats().Failures == 1 })

	b.Flush()
	sink.wait(t)

	got := sink.delivered()
	if len(got) != 1 || len(got[0]) != 1 || got[0][0].Payload != "new" {
		t.Fatalf("delivered = %v, want only the newer value", got)
	}
}

func TestBatcher_RequeueSkipsKeyAwaitingDelivery(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = 1
	b, _ := newTestBatcher(t, Config{Size: 10, Timeout: time.Second, MaxRedeliveries: 3}, sink, nil)

	sink.mu.Lock()
	b.Add(item("42", "old", 0, -1))
	b.Flush()
	waitFor(t, "first batch taken", func() bool { return b.Stats().Queued == 0 })

	// The newer value is flushed and waits behind the in-flight batch.
	b.Add(item("42", "new", 10*time.Millisecond, -1))
	b.Flush()
	sink.mu.Unlock()

	sink.wait(t) // failed delivery of "old"
	sink.wait(t) // delivery of "new"

	got := sink.delivered()
	if len(got) != 1 || len(got[0]) != 1 || got[0][0].Payload != "new" {
		t.Fatalf("delivered = %v, want only the newer value", got)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0; the older value must not be re-queued", b.Pending())
	}
	if stats := b.Stats(); stats.Requeued != 0 {
		t.Errorf("Requeued = %d, want 0", stats.Requeued)
	}
}

func TestBatcher_DropAfterMaxRedeliveries(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = 100

	var mu sync.Mutex
	var dropped []Item[string]
	onError := func(err error, failed, d []Item[string]) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, d...)
	}

	b, _ := newTestBatcher(t, Config{Size: 10, Timeout: time.Second, MaxRedeliveries: 2}, sink, onError)

	b.Add(item("a", "1", 0, -1))
	for i := 0; i < 3; i++ {
		b.Flush()
		sink.wait(t)
		n := int64(i + 1)
		waitFor(t, "requeue", func() bool { return b.Stats().Failures == n })
	}

	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after giving up", b.Pending())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0].Key != "a" {
		t.Errorf("dropped = %v, want item a", dropped)
	}

	stats := b.Stats()
	if stats.Failures != 3 || stats.Requeued != 2 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want 3 failures, 2 requeued, 1 dropped", stats)
	}
}

func TestBatcher_Reset(t *testing.T) {
	sink := newRecordingSink()
	b, timers := newTestBatcher(t, Config{Size: 10, Timeout: time.Second}, sink, nil)

	b.Add(item("a", "1", 0, -1))
	b.Add(item("b", "2", 0, -1))
	b.Reset()

	if b.Pending() != 0 {
		t.Errorf("Pending() = %d after Reset, want 0", b.Pending())
	}
	if !timers.timers[0].stopped {
		t.Error("Reset should stop the window timer")
	}

	// The cancelled window's timer must not flush anything.
	timers.timers[0].f()
	select {
	case <-sink.got:
		t.Fatal("delivery after Reset")
	case <-time.After(50 * time.Millisecond):
	}

	// A new window starts with the next Add.
	b.Add(item("c", "3", 0, -1))
	if timers.count() != 2 {
		t.Errorf("timers = %d, want a fresh window timer", timers.count())
	}
}

func TestBatcher_ResetDiscardsInFlightFailure(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = 1

	var mu sync.Mutex
	var failures int
	onError := func(err error, failed, dropped []Item[string]) {
		mu.Lock()
		defer mu.Unlock()
		failures++
	}

	b, _ := newTestBatcher(t, Config{Size: 10, Timeout: time.Second, MaxRedeliveries: 3}, sink, onError)

	sink.mu.Lock()
	b.Add(item("a", "1", 0, -1))
	b.Flush()
	waitFor(t, "batch taken", func() bool { return b.Stats().Queued == 0 })

	b.Reset()
	sink.mu.Unlock()
	sink.wait(t) // failed delivery
	waitFor(t, "failure handled", func() bool { return b.Stats().Failures == 1 })

	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0; a batch flushed before Reset must not come back", b.Pending())
	}
	if stats := b.Stats(); stats.Requeued != 0 {
		t.Errorf("Requeued = %d, want 0", stats.Requeued)
	}

	b.Flush()
	select {
	case <-sink.got:
		t.Fatal("delivery after Reset")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	if failures != 1 {
		t.Errorf("onError called %d times, want 1", failures)
	}
}

func TestBatcher_DefaultConfig(t *testing.T) {
	b := New[string](Config{}, SinkFunc[string](func(context.Context, []Item[string]) error { return nil }), nil, nil, nil)

	if b.cfg.Size != 50 {
		t.Errorf("Size = %d, want 50", b.cfg.Size)
	}
	if b.cfg.Timeout != time.Second {
		t.Errorf("Timeout = %v, want 1s", b.cfg.Timeout)
	}
}
