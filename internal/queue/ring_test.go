package queue

import (
	"sync"
	"testing"
)

func TestRing_PushDrain(t *testing.T) {
	r := NewRing[int](10)

	for i := 0; i < 5; i++ {
		r.Push(i)
	}

	if r.Len() != 5 {
		t.Errorf("Len() = %d, want 5", r.Len())
	}

	items := r.Drain()
	if len(items) != 5 {
		t.Fatalf("Drain() returned %d items, want 5", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if got := r.Drain(); got != nil {
		t.Errorf("Drain() on empty ring = %v, want nil", got)
	}
}

func TestRing_GrowAt70Percent(t *testing.T) {
	r := NewRing[int](10)

	for i := 0; i < 7; i++ {
		r.Push(i)
	}

	stats := r.Stats()
	if stats.Capacity <= 10 {
		t.Errorf("Capacity = %d, expected growth after 70%% fill", stats.Capacity)
	}
	if stats.ResizeCount != 1 {
		t.Errorf("ResizeCount = %d, want 1", stats.ResizeCount)
	}

	items := r.Drain()
	for i := 0; i < 7; i++ {
		if items[i] != i {
			t.Errorf("items[%d] = %d, want %d", i, items[i], i)
		}
	}
}

func TestRing_GrowWhileWrapped(t *testing.T) {
	r := NewRing[int](10)

	// Move head forward so later pushes wrap around.
	for i := 0; i < 5; i++ {
		r.Push(-1)
	}
	r.Drain()

	r.PushFront(100, 101)
	for i := 0; i < 20; i++ {
		r.Push(i)
	}

	items := r.Drain()
	if len(items) != 22 {
		t.Fatalf("Drain() returned %d items, want 22", len(items))
	}
	if items[0] != 100 || items[1] != 101 {
		t.Errorf("head = %v, want [100 101]", items[:2])
	}
	for i := 0; i < 20; i++ {
		if items[i+2] != i {
			t.Errorf("items[%d] = %d, want %d", i+2, items[i+2], i)
		}
	}
}

func TestRing_PushFront(t *testing.T) {
	r := NewRing[string](4)
	r.Push("c")
	r.Push("d")

	r.PushFront("a", "b")

	items := r.Drain()
	want := []string{"a", "b", "c", "d"}
	if len(items) != len(want) {
		t.Fatalf("Drain() = %v, want %v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("items[%d] = %q, want %q", i, items[i], want[i])
		}
	}
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[int](4)
	r.Push(1)
	r.Push(2)

	if n := r.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}

	r.Push(3)
	items := r.Drain()
	if len(items) != 1 || items[0] != 3 {
		t.Errorf("Drain() after Clear = %v, want [3]", items)
	}
}

func TestRing_ConcurrentPush(t *testing.T) {
	r := NewRing[int](2)
	const perWriter = 500
	const writers = 4

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Push(i)
			}
		}()
	}
	wg.Wait()

	stats := r.Stats()
	if stats.Count != writers*perWriter {
		t.Errorf("Count = %d, want %d", stats.Count, writers*perWriter)
	}
	if stats.TotalPushed != writers*perWriter {
		t.Errorf("TotalPushed = %d, want %d", stats.TotalPushed, writers*perWriter)
	}
}
