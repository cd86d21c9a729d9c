package keycache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeValue struct {
	name   string
	closed atomic.Int32
}

func (f *fakeValue) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(clock *fakeClock) *Cache[*fakeValue] {
	return New[*fakeValue](Options{
		EntryTTL:        10 * time.Minute,
		CurrentTTL:      time.Minute,
		SupersededGrace: 30 * time.Second,
		Now:             clock.Now,
	})
}

func TestCache_PutGet(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := newTestCache(clock)

	v := &fakeValue{name: "a"}
	if _, stored := cache.Put("a", v); !stored {
		t.Fatal("expected value to be stored")
	}

	got, ok := cache.Get("a")
	if !ok || got != v {
		t.Fatalf("expected stored value, got %v (ok=%v)", got, ok)
	}

	if _, ok := cache.Get("missing"); ok {
		t.Fatal("expected miss for unknown id")
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}
}

func TestCache_PutKeepsLiveValue(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := newTestCache(clock)

	first := &fakeValue{name: "first"}
	second := &fakeValue{name: "second"}
	cache.Put("a", first)

	actual, stored := cache.Put("a", second)
	if stored {
		t.Fatal("expected second put to be rejected")
	}
	if actual != first {
		t.Fatalf("expected existing value, got %s", actual.name)
	}
	if first.closed.Load() != 0 {
		t.Fatal("existing value must not be closed")
	}
}

func TestCache_Expiration(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := newTestCache(clock)

	v := &fakeValue{name: "a"}
	cache.Put("a", v)

	clock.Advance(11 * time.Minute)
	if _, ok := cache.Get("a"); ok {
		t.Fatal("entry should be expired")
	}

	if n := cache.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
	if v.closed.Load() != 1 {
		t.Fatal("expired value should be closed exactly once")
	}
}

func TestCache_CurrentLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := newTestCache(clock)

	first := &fakeValue{name: "first"}
	cache.PutCurrent("first", first)

	got, ok := cache.Current()
	if !ok || got != first {
		t.Fatal("expected first to be current")
	}

	clock.Advance(2 * time.Minute)
	if _, ok := cache.Current(); ok {
		t.Fatal("current should have expired")
	}
	// Still reachable by id for decrypts.
	if _, ok := cache.Get("first"); !ok {
		t.Fatal("expired current should remain reachable by id")
	}

	second := &fakeValue{name: "second"}
	cache.PutCurrent("second", second)

	clock.Advance(time.Minute)
	cache.Sweep()
	if first.closed.Load() != 1 {
		t.Fatal("superseded value should be closed once its grace ran out")
	}
	if second.closed.Load() != 0 {
		t.Fatal("value still reachable by id must not be closed")
	}
}

func TestCache_SupersededGrace(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := New[*fakeValue](Options{
		EntryTTL:        10 * time.Minute,
		CurrentTTL:      5 * time.Minute,
		SupersededGrace: 30 * time.Second,
		Now:             clock.Now,
	})

	first := &fakeValue{name: "first"}
	cache.PutCurrent("first", first)
	cache.PutCurrent("second", &fakeValue{name: "second"})

	if _, ok := cache.Get("first"); !ok {
		t.Fatal("superseded value should be reachable during grace")
	}
	clock.Advance(31 * time.Second)
	cache.Sweep()
	if first.closed.Load() != 1 {
		t.Fatal("superseded value should be closed after grace")
	}
	if _, ok := cache.Current(); !ok {
		t.Fatal("second should still be current")
	}
}

func TestCache_CurrentOrCreate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := newTestCache(clock)

	var creates atomic.Int32
	create := func() (string, *fakeValue, error) {
		n := creates.Add(1)
		time.Sleep(5 * time.Millisecond)
		id := fmt.Sprintf("dek-%d", n)
		return id, &fakeValue{name: id}, nil
	}

	var wg sync.WaitGroup
	results := make([]*fakeValue, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := cache.CurrentOrCreate(create)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if creates.Load() != 1 {
		t.Fatalf("expected exactly one creation, got %d", creates.Load())
	}
	for i, v := range results {
		if v != results[0] {
			t.Fatalf("result %d differs from the shared current value", i)
		}
	}
}

func TestCache_CurrentOrCreateError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := newTestCache(clock)

	wantErr := errors.New("boom")
	_, err := cache.CurrentOrCreate(func() (string, *fakeValue, error) {
		return "", nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if cache.Stats().HasCurrent {
		t.Fatal("failed creation must not publish a current value")
	}
}

func TestCache_RemoveClearsCurrent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := newTestCache(clock)

	v := &fakeValue{name: "a"}
	cache.PutCurrent("a", v)
	cache.Remove("a")

	if _, ok := cache.Current(); ok {
		t.Fatal("removed value must not remain current")
	}
	if v.closed.Load() != 1 {
		t.Fatal("removed value should be closed")
	}
	cache.Remove("a")
	if v.closed.Load() != 1 {
		t.Fatal("second remove must be a no-op")
	}
}

func TestCache_ClearAndEvents(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	var mu sync.Mutex
	events := map[string]int{}
	cache := New[*fakeValue](Options{
		Now: clock.Now,
		OnEvent: func(e string) {
			mu.Lock()
			events[e]++
			mu.Unlock()
		},
	})

	values := []*fakeValue{{name: "a"}, {name: "b"}, {name: "c"}}
	for _, v := range values {
		cache.Put(v.name, v)
	}
	cache.Get("a")
	cache.Get("zzz")
	cache.Clear()

	for _, v := range values {
		if v.closed.Load() != 1 {
			t.Fatalf("value %s not closed by Clear", v.name)
		}
	}
	if stats := cache.Stats(); stats.Items != 0 {
		t.Fatalf("expected 0 items after clear, got %d", stats.Items)
	}

	mu.Lock()
	defer mu.Unlock()
	if events[EventHit] != 1 || events[EventMiss] != 1 || events[EventEvict] != 3 {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestCache_BackgroundSweeper(t *testing.T) {
	cache := New[*fakeValue](Options{
		EntryTTL:      20 * time.Millisecond,
		CurrentTTL:    10 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})

	v := &fakeValue{name: "a"}
	cache.Put("a", v)

	deadline := time.Now().Add(2 * time.Second)
	for v.closed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if v.closed.Load() != 1 {
		t.Fatal("sweeper did not close expired value")
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
