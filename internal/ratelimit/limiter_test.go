package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, tiers map[string]int) (*Limiter, *fakeClock, *MemoryStore) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	l, err := New(store, tiers, time.Minute, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, clock, store
}

func TestAdmitsExactlyMax(t *testing.T) {
	l, clock, _ := newTestLimiter(t, map[string]int{"free": 10})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, "owner:1", "free")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if res.Limited {
			t.Fatalf("request %d was limited", i+1)
		}
		if res.Remaining != 9-i {
			t.Errorf("request %d: got remaining %d, want %d", i+1, res.Remaining, 9-i)
		}
		clock.Advance(time.Second)
	}

	res, _ := l.Check(ctx, "owner:1", "free")
	if !res.Limited {
		t.Fatal("11th request within the window should be limited")
	}
	if res.Remaining != 0 {
		t.Errorf("got remaining %d, want 0", res.Remaining)
	}
	// Oldest hit was at t0; 10s have passed.
	if res.RetryAfter != 50*time.Second {
		t.Errorf("got retry after %v, want 50s", res.RetryAfter)
	}
}

func TestDeniedRequestsAreNotRecorded(t *testing.T) {
	l, clock, _ := newTestLimiter(t, map[string]int{"free": 2})
	ctx := context.Background()

	l.Check(ctx, "k", "free")
	l.Check(ctx, "k", "free")
	for i := 0; i < 5; i++ {
		if res, _ := l.Check(ctx, "k", "free"); !res.Limited {
			t.Fatal("expected denial")
		}
	}

	clock.Advance(time.Minute + time.Nanosecond)
	res, _ := l.Check(ctx, "k", "free")
	if res.Limited {
		t.Fatal("denials must not extend the window")
	}
	if res.Remaining != 1 {
		t.Errorf("got remaining %d, want 1", res.Remaining)
	}
}

func TestWindowBoundaryIsInclusive(t *testing.T) {
	l, clock, _ := newTestLimiter(t, map[string]int{"free": 1})
	ctx := context.Background()

	l.Check(ctx, "k", "free")

	clock.Advance(time.Minute)
	if res, _ := l.Check(ctx, "k", "free"); !res.Limited {
		t.Fatal("a hit exactly one window old still counts")
	}

	clock.Advance(time.Nanosecond)
	if res, _ := l.Check(ctx, "k", "free"); res.Limited {
		t.Fatal("after the window fully elapses the request should be admitted")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]int{"free": 1})
	ctx := context.Background()

	l.Check(ctx, "a", "free")
	if res, _ := l.Check(ctx, "b", "free"); res.Limited {
		t.Fatal("key b should not share key a's bucket")
	}
}

func TestUnknownTierUsesMostRestrictive(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil)
	if got := l.LimitFor("platinum"); got != 10 {
		t.Errorf("got %d, want 10", got)
	}
	if got := l.LimitFor("enterprise"); got != 120 {
		t.Errorf("got %d, want 120", got)
	}
}

func TestNewRejectsNonPositiveLimit(t *testing.T) {
	if _, err := New(nil, map[string]int{"free": 0}, time.Minute); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]int{"pro": 60})
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, "owner:1", "pro")
			if err == nil && !res.Limited {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 60 {
		t.Errorf("got %d admitted, want 60", admitted)
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l, clock, store := newTestLimiter(t, map[string]int{"free": 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, fmt.Sprintf("k%d", i), "free")
	}
	clock.Advance(30 * time.Second)
	l.Check(ctx, "fresh", "free")

	if n := store.Sweep(clock.Now(), DefaultGrace); n != 0 {
		t.Errorf("evicted %d buckets inside the horizon, want 0", n)
	}

	clock.Advance(time.Minute + 31*time.Second)
	if n := store.Sweep(clock.Now(), DefaultGrace); n != 5 {
		t.Errorf("got %d evicted, want 5", n)
	}
	if store.Len() != 1 {
		t.Errorf("got %d buckets left, want 1", store.Len())
	}
}

func TestJanitorStartStop(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil)
	l.Start(context.Background(), time.Millisecond)
	l.Start(context.Background(), time.Millisecond) // second start is a no-op
	time.Sleep(5 * time.Millisecond)
	l.Stop()
	l.Stop()
}
