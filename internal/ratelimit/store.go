package ratelimit

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

// Store records hits for a caller key and decides admission. Implementations
// must apply the same sliding-window rule as MemoryStore: hits older than
// now-window are ignored, a request is admitted iff fewer than limit hits
// remain, and only admitted requests are recorded.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error)
}

// Result is the outcome of one rate-limit check.
type Result struct {
	Limited    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time     // when the oldest counted hit leaves the window
	RetryAfter time.Duration // zero unless Limited
}

const shardCount = 32

// bucket is the sliding log of admitted hits for one key, oldest first.
type bucket struct {
	hits   []time.Time
	window time.Duration
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryStore is a process-local sliding-log store. Keys are spread over
// mutex-guarded shards so unrelated callers rarely contend.
type MemoryStore struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{seed: maphash.MakeSeed()}
	for i := range m.shards {
		m.shards[i].buckets = make(map[string]*bucket)
	}
	return m
}

func (m *MemoryStore) shardFor(key string) *shard {
	return &m.shards[maphash.String(m.seed, key)%shardCount]
}

// Hit implements Store.
func (m *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b := sh.buckets[key]
	if b == nil {
		b = &bucket{window: window}
		sh.buckets[key] = b
	}
	b.window = window
	b.prune(now.Add(-window))

	res := Result{Limit: limit}
	if len(b.hits) >= limit {
		res.Limited = true
		res.ResetAt = b.hits[0].Add(window)
		res.RetryAfter = res.ResetAt.Sub(now)
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
		return res, nil
	}

	b.hits = append(b.hits, now)
	res.Remaining = limit - len(b.hits)
	res.ResetAt = b.hits[0].Add(window)
	return res, nil
}

// prune drops hits strictly before cutoff. Hits exactly at cutoff still
// count.
func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.hits) && b.hits[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

// Sweep evicts buckets whose newest hit is older than their window plus
// grace. It returns the number of evicted buckets.
func (m *MemoryStore) Sweep(now time.Time, grace time.Duration) int {
	evicted := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if len(b.hits) == 0 || now.Sub(b.hits[len(b.hits)-1]) > b.window+grace {
				delete(sh.buckets, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len returns the number of live buckets.
func (m *MemoryStore) Len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}
