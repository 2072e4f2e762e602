// Package ratelimit implements per-caller sliding-window rate limiting with
// limits taken from the caller's plan tier.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/faucetdb/tollgate/internal/metrics"
	"github.com/faucetdb/tollgate/internal/model"
)

// Defaults for the window and the eviction grace period.
const (
	DefaultWindow = time.Minute
	DefaultGrace  = time.Minute
)

// DefaultTiers maps each plan tier to its requests per window.
func DefaultTiers() map[string]int {
	tiers := make(map[string]int, len(model.Plans))
	for name, p := range model.Plans {
		tiers[name] = p.RequestsPerMinute
	}
	return tiers
}

// Limiter checks callers against their tier's limit.
type Limiter struct {
	store  Store
	tiers  map[string]int
	floor  int // most restrictive tier limit, used for unknown tiers
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used by the janitor.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter over store. A nil or empty tiers map uses
// DefaultTiers; a non-positive window uses DefaultWindow.
func New(store Store, tiers map[string]int, window time.Duration, opts ...Option) (*Limiter, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	if window <= 0 {
		window = DefaultWindow
	}

	l := &Limiter{
		store:  store,
		tiers:  make(map[string]int, len(tiers)),
		window: window,
		logger: slog.Default(),
		now:    time.Now,
	}
	for name, n := range tiers {
		if n <= 0 {
			return nil, fmt.Errorf("tier %q: limit must be positive, got %d", name, n)
		}
		l.tiers[name] = n
		if l.floor == 0 || n < l.floor {
			l.floor = n
		}
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// LimitFor returns the request limit for tier, falling back to the most
// restrictive tier when the name is unknown.
func (l *Limiter) LimitFor(tier string) int {
	if n, ok := l.tiers[tier]; ok {
		return n
	}
	return l.floor
}

// Window returns the sliding window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check records a request for key under tier and reports whether it is
// admitted.
func (l *Limiter) Check(ctx context.Context, key, tier string) (Result, error) {
	res, err := l.store.Hit(ctx, key, l.now(), l.window, l.LimitFor(tier))
	if err != nil {
		return Result{}, fmt.Errorf("rate limit store: %w", err)
	}
	if res.Limited {
		metrics.RecordRateLimited(tier)
	}
	return res, nil
}

// sweeper is implemented by stores that can evict idle buckets.
type sweeper interface {
	Sweep(now time.Time, grace time.Duration) int
}

// Start runs a janitor that evicts idle buckets every interval until Stop
// is called or ctx is done. It is a no-op for stores that do not sweep.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	sw, ok := l.store.(sweeper)
	if !ok {
		return
	}
	if interval <= 0 {
		interval = l.window
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sw.Sweep(l.now(), DefaultGrace); n > 0 {
					l.logger.Debug("rate limit buckets evicted", "count", n)
				}
			}
		}
	}(l.done)
}

// Stop terminates the janitor and waits for it to exit.
func (l *Limiter) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
