package service

import (
	"sync"
	"time"

	"github.com/faucetdb/tollgate/internal/metrics"
)

// refreshScheduler keeps at most one pending refresh timer per token
// record. Arming a key again replaces its timer; a replaced timer that has
// already fired is ignored through the generation check.
type refreshScheduler struct {
	fire func(ownerID, workspaceID string)

	mu      sync.Mutex
	entries map[string]*scheduledRefresh
	gen     uint64
	stopped bool
}

type scheduledRefresh struct {
	timer *time.Timer
	gen   uint64
}

func newRefreshScheduler(fire func(ownerID, workspaceID string)) *refreshScheduler {
	return &refreshScheduler{fire: fire, entries: make(map[string]*scheduledRefresh)}
}

func flightKey(ownerID, workspaceID string) string {
	return ownerID + "\x00" + workspaceID
}

// schedule arms a refresh for the record after delay. A non-positive delay
// fires immediately.
func (s *refreshScheduler) schedule(ownerID, workspaceID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	key := flightKey(ownerID, workspaceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.entries[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	entry := &scheduledRefresh{gen: gen}
	entry.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.entries[key]
		if !ok || cur.gen != gen || s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.entries, key)
		n := len(s.entries)
		s.mu.Unlock()

		metrics.SetScheduledRefreshes(n)
		s.fire(ownerID, workspaceID)
	})
	s.entries[key] = entry
	metrics.SetScheduledRefreshes(len(s.entries))
}

// cancel drops the pending timer for the record, if any.
func (s *refreshScheduler) cancel(ownerID, workspaceID string) {
	key := flightKey(ownerID, workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
		delete(s.entries, key)
	}
	metrics.SetScheduledRefreshes(len(s.entries))
}

// stop cancels every pending timer. Later schedule calls are ignored.
func (s *refreshScheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
	metrics.SetScheduledRefreshes(0)
}

func (s *refreshScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
