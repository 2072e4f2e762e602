package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/faucetdb/tollgate/internal/model"
)

// fakeStore records batches in memory and can be told to fail.
type fakeStore struct {
	mu     sync.Mutex
	events []model.AuditEvent
	writes int
	failN  int // fail this many writes; -1 fails forever
	counts []model.AuditCount
}

var errSinkDown = errors.New("sink down")

func (f *fakeStore) InsertAuditEvents(_ context.Context, events []model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failN != 0 {
		if f.failN > 0 {
			f.failN--
		}
		return errSinkDown
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) QueryAuditEvents(_ context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AuditEvent
	for _, e := range f.events {
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		out = append(out, e)
	}
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeStore) CountAuditEvents(context.Context, string, time.Time, time.Time) ([]model.AuditCount, error) {
	return f.counts, nil
}

func (f *fakeStore) stored() []model.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AuditEvent(nil), f.events...)
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func newTestLogger(t *testing.T, store Store, cfg Config) *Logger {
	t.Helper()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour // tests flush explicitly
	}
	l := New(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { l.Close(context.Background()) })
	return l
}

func event(actor string) model.AuditEvent {
	return model.AuditEvent{Type: model.EventAuthSuccess, ActorID: actor, Success: true}
}

// ---------------------------------------------------------------------------
// Sanitize
// ---------------------------------------------------------------------------

func TestSanitize(t *testing.T) {
	in := map[string]any{
		"reason":      "bad key",
		"Password":    "hunter2",
		"accessToken": "ya29.abc",
		"API_KEY":     "tg_live_x",
		"user_ssn":    "123-45-6789",
		"nested": map[string]any{
			"client_secret": "s",
			"ok":            1,
			"deeper":        []any{map[string]any{"credit_card": "4111"}},
		},
		"headers": map[string]string{"x-refresh-token": "r", "accept": "json"},
	}

	out := Sanitize(in)

	for _, k := range []string{"Password", "accessToken", "API_KEY", "user_ssn"} {
		if out[k] != Redacted {
			t.Errorf("%s = %v, want redacted", k, out[k])
		}
	}
	if out["reason"] != "bad key" {
		t.Errorf("reason = %v, want untouched", out["reason"])
	}
	nested := out["nested"].(map[string]any)
	if nested["client_secret"] != Redacted || nested["ok"] != 1 {
		t.Errorf("nested = %v", nested)
	}
	deeper := nested["deeper"].([]any)[0].(map[string]any)
	if deeper["credit_card"] != Redacted {
		t.Errorf("deeper = %v", deeper)
	}
	headers := out["headers"].(map[string]any)
	if headers["x-refresh-token"] != Redacted || headers["accept"] != "json" {
		t.Errorf("headers = %v", headers)
	}

	// Input is not modified.
	if in["Password"] != "hunter2" {
		t.Error("Sanitize mutated its input")
	}
	if Sanitize(nil) != nil {
		t.Error("Sanitize(nil) should be nil")
	}
}

// ---------------------------------------------------------------------------
// Logger
// ---------------------------------------------------------------------------

func TestLogAndFlush(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(t, store, Config{BatchSize: 2})

	for i := 0; i < 5; i++ {
		ev := event(fmt.Sprintf("owner-%d", i))
		ev.Metadata = map[string]any{"token": "abc"}
		l.Log(ev)
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := store.stored()
	if len(got) != 5 {
		t.Fatalf("got %d stored events, want 5", len(got))
	}
	for _, e := range got {
		if e.Metadata["token"] != Redacted {
			t.Errorf("metadata not sanitized: %v", e.Metadata)
		}
		if e.CreatedAt.IsZero() {
			t.Error("CreatedAt not stamped")
		}
		if e.Severity != model.SeverityInfo {
			t.Errorf("got severity %q, want info default", e.Severity)
		}
	}
	if l.Pending() != 0 {
		t.Errorf("got %d pending, want 0", l.Pending())
	}
}

func TestLogDefaultsActor(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(t, store, Config{})
	l.Log(model.AuditEvent{Type: model.EventAuthMissingKey})
	l.Flush(context.Background())

	got := store.stored()
	if len(got) != 1 || got[0].ActorID != model.ActorAnonymous {
		t.Fatalf("got %v, want one anonymous event", got)
	}
}

func TestLogDropsUnknownType(t *testing.T) {
	l := newTestLogger(t, &fakeStore{}, Config{})
	l.Log(model.AuditEvent{Type: "made.up"})
	if l.Pending() != 0 {
		t.Errorf("got %d pending, want 0", l.Pending())
	}
}

func TestCriticalEventFlushesImmediately(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(t, store, Config{})

	l.Log(model.AuditEvent{Type: model.EventDecryptionFailed, Severity: model.SeverityCritical, ActorID: "owner-1"})

	deadline := time.Now().Add(2 * time.Second)
	for len(store.stored()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("critical event was not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueueBoundedDropsOldest(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(t, store, Config{QueueSize: 10, BatchSize: 1000})

	for i := 0; i < 15; i++ {
		l.Log(event(fmt.Sprintf("owner-%d", i)))
	}
	if l.Pending() != 10 {
		t.Fatalf("got %d pending, want 10", l.Pending())
	}
	if l.Dropped() != 5 {
		t.Errorf("got %d dropped, want 5", l.Dropped())
	}

	l.Flush(context.Background())
	got := store.stored()
	if got[0].ActorID != "owner-5" {
		t.Errorf("got oldest %q, want owner-5", got[0].ActorID)
	}
}

func TestFailedBatchIsRetried(t *testing.T) {
	store := &fakeStore{failN: 2}
	l := newTestLogger(t, store, Config{BatchSize: 10})

	for i := 0; i < 3; i++ {
		l.Log(event("owner-1"))
	}

	for i := 0; i < 2; i++ {
		if err := l.Flush(context.Background()); !errors.Is(err, errSinkDown) {
			t.Fatalf("flush %d: got %v, want sink error", i, err)
		}
		if l.Pending() != 3 {
			t.Fatalf("failed batch not requeued: %d pending", l.Pending())
		}
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("third flush: %v", err)
	}
	if len(store.stored()) != 3 {
		t.Errorf("got %d stored, want 3", len(store.stored()))
	}
	if !l.Healthy() {
		t.Error("a success before the threshold must keep the logger healthy")
	}
}

func TestDisablesAfterRepeatedFailures(t *testing.T) {
	store := &fakeStore{failN: -1}
	l := newTestLogger(t, store, Config{BatchSize: 100, QueueSize: 10000, FailureThreshold: 3})

	for i := 0; i < 10000; i++ {
		l.Log(event("owner-1"))
	}
	if l.Pending() > 10000 {
		t.Fatalf("queue grew past its bound: %d", l.Pending())
	}

	// The background loop may already be flushing; drive it to the end.
	for i := 0; i < 5 && l.Healthy(); i++ {
		l.Flush(context.Background())
	}

	if l.Healthy() {
		t.Fatal("logger should be disabled")
	}
	if got := store.writeCount(); got != 3 {
		t.Errorf("got %d sink writes, want exactly 3", got)
	}
	if l.Pending() != 0 {
		t.Errorf("got %d pending, want queue cleared", l.Pending())
	}
	if err := l.Flush(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("got %v, want ErrDisabled", err)
	}

	l.Log(event("owner-1"))
	if l.Pending() != 0 {
		t.Error("disabled logger must discard new events")
	}

	l.Reset()
	if !l.Healthy() {
		t.Fatal("Reset should re-enable the logger")
	}
	l.Log(event("owner-1"))
	if l.Pending() != 1 {
		t.Errorf("got %d pending after reset, want 1", l.Pending())
	}
}

func TestCloseFlushes(t *testing.T) {
	store := &fakeStore{}
	l := New(store, Config{FlushInterval: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	l.Log(event("owner-1"))
	l.Log(event("owner-2"))
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(store.stored()) != 2 {
		t.Errorf("got %d stored, want 2", len(store.stored()))
	}

	l.Log(event("owner-3"))
	if l.Pending() != 0 {
		t.Error("events after Close must be dropped")
	}
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(event("owner-1"))
	l.LogAuth(model.EventAuthFailure, "owner-1", false, nil, Request{})
	if err := l.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
	if !l.Healthy() || l.Pending() != 0 {
		t.Error("nil logger should report healthy and empty")
	}
	l.Reset()
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestLogHelpers(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(t, store, Config{})
	req := Request{IPAddress: "10.0.0.1", UserAgent: "curl", RequestID: "req-1"}

	l.LogAuth(model.EventAuthFailure, "owner-1", false, nil, req)
	l.LogSecurity(model.EventQuotaExceeded, "owner-1", model.SeverityWarning, map[string]any{"used": 100}, req)
	l.LogAPI("owner-1", "protected", "/api/v1/protected/x", 502, nil, req)
	l.Flush(context.Background())

	got := store.stored()
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Severity != model.SeverityWarning || got[0].Success {
		t.Errorf("auth failure: got %+v", got[0])
	}
	if got[0].IPAddress != "10.0.0.1" || got[0].RequestID != "req-1" {
		t.Errorf("request details not recorded: %+v", got[0])
	}
	if got[2].Type != model.EventAPIRequest || got[2].Severity != model.SeverityError || got[2].Success {
		t.Errorf("api request: got %+v", got[2])
	}
	if got[2].Metadata["status"] != 502 {
		t.Errorf("got status %v, want 502", got[2].Metadata["status"])
	}
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

func TestQueryClampsLimit(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(t, store, Config{})
	for i := 0; i < 3; i++ {
		l.Log(event("owner-1"))
	}
	l.Flush(context.Background())

	got, err := l.Query(context.Background(), model.AuditFilter{ActorID: "owner-1", Limit: -5})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestGenerateReport(t *testing.T) {
	store := &fakeStore{counts: []model.AuditCount{
		{Type: model.EventAuthSuccess, Severity: model.SeverityInfo, Success: true, Count: 7},
		{Type: model.EventAuthFailure, Severity: model.SeverityWarning, Success: false, Count: 2},
		{Type: model.EventRateLimited, Severity: model.SeverityWarning, Success: false, Count: 1},
	}}
	l := newTestLogger(t, store, Config{})

	from := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	rep, err := l.GenerateReport(context.Background(), "owner-1", from, from.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if rep.Total != 10 || rep.Failures != 3 {
		t.Errorf("got total=%d failures=%d, want 10/3", rep.Total, rep.Failures)
	}
	if rep.BySeverity[model.SeverityWarning] != 3 {
		t.Errorf("got %d warnings, want 3", rep.BySeverity[model.SeverityWarning])
	}
	if rep.ByType[model.EventAuthSuccess] != 7 {
		t.Errorf("got %d successes, want 7", rep.ByType[model.EventAuthSuccess])
	}

	if _, err := l.GenerateReport(context.Background(), "owner-1", from, from.Add(-time.Hour)); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("got %v, want ErrInvalidRange", err)
	}
}

func TestLogContextFillsRequest(t *testing.T) {
	store := &fakeStore{}
	l := newTestLogger(t, store, Config{})

	ctx := WithRequest(context.Background(), Request{IPAddress: "1.2.3.4", RequestID: "req-9"})
	l.LogContext(ctx, model.AuditEvent{Type: model.EventKeyCreated, ActorID: "owner-1", Success: true})
	l.Flush(context.Background())

	got := store.stored()
	if len(got) != 1 || got[0].IPAddress != "1.2.3.4" || got[0].RequestID != "req-9" {
		t.Fatalf("got %+v", got)
	}
	if RequestFrom(context.Background()) != (Request{}) {
		t.Error("empty context should yield zero Request")
	}
}
