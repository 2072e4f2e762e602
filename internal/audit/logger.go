// Package audit records security-relevant events asynchronously. Events are
// sanitized, queued in a bounded buffer and written to the store in batches
// by a background loop. After repeated write failures the logger disables
// itself and reports unhealthy until Reset is called.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/faucetdb/tollgate/internal/metrics"
	"github.com/faucetdb/tollgate/internal/model"
)

// ErrDisabled is returned by Flush while the logger is disabled.
var ErrDisabled = errors.New("audit logger disabled")

// Store persists and reads audit events. *config.Store implements it.
type Store interface {
	InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error
	QueryAuditEvents(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error)
	CountAuditEvents(ctx context.Context, actorID string, from, to time.Time) ([]model.AuditCount, error)
}

// Config tunes the flush pipeline.
type Config struct {
	FlushInterval    time.Duration
	BatchSize        int
	QueueSize        int
	FailureThreshold int
	WriteTimeout     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval:    5 * time.Second,
		BatchSize:        100,
		QueueSize:        10000,
		FailureThreshold: 3,
		WriteTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Logger is the asynchronous audit pipeline. All methods are safe for
// concurrent use and are no-ops on a nil *Logger.
type Logger struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	queue    []model.AuditEvent
	failures int
	disabled bool
	closed   bool
	dropped  int64

	flushMu sync.Mutex // serializes batch writes
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates a logger writing to store and starts its flush loop. Call
// Close to stop the loop and flush what is left.
func New(store Store, cfg Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	metrics.SetAuditLoggerDisabled(false)
	go l.loop()
	return l
}

func (l *Logger) loop() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		case <-l.kick:
		}
		if err := l.Flush(context.Background()); err != nil && !errors.Is(err, ErrDisabled) {
			l.logger.Warn("audit flush failed", "error", err, "pending", l.Pending())
		}
	}
}

// Log sanitizes and enqueues an event. It never blocks on the store. When
// the queue is full the oldest event is dropped. Critical events and full
// batches trigger an immediate flush.
func (l *Logger) Log(ev model.AuditEvent) {
	if l == nil {
		return
	}
	if !ev.Type.Valid() {
		l.logger.Warn("dropping audit event with unknown type", "event_type", ev.Type)
		metrics.RecordAuditDropped("invalid", 1)
		return
	}
	if ev.Severity == "" {
		ev.Severity = model.SeverityInfo
	}
	if ev.ActorID == "" {
		ev.ActorID = model.ActorAnonymous
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now().UTC()
	}
	ev.Metadata = Sanitize(ev.Metadata)

	l.mu.Lock()
	if l.disabled || l.closed {
		l.mu.Unlock()
		metrics.RecordAuditDropped("disabled", 1)
		return
	}
	l.queue = append(l.queue, ev)
	overflow := len(l.queue) - l.cfg.QueueSize
	if overflow > 0 {
		l.queue = append(l.queue[:0:0], l.queue[overflow:]...)
		l.dropped += int64(overflow)
		metrics.RecordAuditDropped("overflow", overflow)
	}
	depth := len(l.queue)
	l.mu.Unlock()

	metrics.SetAuditQueueDepth(depth)
	if ev.Severity == model.SeverityCritical || depth >= l.cfg.BatchSize {
		l.signal()
	}
}

func (l *Logger) signal() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Request carries the caller details attached to an event.
type Request struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// LogAuth records an authentication outcome.
func (l *Logger) LogAuth(typ model.EventType, actorID string, success bool, meta map[string]any, req Request) {
	sev := model.SeverityInfo
	if !success {
		sev = model.SeverityWarning
	}
	l.Log(model.AuditEvent{
		Type:      typ,
		Severity:  sev,
		ActorID:   actorID,
		Success:   success,
		Metadata:  meta,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
	})
}

// LogSecurity records a failed security check.
func (l *Logger) LogSecurity(typ model.EventType, actorID string, sev model.Severity, meta map[string]any, req Request) {
	l.Log(model.AuditEvent{
		Type:      typ,
		Severity:  sev,
		ActorID:   actorID,
		Success:   false,
		Metadata:  meta,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
	})
}

// LogAPI records a served request against a protected resource.
func (l *Logger) LogAPI(actorID, resourceType, resourceID string, status int, meta map[string]any, req Request) {
	sev := model.SeverityInfo
	switch {
	case status >= 500:
		sev = model.SeverityError
	case status >= 400:
		sev = model.SeverityWarning
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = status
	l.Log(model.AuditEvent{
		Type:         model.EventAPIRequest,
		Severity:     sev,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Success:      status < 400,
		Metadata:     meta,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		RequestID:    req.RequestID,
	})
}

// Flush writes every queued event in batches. A failed batch is put back at
// the head of the queue; after FailureThreshold consecutive failures the
// logger disables itself and discards the queue.
func (l *Logger) Flush(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	for {
		l.mu.Lock()
		if l.disabled {
			l.mu.Unlock()
			return ErrDisabled
		}
		n := min(len(l.queue), l.cfg.BatchSize)
		if n == 0 {
			l.mu.Unlock()
			return nil
		}
		batch := make([]model.AuditEvent, n)
		copy(batch, l.queue[:n])
		l.queue = l.queue[n:]
		l.mu.Unlock()

		wctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
		err := l.store.InsertAuditEvents(wctx, batch)
		cancel()

		if err == nil {
			l.mu.Lock()
			l.failures = 0
			depth := len(l.queue)
			l.mu.Unlock()
			metrics.SetAuditQueueDepth(depth)
			continue
		}

		metrics.RecordAuditFlushError()
		l.requeue(batch, err)
		return fmt.Errorf("write audit batch: %w", err)
	}
}

func (l *Logger) requeue(batch []model.AuditEvent, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	if l.failures >= l.cfg.FailureThreshold {
		lost := len(l.queue) + len(batch)
		l.queue = nil
		l.disabled = true
		l.dropped += int64(lost)
		metrics.RecordAuditDropped("disabled", lost)
		metrics.SetAuditQueueDepth(0)
		metrics.SetAuditLoggerDisabled(true)
		l.logger.Error("audit logger disabled after repeated write failures",
			"failures", l.failures, "discarded", lost, "error", cause)
		return
	}

	q := make([]model.AuditEvent, 0, len(batch)+len(l.queue))
	q = append(q, batch...)
	q = append(q, l.queue...)
	if over := len(q) - l.cfg.QueueSize; over > 0 {
		q = q[over:]
		l.dropped += int64(over)
		metrics.RecordAuditDropped("overflow", over)
	}
	l.queue = q
}

// Pending returns the number of queued events.
func (l *Logger) Pending() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Dropped returns how many events were lost to overflow or disabling.
func (l *Logger) Dropped() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Healthy reports whether the logger is accepting events.
func (l *Logger) Healthy() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.disabled
}

// Reset re-enables a disabled logger.
func (l *Logger) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.disabled = false
	l.failures = 0
	l.mu.Unlock()
	metrics.SetAuditLoggerDisabled(false)
	l.logger.Info("audit logger re-enabled")
}

// Close stops the flush loop and writes any remaining events. Events logged
// after Close are dropped.
func (l *Logger) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stop)
	})
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	err := l.Flush(ctx)
	if errors.Is(err, ErrDisabled) {
		return nil
	}
	return err
}
