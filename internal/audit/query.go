package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/faucetdb/tollgate/internal/model"
)

// Query page sizes.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// ErrInvalidRange is returned when a report range ends before it starts.
var ErrInvalidRange = errors.New("invalid time range")

// Query returns persisted events matching f, newest first. Queued events
// that have not been flushed yet are not included.
func (l *Logger) Query(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	events, err := l.store.QueryAuditEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return events, nil
}

// GenerateReport summarizes an actor's events in [from, to). A zero to
// means now.
func (l *Logger) GenerateReport(ctx context.Context, actorID string, from, to time.Time) (*model.AuditReport, error) {
	if to.IsZero() {
		to = l.now().UTC()
	}
	if !from.IsZero() && !to.After(from) {
		return nil, ErrInvalidRange
	}

	counts, err := l.store.CountAuditEvents(ctx, actorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}

	rep := &model.AuditReport{
		ActorID:     actorID,
		From:        from,
		To:          to,
		ByType:      make(map[model.EventType]int64),
		BySeverity:  make(map[model.Severity]int64),
		GeneratedAt: l.now().UTC(),
	}
	for _, c := range counts {
		rep.Total += c.Count
		if !c.Success {
			rep.Failures += c.Count
		}
		rep.ByType[c.Type] += c.Count
		rep.BySeverity[c.Severity] += c.Count
	}
	return rep, nil
}
