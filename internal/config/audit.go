package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/tollgate/internal/model"
)

// ---------------------------------------------------------------------------
// Audit events
// ---------------------------------------------------------------------------

// auditRow maps 1:1 to the audit_events table. Metadata is stored as JSON.
type auditRow struct {
	ID           int64     `db:"id"`
	EventType    string    `db:"event_type"`
	Severity     string    `db:"severity"`
	ActorID      string    `db:"actor_id"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	MetadataJSON string    `db:"metadata_json"`
	Success      bool      `db:"success"`
	IPAddress    string    `db:"ip_address"`
	UserAgent    string    `db:"user_agent"`
	RequestID    string    `db:"request_id"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r auditRow) toModel() (model.AuditEvent, error) {
	var meta map[string]any
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &meta); err != nil {
			return model.AuditEvent{}, fmt.Errorf("unmarshal audit metadata: %w", err)
		}
	}
	return model.AuditEvent{
		ID:           r.ID,
		Type:         model.EventType(r.EventType),
		Severity:     model.Severity(r.Severity),
		ActorID:      r.ActorID,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Metadata:     meta,
		Success:      r.Success,
		IPAddress:    r.IPAddress,
		UserAgent:    r.UserAgent,
		RequestID:    r.RequestID,
		CreatedAt:    r.CreatedAt,
	}, nil
}

// InsertAuditEvents writes a batch of events in one transaction. Either the
// whole batch is persisted or none of it is.
func (s *Store) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	const q = `INSERT INTO audit_events
		(event_type, severity, actor_id, resource_type, resource_id, metadata_json,
		 success, ip_address, user_agent, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(q))
		if err != nil {
			return fmt.Errorf("prepare audit insert: %w", err)
		}
		defer stmt.Close()

		for i := range events {
			e := &events[i]
			meta := []byte("{}")
			if len(e.Metadata) > 0 {
				if meta, err = json.Marshal(e.Metadata); err != nil {
					return fmt.Errorf("marshal audit metadata: %w", err)
				}
			}
			if _, err := stmt.ExecContext(ctx,
				string(e.Type), string(e.Severity), e.ActorID, e.ResourceType, e.ResourceID, string(meta),
				e.Success, e.IPAddress, e.UserAgent, e.RequestID, e.CreatedAt.UTC(),
			); err != nil {
				return fmt.Errorf("insert audit event: %w", err)
			}
		}
		return nil
	})
}

// auditWhere builds the WHERE clause shared by audit queries.
func auditWhere(f model.AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "event_type IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, *f.Success)
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.To.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryAuditEvents returns persisted events matching f, newest first.
func (s *Store) QueryAuditEvents(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	where, args := auditWhere(f)
	q := "SELECT * FROM audit_events" + where + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	events := make([]model.AuditEvent, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// CountAuditEvents aggregates an actor's events in [from, to) by type,
// severity and outcome.
func (s *Store) CountAuditEvents(ctx context.Context, actorID string, from, to time.Time) ([]model.AuditCount, error) {
	where, args := auditWhere(model.AuditFilter{ActorID: actorID, From: from, To: to})
	q := "SELECT event_type, severity, success, COUNT(*) AS n FROM audit_events" + where +
		" GROUP BY event_type, severity, success ORDER BY event_type"

	var counts []model.AuditCount
	if err := s.db.SelectContext(ctx, &counts, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}
	return counts, nil
}
