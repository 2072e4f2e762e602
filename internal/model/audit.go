package model

import "time"

// EventType is the closed set of audit event names.
type EventType string

const (
	EventAuthSuccess        EventType = "auth.success"
	EventAuthFailure        EventType = "auth.failure"
	EventAuthMissingKey     EventType = "auth.missing_key"
	EventAuthAccessDisabled EventType = "auth.access_disabled"

	EventKeyCreated EventType = "api_key.created"
	EventKeyRevoked EventType = "api_key.revoked"
	EventKeyRotated EventType = "api_key.rotated"
	EventKeyPurged  EventType = "api_key.purged"

	EventOAuthConnected     EventType = "oauth.connected"
	EventOAuthRefreshed     EventType = "oauth.token_refreshed"
	EventOAuthRefreshFailed EventType = "oauth.refresh_failed"
	EventOAuthDisconnected  EventType = "oauth.disconnected"

	EventQuotaExceeded    EventType = "security.quota_exceeded"
	EventRateLimited      EventType = "security.rate_limited"
	EventDecryptionFailed EventType = "security.decryption_failed"

	EventAPIRequest EventType = "api.request"
)

var knownEventTypes = map[EventType]bool{
	EventAuthSuccess: true, EventAuthFailure: true, EventAuthMissingKey: true, EventAuthAccessDisabled: true,
	EventKeyCreated: true, EventKeyRevoked: true, EventKeyRotated: true, EventKeyPurged: true,
	EventOAuthConnected: true, EventOAuthRefreshed: true, EventOAuthRefreshFailed: true, EventOAuthDisconnected: true,
	EventQuotaExceeded: true, EventRateLimited: true, EventDecryptionFailed: true,
	EventAPIRequest: true,
}

// Valid reports whether t is a member of the closed event set.
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// Severity levels for audit events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Well-known actor ids for events without an authenticated owner.
const (
	ActorAnonymous = "anonymous"
	ActorSystem    = "system"
)

// AuditEvent is an immutable record of a security-relevant action.
type AuditEvent struct {
	ID           int64          `json:"id" db:"id"`
	Type         EventType      `json:"event_type" db:"event_type"`
	Severity     Severity       `json:"severity" db:"severity"`
	ActorID      string         `json:"actor_id" db:"actor_id"`
	ResourceType string         `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty" db:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Success      bool           `json:"success" db:"success"`
	IPAddress    string         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string         `json:"user_agent,omitempty" db:"user_agent"`
	RequestID    string         `json:"request_id,omitempty" db:"request_id"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	ActorID  string
	Types    []EventType
	Severity Severity
	Success  *bool
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// AuditCount is one aggregation row over persisted events.
type AuditCount struct {
	Type     EventType `json:"event_type" db:"event_type"`
	Severity Severity  `json:"severity" db:"severity"`
	Success  bool      `json:"success" db:"success"`
	Count    int64     `json:"count" db:"n"`
}

// AuditReport summarizes an owner's audit trail over a time range.
type AuditReport struct {
	ActorID     string              `json:"actor_id"`
	From        time.Time           `json:"from"`
	To          time.Time           `json:"to"`
	Total       int64               `json:"total"`
	Failures    int64               `json:"failures"`
	ByType      map[EventType]int64 `json:"by_type"`
	BySeverity  map[Severity]int64  `json:"by_severity"`
	GeneratedAt time.Time           `json:"generated_at"`
}
