package domain

import "time"

// SessionAuditEntry is an immutable record of one session change.
type SessionAuditEntry struct {
	ID         string
	EventID    string
	AccountID  string
	SessionID  string
	Kind       string
	Origin     string
	OccurredAt time.Time
	RecordedAt time.Time
}
