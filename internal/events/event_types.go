package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/isp-console/internal/session"
)

// WildcardKey subscribes to every event regardless of subject or session.
const WildcardKey = "*"

// SessionEvent is a session change emitted by the identity service.
type SessionEvent struct {
	ID        string            `json:"id"`
	Kind      session.EventKind `json:"kind"`
	SubjectID string            `json:"subject_id"`
	SessionID string            `json:"session_id"`
	Session   *session.Session  `json:"session,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	// Origin identifies the replica that published the event.
	Origin string `json:"origin,omitempty"`
}

// NewSessionEvent stamps an event with a fresh id.
func NewSessionEvent(kind session.EventKind, subjectID, sessionID string, sess *session.Session, now time.Time) SessionEvent {
	return SessionEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: subjectID,
		SessionID: sessionID,
		Session:   sess,
		Timestamp: now.UTC(),
	}
}

// Typed converts the wire form into the closed event variant.
func (e SessionEvent) Typed() (session.Event, error) {
	return session.NewEvent(e.Kind, e.Session)
}

// keys lists the subscription keys the event is delivered to.
func (e SessionEvent) keys() []string {
	keys := make([]string, 0, 3)
	if e.SubjectID != "" {
		keys = append(keys, e.SubjectID)
	}
	if e.SessionID != "" && e.SessionID != e.SubjectID {
		keys = append(keys, e.SessionID)
	}
	return append(keys, WildcardKey)
}
