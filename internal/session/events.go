package session

import (
	"time"

	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/resolver"
)

type EventType string

const (
	// EventApplied: one of our operations was accepted.
	EventApplied EventType = "applied"
	// EventRejected: one of our operations was refused; Err says why and
	// Value holds the field's current value to rebase on.
	EventRejected EventType = "rejected"
	// EventRemote: another editor's operation changed a field.
	EventRemote        EventType = "remote"
	EventOverwritten   EventType = "overwritten"
	EventLockChanged   EventType = "lock_changed"
	EventCollaborators EventType = "collaborators"
	EventOffline       EventType = "offline"
	EventReconnected   EventType = "reconnected"
	// EventSessionClosed: the authority ended the session.
	EventSessionClosed EventType = "session_closed"
)

type Event struct {
	Type    EventType
	TaskID  string
	Field   operation.Field
	Op      *operation.Operation
	Value   string
	Version uint64
	UserID  string
	Notice  *resolver.Overwrite
	Err     error
	At      time.Time
}
