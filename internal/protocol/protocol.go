// Package protocol holds the messages and views exchanged between the
// editing authority and its clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/presence"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/util"
)

type MessageType string

const (
	TypeOperation MessageType = "operation"
	TypeCursor    MessageType = "cursor"
	TypeLock      MessageType = "lock"
	TypePresence  MessageType = "presence"
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
)

// Message is the envelope every session event travels in.
type Message struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	Type         MessageType     `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	OriginUserID string          `json:"originUserId"`
	SentAt       time.Time       `json:"sentAt"`
}

func NewMessage(sessionID string, messageType MessageType, originUserID string, payload any, sentAt time.Time) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", messageType, err)
	}
	return Message{
		ID:           util.NewID("msg"),
		SessionID:    sessionID,
		Type:         messageType,
		Payload:      raw,
		OriginUserID: originUserID,
		SentAt:       sentAt,
	}, nil
}

func (m Message) Decode(target any) error {
	if err := json.Unmarshal(m.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Identity is supplied by the identity provider and passed explicitly on
// every call.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Role        string `json:"role,omitempty"`
}

// Collaborator is one editor in a session as other participants see them.
type Collaborator struct {
	UserID       string          `json:"userId"`
	DisplayName  string          `json:"displayName"`
	Color        string          `json:"color"`
	Role         string          `json:"role,omitempty"`
	JoinedAt     time.Time       `json:"joinedAt"`
	LastActivity time.Time       `json:"lastActivity"`
	Field        operation.Field `json:"field,omitempty"`
	Cursor       *int            `json:"cursor,omitempty"`
	Status       presence.Status `json:"status,omitempty"`
	Activity     string          `json:"activity,omitempty"`
}

type Snapshot struct {
	SessionID  string                                  `json:"sessionId"`
	TaskID     string                                  `json:"taskId"`
	Fields     map[operation.Field]resolver.FieldState `json:"fields"`
	Editors    []Collaborator                          `json:"editors"`
	LockHolder string                                  `json:"lockHolder,omitempty"`
	TakenAt    time.Time                               `json:"takenAt"`
}

// SyncTick is the authority's answer to a heartbeat.
type SyncTick struct {
	SessionID  string                     `json:"sessionId"`
	TaskID     string                     `json:"taskId"`
	Versions   map[operation.Field]uint64 `json:"versions"`
	LockHolder string                     `json:"lockHolder,omitempty"`
	Notices    []resolver.Overwrite       `json:"notices,omitempty"`
	At         time.Time                  `json:"at"`
}

type CursorPayload struct {
	Field  operation.Field `json:"field"`
	Offset int             `json:"offset"`
}

type LockPayload struct {
	Holder string `json:"holder,omitempty"`
	Locked bool   `json:"locked"`
}

type JoinPayload struct {
	Editor Collaborator `json:"editor"`
}

type LeavePayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

const (
	LeaveReasonLeft    = "left"
	LeaveReasonTimeout = "timeout"
	LeaveReasonClosed  = "closed"
)

// PresenceView is a user's presence as returned by the presence endpoint.
type PresenceView struct {
	presence.Record
	Activity string `json:"activity,omitempty"`
}
