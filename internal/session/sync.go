package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/presence"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/resolver"
)

func (m *Manager) startLoop() {
	if m.heartbeat <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.stopLoop = cancel
	m.loopDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if m.Connected() {
				if err := m.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("session: sync: %v", err)
				}
				continue
			}
			if err := m.Reconnect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("session: %v", err)
			}
		}
	}()
}

func (m *Manager) stopLoopAndWait() {
	m.mu.Lock()
	cancel, done := m.stopLoop, m.loopDone
	m.stopLoop, m.loopDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sync sends one heartbeat. The reply refreshes the lock holder, delivers
// overwrite notices, and triggers a refetch when the authority holds field
// versions this client never received.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	taskID, userID, editing, connected := m.taskID, m.who.UserID, m.editing, m.connected
	m.mu.Unlock()
	if !editing {
		return ErrNotEditing
	}
	if !connected {
		return ErrOffline
	}

	tick, err := m.authority.Heartbeat(ctx, taskID, userID)
	if err != nil {
		m.goOffline(err)
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}

	m.mu.Lock()
	m.lastSync = m.now()
	behind := false
	for field, version := range tick.Versions {
		if version > m.confirmed[field].Version {
			behind = true
		}
	}
	m.mu.Unlock()

	m.setLockHolder(taskID, tick.LockHolder)
	for i := range tick.Notices {
		notice := tick.Notices[i]
		m.emit(Event{Type: EventOverwritten, TaskID: taskID, Field: notice.Field, Value: notice.LostValue, Version: notice.Version, UserID: notice.WinnerID, Notice: &notice})
	}
	if behind {
		if err := m.refresh(ctx); err != nil {
			return fmt.Errorf("refetch %s: %w", taskID, err)
		}
	}
	return nil
}

// onMessage applies a broadcast from the session. Messages for any other
// session are ignored.
func (m *Manager) onMessage(msg protocol.Message) {
	m.mu.Lock()
	if !m.editing || msg.SessionID != m.sessionID {
		m.mu.Unlock()
		return
	}
	taskID, me := m.taskID, m.who.UserID
	m.mu.Unlock()

	switch msg.Type {
	case protocol.TypeOperation:
		var applied resolver.Applied
		if err := msg.Decode(&applied); err != nil {
			log.Printf("session: %v", err)
			return
		}
		if m.absorb(applied) && applied.Op.UserID != me {
			op := applied.Op
			m.emit(Event{Type: EventRemote, TaskID: taskID, Field: op.Field, Op: &op, Value: applied.Value, Version: op.Version, UserID: op.UserID})
		}

	case protocol.TypeCursor:
		var payload protocol.CursorPayload
		if err := msg.Decode(&payload); err != nil {
			log.Printf("session: %v", err)
			return
		}
		if msg.OriginUserID == me {
			return
		}
		m.presence.SetCursor(msg.OriginUserID, taskID, payload.Field, payload.Offset)
		m.mu.Lock()
		if editor, ok := m.editors[msg.OriginUserID]; ok {
			offset := payload.Offset
			editor.Field = payload.Field
			editor.Cursor = &offset
			editor.LastActivity = msg.SentAt
			m.editors[msg.OriginUserID] = editor
		}
		m.mu.Unlock()
		m.emit(Event{Type: EventCollaborators, TaskID: taskID, Field: payload.Field, UserID: msg.OriginUserID})

	case protocol.TypeLock:
		var payload protocol.LockPayload
		if err := msg.Decode(&payload); err != nil {
			log.Printf("session: %v", err)
			return
		}
		m.setLockHolder(taskID, payload.Holder)

	case protocol.TypePresence:
		var record presence.Record
		if err := msg.Decode(&record); err != nil {
			log.Printf("session: %v", err)
			return
		}
		if record.UserID != me {
			m.presence.Observe(record)
		}

	case protocol.TypeJoin:
		var payload protocol.JoinPayload
		if err := msg.Decode(&payload); err != nil {
			log.Printf("session: %v", err)
			return
		}
		editor := payload.Editor
		m.mu.Lock()
		m.editors[editor.UserID] = editor
		m.mu.Unlock()
		if editor.UserID != me {
			m.presence.Touch(editor.UserID, taskID, "")
		}
		m.emit(Event{Type: EventCollaborators, TaskID: taskID, UserID: editor.UserID})

	case protocol.TypeLeave:
		var payload protocol.LeavePayload
		if err := msg.Decode(&payload); err != nil {
			log.Printf("session: %v", err)
			return
		}
		if payload.Reason == protocol.LeaveReasonClosed {
			m.goOffline(hub.ErrNotEditing)
			m.emit(Event{Type: EventSessionClosed, TaskID: taskID})
			return
		}
		if payload.UserID == me {
			if payload.Reason == protocol.LeaveReasonTimeout {
				m.goOffline(fmt.Errorf("timed out of %s: %w", taskID, hub.ErrNotEditing))
			}
			return
		}
		m.mu.Lock()
		delete(m.editors, payload.UserID)
		m.mu.Unlock()
		m.presence.LeaveTask(payload.UserID, taskID)
		m.emit(Event{Type: EventCollaborators, TaskID: taskID, UserID: payload.UserID})
	}
}
