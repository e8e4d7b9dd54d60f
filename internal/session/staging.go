package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"taskcollab/api/internal/operation"
)

// Stage buffers op locally instead of submitting it. Consecutive typing or
// deleting is merged into one operation. Staged edits are submitted by Flush,
// by the debounce timer, or ahead of the next ApplyOperation.
func (m *Manager) Stage(op operation.Operation) error {
	if _, err := m.identity(op.UserID); err != nil {
		return err
	}
	if err := op.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.staged); n > 0 {
		if merged, ok := operation.Coalesce(m.staged[n-1], op); ok {
			m.staged[n-1] = merged
			m.armFlushLocked()
			return nil
		}
	}
	m.staged = append(m.staged, op)
	m.dirty.Add(op.Field)
	m.armFlushLocked()
	return nil
}

func (m *Manager) armFlushLocked() {
	if m.debounce <= 0 {
		return
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.flushTimer = time.AfterFunc(m.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.ackTimeout)
		defer cancel()
		if err := m.Flush(ctx); err != nil {
			log.Printf("session: debounced flush: %v", err)
		}
	})
}

// takeStagedLocked empties the staging buffer and returns its contents.
func (m *Manager) takeStagedLocked() []operation.Operation {
	staged := m.staged
	m.staged = nil
	m.dirty.Clear()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	return staged
}

// Flush moves staged edits to the outbox and submits everything queued.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if !m.editing {
		m.mu.Unlock()
		return ErrNotEditing
	}
	taskID := m.taskID
	staged := m.takeStagedLocked()
	m.mu.Unlock()

	for _, op := range staged {
		if err := m.outbox.Append(taskID, op); err != nil {
			return fmt.Errorf("queue staged operation: %w", err)
		}
	}
	_, err := m.drain(ctx, "")
	return err
}

// Dirty lists the fields with staged edits not yet submitted, in display
// order.
func (m *Manager) Dirty() []operation.Field {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []operation.Field
	for _, field := range operation.Fields {
		if m.dirty.Contains(field) {
			out = append(out, field)
		}
	}
	return out
}

// IsDirty reports whether field has staged edits.
func (m *Manager) IsDirty(field operation.Field) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty.Contains(field)
}
