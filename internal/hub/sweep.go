package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/store"
)

// Run sweeps every SweepInterval until ctx is done, then closes every
// session.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return h.Close(closeCtx)
		case <-ticker.C:
			if err := h.Sweep(ctx); err != nil {
				log.Printf("hub: sweep: %v", err)
			}
		}
	}
}

// Sweep drops editors silent for longer than SessionIdle, tears down
// sessions that are empty past their grace period, and flushes dirty fields
// of the rest. Each remaining session renews this node's lease on its task;
// a session whose task another node has taken is closed.
func (h *Hub) Sweep(ctx context.Context) error {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		if err := h.sweepRoom(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", r.taskID, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) sweepRoom(ctx context.Context, r *room) error {
	now := h.now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	var (
		out  []outgoing
		errs []error
	)
	var idle []string
	for userID, e := range r.editors {
		if now.Sub(e.lastActivity) > h.sessionIdle {
			idle = append(idle, userID)
		}
	}
	for _, userID := range idle {
		log.Printf("hub: %s timed out of task %s", userID, r.taskID)
		msgs, err := h.removeLocked(ctx, r, userID, protocol.LeaveReasonTimeout)
		out = append(out, msgs...)
		if err != nil {
			errs = append(errs, err)
		}
		if len(r.editors) == 0 {
			r.timedOut = true
		}
	}
	expired := h.expiredLocked(r, now)
	r.mu.Unlock()

	h.publish(ctx, out)
	for _, userID := range idle {
		h.mirrorPresence(ctx, userID)
	}

	if expired {
		if err := h.teardown(ctx, r, true); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	if err := h.flush(ctx, r); err != nil {
		errs = append(errs, err)
	}
	if err := h.claim(ctx, r.taskID); errors.Is(err, ErrOwnedElsewhere) {
		log.Printf("hub: task %s lost to another node: %v", r.taskID, err)
		r.mu.Lock()
		r.lost = true
		r.mu.Unlock()
		if err := h.teardown(ctx, r, false); err != nil {
			errs = append(errs, err)
		}
	} else if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flush saves every dirty field. Fields that fail to save stay dirty for the
// next sweep.
func (h *Hub) flush(ctx context.Context, r *room) error {
	fields := r.dirty.ToSlice()
	if len(fields) == 0 {
		return nil
	}

	r.mu.Lock()
	records := make(map[operation.Field]store.FieldRecord, len(fields))
	for _, field := range fields {
		r.dirty.Remove(field)
		state, ok := r.resolver.State(field)
		if !ok {
			continue
		}
		records[field] = store.FieldRecord{Value: state.Value, Version: state.Version, UpdatedBy: state.UpdatedBy, UpdatedAt: h.now()}
	}
	r.mu.Unlock()

	var errs []error
	for field, record := range records {
		if _, err := h.store.SaveTaskField(ctx, r.taskID, field, record); err != nil {
			r.dirty.Add(field)
			errs = append(errs, fmt.Errorf("save %s: %w", field, err))
		}
	}
	return errors.Join(errs...)
}

// expiredLocked reports whether r is empty and past its grace period, or
// emptied by timeouts.
func (h *Hub) expiredLocked(r *room, now time.Time) bool {
	return len(r.editors) == 0 && (r.timedOut || now.Sub(r.emptySince) >= h.teardownGrace)
}

// teardown closes a session: remaining fields are flushed, the lock is
// cleared, and participants are told the session ended. With onlyExpired
// set, a session someone joined since the caller looked is left open. A
// session lost to another node leaves the lock to that node.
func (h *Hub) teardown(ctx context.Context, r *room, onlyExpired bool) error {
	r.mu.Lock()
	if r.closed || (onlyExpired && !h.expiredLocked(r, h.now())) {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	h.mu.Lock()
	if h.rooms[r.taskID] == r {
		delete(h.rooms, r.taskID)
	}
	h.closing[r.taskID] = r
	h.mu.Unlock()
	defer h.finishTeardown(r)
	editors := make([]string, 0, len(r.editors))
	for userID := range r.editors {
		editors = append(editors, userID)
	}
	r.editors = make(map[string]*editor)
	lost := r.lost
	r.mu.Unlock()

	var errs []error
	if err := h.flush(ctx, r); err != nil {
		errs = append(errs, err)
	}
	if !lost {
		if err := h.locks.Clear(ctx, r.taskID); err != nil {
			errs = append(errs, fmt.Errorf("clear lock: %w", err))
		}
		h.disown(ctx, r.taskID)
	}
	for _, userID := range editors {
		h.presence.LeaveTask(userID, r.taskID)
	}
	if msg, err := protocol.NewMessage(r.sessionID, protocol.TypeLeave, "", protocol.LeavePayload{Reason: protocol.LeaveReasonClosed}, h.now()); err == nil {
		h.publish(ctx, []outgoing{{sessionID: r.sessionID, msg: msg}})
	}
	log.Printf("hub: session %s for task %s closed", r.sessionID, r.taskID)
	return errors.Join(errs...)
}

// Close tears down every open session.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		if err := h.teardown(ctx, r, false); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", r.taskID, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) finishTeardown(r *room) {
	h.mu.Lock()
	if h.closing[r.taskID] == r {
		delete(h.closing, r.taskID)
	}
	h.epoch++
	h.mu.Unlock()
	close(r.done)
}
