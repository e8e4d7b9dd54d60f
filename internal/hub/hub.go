// Package hub is the editing authority. It owns one room per task being
// edited: the authoritative field state, the editor set, and the task lock.
// Every operation on a task is resolved by its room in arrival order and the
// result is broadcast to all participants through the transport.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"taskcollab/api/internal/locks"
	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/presence"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/rbac"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/store"
	"taskcollab/api/internal/transport"
	"taskcollab/api/internal/util"
)

var (
	ErrNotEditing     = errors.New("not editing this task")
	ErrForbidden      = errors.New("forbidden")
	ErrOwnedElsewhere = errors.New("task is edited on another node")
)

// OwnedElsewhereError is returned by Join when another node is the authority
// for the task.
type OwnedElsewhereError struct {
	Node string
}

func (e *OwnedElsewhereError) Error() string {
	return fmt.Sprintf("task is edited on node %s", e.Node)
}

func (e *OwnedElsewhereError) Is(target error) bool {
	return target == ErrOwnedElsewhere
}

const recentAcks = 16

// Persistence loads and saves the durable copy of a task.
type Persistence interface {
	LoadTask(ctx context.Context, taskID string) (store.TaskRecord, error)
	SaveTaskField(ctx context.Context, taskID string, field operation.Field, value store.FieldRecord) (bool, error)
}

// PresenceMirror shares presence records with other nodes.
type PresenceMirror interface {
	Save(ctx context.Context, record presence.Record) error
	Load(ctx context.Context, userID string, now time.Time) (presence.Record, error)
}

type Options struct {
	Store     Persistence
	Locks     locks.Store
	Transport transport.Transport
	Presence  *presence.Tracker
	Mirror    PresenceMirror
	// Owners leases each task to one node when several share Store. Nil
	// means this hub is the only authority.
	Owners locks.Store
	NodeID string

	Window        int
	SessionIdle   time.Duration
	TeardownGrace time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

type Hub struct {
	store     Persistence
	locks     locks.Store
	transport transport.Transport
	presence  *presence.Tracker
	mirror    PresenceMirror
	owners    locks.Store
	nodeID    string

	window        int
	sessionIdle   time.Duration
	teardownGrace time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
	// closing holds rooms torn down but not yet flushed; epoch counts
	// finished teardowns.
	closing map[string]*room
	epoch   uint64
}

type editor struct {
	identity     protocol.Identity
	joinedAt     time.Time
	lastActivity time.Time
	field        operation.Field
	cursor       *int
}

type room struct {
	mu         sync.Mutex
	taskID     string
	sessionID  string
	resolver   *resolver.Resolver
	editors    map[string]*editor
	dirty      mapset.Set[operation.Field]
	acks       map[string][]resolver.Applied
	notices    map[string][]resolver.Overwrite
	emptySince time.Time
	timedOut   bool
	closed     bool
	lost       bool
	done       chan struct{}
}

type outgoing struct {
	sessionID string
	msg       protocol.Message
}

func New(opts Options) *Hub {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Locks == nil {
		opts.Locks = locks.NewMemoryStore()
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewLocal()
	}
	if opts.Presence == nil {
		opts.Presence = presence.NewTracker(presence.Options{Now: opts.Now})
	}
	if opts.Window <= 0 {
		opts.Window = resolver.DefaultWindow
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 5 * time.Minute
	}
	if opts.TeardownGrace < 0 {
		opts.TeardownGrace = 0
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NodeID == "" {
		opts.NodeID = util.NewID("node")
	}
	return &Hub{
		store:         opts.Store,
		locks:         opts.Locks,
		transport:     opts.Transport,
		presence:      opts.Presence,
		mirror:        opts.Mirror,
		owners:        opts.Owners,
		nodeID:        opts.NodeID,
		window:        opts.Window,
		sessionIdle:   opts.SessionIdle,
		teardownGrace: opts.TeardownGrace,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		rooms:         make(map[string]*room),
		closing:       make(map[string]*room),
	}
}

func (h *Hub) Presence() *presence.Tracker {
	return h.presence
}

func (h *Hub) Transport() transport.Transport {
	return h.transport
}

// Join adds who to the editing session for taskID, opening the session if
// none is active. Joining twice is harmless.
func (h *Hub) Join(ctx context.Context, taskID string, who protocol.Identity) (protocol.Snapshot, error) {
	if who.UserID == "" {
		return protocol.Snapshot{}, fmt.Errorf("join task: %w", ErrForbidden)
	}
	who.Role = string(rbac.Normalize(who.Role))
	if !rbac.Can(rbac.Role(who.Role), rbac.ActionRead) {
		return protocol.Snapshot{}, ErrForbidden
	}

	for {
		r, err := h.openRoom(ctx, taskID)
		if err != nil {
			return protocol.Snapshot{}, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		now := h.now()
		h.presence.Touch(who.UserID, taskID, "")
		var out []outgoing
		if existing, ok := r.editors[who.UserID]; ok {
			existing.identity = who
			existing.lastActivity = now
		} else {
			e := &editor{identity: who, joinedAt: now, lastActivity: now}
			r.editors[who.UserID] = e
			r.emptySince = time.Time{}
			r.timedOut = false
			if msg, err := protocol.NewMessage(r.sessionID, protocol.TypeJoin, who.UserID, protocol.JoinPayload{Editor: h.collaboratorLocked(e)}, now); err == nil {
				out = append(out, outgoing{sessionID: r.sessionID, msg: msg})
			}
		}
		holder, err := h.locks.Holder(ctx, taskID)
		if err != nil {
			log.Printf("hub: lock holder for %s: %v", taskID, err)
		}
		snapshot := h.snapshotLocked(r, holder)
		r.mu.Unlock()

		h.publish(ctx, out)
		h.mirrorPresence(ctx, who.UserID)
		return snapshot, nil
	}
}

// openRoom returns the room for taskID, loading the task into a new one when
// none is open. A session still closing is waited out so the new room starts
// from what it flushed.
func (h *Hub) openRoom(ctx context.Context, taskID string) (*room, error) {
	for {
		h.mu.Lock()
		if r, ok := h.rooms[taskID]; ok {
			h.mu.Unlock()
			return r, nil
		}
		closing, epoch := h.closing[taskID], h.epoch
		h.mu.Unlock()
		if closing != nil {
			select {
			case <-closing.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := h.claim(ctx, taskID); err != nil {
			return nil, err
		}
		r, err := h.loadRoom(ctx, taskID)
		if err != nil {
			h.disown(ctx, taskID)
			return nil, err
		}

		h.mu.Lock()
		if existing, ok := h.rooms[taskID]; ok {
			h.mu.Unlock()
			return existing, nil
		}
		if h.epoch != epoch {
			h.mu.Unlock()
			continue
		}
		h.rooms[taskID] = r
		h.mu.Unlock()
		log.Printf("hub: session %s opened for task %s", r.sessionID, taskID)
		return r, nil
	}
}

// claim takes or renews this node's lease on taskID.
func (h *Hub) claim(ctx context.Context, taskID string) error {
	if h.owners == nil {
		return nil
	}
	owner, ok, err := h.owners.Acquire(ctx, taskID, h.nodeID)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !ok {
		return &OwnedElsewhereError{Node: owner}
	}
	return nil
}

func (h *Hub) disown(ctx context.Context, taskID string) {
	if h.owners == nil {
		return
	}
	if _, err := h.owners.Release(ctx, taskID, h.nodeID); err != nil {
		log.Printf("hub: release task %s: %v", taskID, err)
	}
}

func (h *Hub) loadRoom(ctx context.Context, taskID string) (*room, error) {
	record, err := h.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	initial := make(map[operation.Field]resolver.FieldState, len(record.Fields))
	for field, value := range record.Fields {
		initial[field] = resolver.FieldState{Value: value.Value, Version: value.Version, UpdatedBy: value.UpdatedBy}
	}
	return &room{
		taskID:    taskID,
		sessionID: util.NewID("ses"),
		resolver:  resolver.New(initial, h.window),
		editors:   make(map[string]*editor),
		dirty:     mapset.NewSet[operation.Field](),
		acks:      make(map[string][]resolver.Applied),
		notices:   make(map[string][]resolver.Overwrite),
		done:      make(chan struct{}),
	}, nil
}

// room returns the open room for taskID locked, or ErrNotEditing.
func (h *Hub) room(taskID string) (*room, error) {
	h.mu.Lock()
	r, ok := h.rooms[taskID]
	h.mu.Unlock()
	if !ok {
		return nil, ErrNotEditing
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrNotEditing
	}
	return r, nil
}

// member returns the locked room and the caller's editor entry.
func (h *Hub) member(taskID, userID string) (*room, *editor, error) {
	r, err := h.room(taskID)
	if err != nil {
		return nil, nil, err
	}
	e, ok := r.editors[userID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrNotEditing
	}
	return r, e, nil
}

// Leave removes userID from the session and releases their lock. Leaving a
// session one is not part of is a no-op.
func (h *Hub) Leave(ctx context.Context, taskID, userID string) error {
	r, _, err := h.member(taskID, userID)
	if errors.Is(err, ErrNotEditing) {
		return nil
	}
	if err != nil {
		return err
	}
	out, err := h.removeLocked(ctx, r, userID, protocol.LeaveReasonLeft)
	r.mu.Unlock()

	h.publish(ctx, out)
	h.mirrorPresence(ctx, userID)
	return err
}

func (h *Hub) removeLocked(ctx context.Context, r *room, userID, reason string) ([]outgoing, error) {
	delete(r.editors, userID)
	delete(r.acks, userID)
	delete(r.notices, userID)
	h.presence.LeaveTask(userID, r.taskID)
	if len(r.editors) == 0 {
		r.emptySince = h.now()
	}

	var out []outgoing
	now := h.now()
	if msg, err := protocol.NewMessage(r.sessionID, protocol.TypeLeave, userID, protocol.LeavePayload{UserID: userID, Reason: reason}, now); err == nil {
		out = append(out, outgoing{sessionID: r.sessionID, msg: msg})
	}

	released, err := h.locks.Release(ctx, r.taskID, userID)
	if err != nil {
		return out, fmt.Errorf("release lock: %w", err)
	}
	if released {
		if msg, err := protocol.NewMessage(r.sessionID, protocol.TypeLock, userID, protocol.LockPayload{}, now); err == nil {
			out = append(out, outgoing{sessionID: r.sessionID, msg: msg})
		}
	}
	return out, nil
}

// Submit resolves op against the task's authoritative state. A resubmitted
// operation, identified by origin and sequence number, returns the original
// result without being applied again.
func (h *Hub) Submit(ctx context.Context, taskID string, op operation.Operation) (resolver.Applied, error) {
	if err := op.Validate(); err != nil {
		return resolver.Applied{}, err
	}
	r, e, err := h.member(taskID, op.UserID)
	if err != nil {
		return resolver.Applied{}, err
	}
	if !rbac.Can(rbac.Role(e.identity.Role), rbac.ActionEdit) {
		r.mu.Unlock()
		return resolver.Applied{}, ErrForbidden
	}
	if op.Seq != 0 {
		for _, prior := range r.acks[op.UserID] {
			if prior.Op.Seq == op.Seq {
				r.mu.Unlock()
				return prior, nil
			}
		}
	}

	holder, err := h.locks.Holder(ctx, taskID)
	if err != nil {
		r.mu.Unlock()
		return resolver.Applied{}, fmt.Errorf("read lock holder: %w", err)
	}
	applied, err := r.resolver.Resolve(op, holder)
	if err != nil {
		r.mu.Unlock()
		return resolver.Applied{}, err
	}

	now := h.now()
	r.dirty.Add(op.Field)
	e.lastActivity = now
	e.field = op.Field
	h.presence.Touch(op.UserID, taskID, op.Field)
	if op.Seq != 0 {
		acks := append(r.acks[op.UserID], applied)
		if len(acks) > recentAcks {
			acks = acks[len(acks)-recentAcks:]
		}
		r.acks[op.UserID] = acks
	}
	for _, notice := range applied.Overwrites {
		if _, ok := r.editors[notice.LoserID]; ok {
			r.notices[notice.LoserID] = append(r.notices[notice.LoserID], notice)
		}
	}

	var out []outgoing
	if msg, err := protocol.NewMessage(r.sessionID, protocol.TypeOperation, op.UserID, applied, now); err == nil {
		out = append(out, outgoing{sessionID: r.sessionID, msg: msg})
	} else {
		log.Printf("hub: encode operation %s: %v", op.ID, err)
	}
	r.mu.Unlock()

	h.publish(ctx, out)
	h.mirrorPresence(ctx, op.UserID)
	return applied, nil
}

// Heartbeat records liveness for userID and returns the sync tick: field
// versions, the lock holder, and overwrite notices addressed to userID.
func (h *Hub) Heartbeat(ctx context.Context, taskID, userID string) (protocol.SyncTick, error) {
	r, e, err := h.member(taskID, userID)
	if err != nil {
		return protocol.SyncTick{}, err
	}
	now := h.now()
	e.lastActivity = now
	h.presence.Heartbeat(userID)
	h.presence.Touch(userID, taskID, "")

	holder, err := h.locks.Holder(ctx, taskID)
	if err != nil {
		r.mu.Unlock()
		return protocol.SyncTick{}, fmt.Errorf("read lock holder: %w", err)
	}
	if holder == userID {
		if _, err := h.locks.Refresh(ctx, taskID, userID); err != nil {
			log.Printf("hub: refresh lock on %s for %s: %v", taskID, userID, err)
		}
	}

	tick := protocol.SyncTick{
		SessionID:  r.sessionID,
		TaskID:     taskID,
		Versions:   make(map[operation.Field]uint64, len(operation.Fields)),
		LockHolder: holder,
		Notices:    r.notices[userID],
		At:         now,
	}
	delete(r.notices, userID)
	for field, state := range r.resolver.Snapshot() {
		tick.Versions[field] = state.Version
	}

	var out []outgoing
	if msg, err := protocol.NewMessage(r.sessionID, protocol.TypePresence, userID, h.presence.Get(userID), now); err == nil {
		out = append(out, outgoing{sessionID: r.sessionID, msg: msg})
	}
	r.mu.Unlock()

	h.publish(ctx, out)
	h.mirrorPresence(ctx, userID)
	return tick, nil
}

// SetLock acquires or releases the task lock for userID. It returns the
// holder after the call. Acquiring or releasing a lock someone else holds
// fails with a *resolver.LockConflictError naming them; releasing a lock
// nobody holds fails with resolver.ErrNotLockHolder.
func (h *Hub) SetLock(ctx context.Context, taskID, userID string, locked bool) (string, error) {
	r, e, err := h.member(taskID, userID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(rbac.Role(e.identity.Role), rbac.ActionLock) {
		r.mu.Unlock()
		return "", ErrForbidden
	}
	e.lastActivity = h.now()

	var (
		holder  string
		changed bool
	)
	if locked {
		current, _ := h.locks.Holder(ctx, taskID)
		var ok bool
		holder, ok, err = h.locks.Acquire(ctx, taskID, userID)
		if err == nil && !ok {
			err = &resolver.LockConflictError{Holder: holder}
		}
		changed = err == nil && current != userID
	} else {
		var released bool
		released, err = h.locks.Release(ctx, taskID, userID)
		if err == nil && !released {
			holder, err = h.locks.Holder(ctx, taskID)
			switch {
			case err == nil && holder != "":
				err = &resolver.LockConflictError{Holder: holder}
			case err == nil:
				err = resolver.ErrNotLockHolder
			}
		}
		changed = released
	}
	if err != nil {
		r.mu.Unlock()
		var conflict *resolver.LockConflictError
		if errors.As(err, &conflict) {
			return conflict.Holder, err
		}
		return "", fmt.Errorf("set lock: %w", err)
	}

	var out []outgoing
	if changed {
		payload := protocol.LockPayload{Holder: holder, Locked: holder != ""}
		if msg, err := protocol.NewMessage(r.sessionID, protocol.TypeLock, userID, payload, h.now()); err == nil {
			out = append(out, outgoing{sessionID: r.sessionID, msg: msg})
		}
	}
	r.mu.Unlock()

	h.publish(ctx, out)
	return holder, nil
}

// LockOwner returns the user holding the task lock, or empty.
func (h *Hub) LockOwner(ctx context.Context, taskID string) (string, error) {
	holder, err := h.locks.Holder(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("read lock holder: %w", err)
	}
	return holder, nil
}

// UpdateCursor records userID's caret and shares it with the session.
func (h *Hub) UpdateCursor(ctx context.Context, taskID, userID string, field operation.Field, offset int) error {
	if !field.Valid() {
		return &operation.ValueError{Field: field, Reason: "unknown field"}
	}
	if offset < 0 {
		return &operation.RangeError{Field: field, Start: offset}
	}
	r, e, err := h.member(taskID, userID)
	if err != nil {
		return err
	}
	now := h.now()
	e.lastActivity = now
	e.field = field
	e.cursor = &offset
	h.presence.SetCursor(userID, taskID, field, offset)

	var out []outgoing
	if msg, err := protocol.NewMessage(r.sessionID, protocol.TypeCursor, userID, protocol.CursorPayload{Field: field, Offset: offset}, now); err == nil {
		out = append(out, outgoing{sessionID: r.sessionID, msg: msg})
	}
	r.mu.Unlock()

	h.publish(ctx, out)
	h.mirrorPresence(ctx, userID)
	return nil
}

// Snapshot returns the current state of the session on taskID.
func (h *Hub) Snapshot(ctx context.Context, taskID string) (protocol.Snapshot, error) {
	r, err := h.room(taskID)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	defer r.mu.Unlock()
	holder, err := h.locks.Holder(ctx, taskID)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("read lock holder: %w", err)
	}
	return h.snapshotLocked(r, holder), nil
}

// SessionID returns the id of the active session on taskID.
func (h *Hub) SessionID(taskID string) (string, error) {
	r, err := h.room(taskID)
	if err != nil {
		return "", err
	}
	defer r.mu.Unlock()
	return r.sessionID, nil
}

// UserPresence reports userID's presence, consulting the mirror for users
// this node has not seen.
func (h *Hub) UserPresence(ctx context.Context, userID string) (presence.Record, error) {
	record := h.presence.Get(userID)
	if record.Status != presence.StatusOffline || h.mirror == nil {
		return record, nil
	}
	mirrored, err := h.mirror.Load(ctx, userID, h.now())
	if err != nil {
		return record, fmt.Errorf("load presence: %w", err)
	}
	return mirrored, nil
}

func (h *Hub) snapshotLocked(r *room, holder string) protocol.Snapshot {
	editors := make([]protocol.Collaborator, 0, len(r.editors))
	for _, e := range r.editors {
		editors = append(editors, h.collaboratorLocked(e))
	}
	sort.Slice(editors, func(i, j int) bool {
		if !editors[i].JoinedAt.Equal(editors[j].JoinedAt) {
			return editors[i].JoinedAt.Before(editors[j].JoinedAt)
		}
		return editors[i].UserID < editors[j].UserID
	})
	return protocol.Snapshot{
		SessionID:  r.sessionID,
		TaskID:     r.taskID,
		Fields:     r.resolver.Snapshot(),
		Editors:    editors,
		LockHolder: holder,
		TakenAt:    h.now(),
	}
}

func (h *Hub) collaboratorLocked(e *editor) protocol.Collaborator {
	c := protocol.Collaborator{
		UserID:       e.identity.UserID,
		DisplayName:  e.identity.DisplayName,
		Color:        e.identity.Color,
		Role:         e.identity.Role,
		JoinedAt:     e.joinedAt,
		LastActivity: e.lastActivity,
		Field:        e.field,
		Status:       h.presence.Status(e.identity.UserID),
		Activity:     h.presence.Activity(e.identity.UserID),
	}
	if e.cursor != nil {
		offset := *e.cursor
		c.Cursor = &offset
	}
	return c
}

func (h *Hub) publish(ctx context.Context, out []outgoing) {
	for _, o := range out {
		if err := h.transport.Send(ctx, o.sessionID, o.msg); err != nil {
			log.Printf("hub: broadcast %s on %s: %v", o.msg.Type, o.sessionID, err)
		}
	}
}

func (h *Hub) mirrorPresence(ctx context.Context, userID string) {
	if h.mirror == nil {
		return
	}
	if err := h.mirror.Save(ctx, h.presence.Get(userID)); err != nil {
		log.Printf("hub: mirror presence for %s: %v", userID, err)
	}
}
