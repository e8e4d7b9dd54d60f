// Package session is the client side of collaborative task editing. A
// Manager keeps the confirmed state of the task being edited, the user's
// operations still waiting for the authority, and the other editors in the
// session. The local view of a field is its confirmed value with pending
// operations reapplied on top.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mapset "github.com/deckarep/golang-set/v2"

	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/outbox"
	"taskcollab/api/internal/presence"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/store"
	"taskcollab/api/internal/transport"
)

var (
	ErrNotEditing = hub.ErrNotEditing
	// ErrOffline means the authority could not be reached. Operations stay
	// queued and are replayed by Reconnect.
	ErrOffline = errors.New("offline")
	// ErrWrongUser means the caller is not the user this Manager edits as.
	ErrWrongUser = errors.New("identity does not match editing user")
)

// Authority is the editing authority as seen from a client. *hub.Hub
// satisfies it in process; client.Client over HTTP.
type Authority interface {
	Join(ctx context.Context, taskID string, who protocol.Identity) (protocol.Snapshot, error)
	Leave(ctx context.Context, taskID, userID string) error
	Submit(ctx context.Context, taskID string, op operation.Operation) (resolver.Applied, error)
	Heartbeat(ctx context.Context, taskID, userID string) (protocol.SyncTick, error)
	SetLock(ctx context.Context, taskID, userID string, locked bool) (string, error)
	LockOwner(ctx context.Context, taskID string) (string, error)
	UpdateCursor(ctx context.Context, taskID, userID string, field operation.Field, offset int) error
	Snapshot(ctx context.Context, taskID string) (protocol.Snapshot, error)
}

// Outbox stores operations the authority has not acknowledged, in order.
type Outbox interface {
	Append(taskID string, op operation.Operation) error
	Pending(taskID string) ([]operation.Operation, error)
	Remove(taskID, opID string) error
}

type Options struct {
	Authority Authority
	Transport transport.Transport
	Presence  *presence.Tracker
	Outbox    Outbox

	// HeartbeatInterval drives the background sync loop; zero disables it
	// and callers invoke Sync themselves.
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	// Debounce is how long staged edits wait before being submitted; zero
	// leaves them staged until Flush.
	Debounce   time.Duration
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

type outcome struct {
	done     bool
	accepted bool
	err      error
}

type Manager struct {
	authority  Authority
	transport  transport.Transport
	presence   *presence.Tracker
	outbox     Outbox
	heartbeat  time.Duration
	ackTimeout time.Duration
	debounce   time.Duration
	newBackOff func() backoff.BackOff
	now        func() time.Time
	events     chan Event

	// submitMu keeps submissions in outbox order. It is never held together
	// with mu while calling the authority.
	submitMu sync.Mutex

	mu          sync.Mutex
	taskID      string
	sessionID   string
	who         protocol.Identity
	editing     bool
	connected   bool
	lastSync    time.Time
	confirmed   map[operation.Field]resolver.FieldState
	editors     map[string]protocol.Collaborator
	lockHolder  string
	seq         uint64
	staged      []operation.Operation
	dirty       mapset.Set[operation.Field]
	flushTimer  *time.Timer
	waiting     map[string]*outcome
	unsubscribe func()
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
}

func New(opts Options) *Manager {
	if opts.Presence == nil {
		opts.Presence = presence.NewTracker(presence.Options{Now: opts.Now})
	}
	if opts.Outbox == nil {
		opts.Outbox = outbox.NewMemory()
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewLocal()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		authority:  opts.Authority,
		transport:  opts.Transport,
		presence:   opts.Presence,
		outbox:     opts.Outbox,
		heartbeat:  opts.HeartbeatInterval,
		ackTimeout: opts.AckTimeout,
		debounce:   opts.Debounce,
		newBackOff: opts.NewBackOff,
		now:        opts.Now,
		events:     make(chan Event, 128),
		confirmed:  make(map[operation.Field]resolver.FieldState),
		editors:    make(map[string]protocol.Collaborator),
		dirty:      mapset.NewSet[operation.Field](),
		waiting:    make(map[string]*outcome),
		seq:        uint64(opts.Now().UnixNano()),
	}
	m.transport.OnDisconnect(func(err error) {
		m.goOffline(fmt.Errorf("transport: %w", err))
	})
	return m
}

// Events streams what happens to the session. Events are dropped when the
// consumer falls more than the buffer behind.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(event Event) {
	if event.At.IsZero() {
		event.At = m.now()
	}
	select {
	case m.events <- event:
	default:
		log.Printf("session: event buffer full, dropping %s", event.Type)
	}
}

// StartEditing joins the session on taskID as who. Calling it again for the
// same task and user is a no-op; calling it for another task leaves the
// current one first.
func (m *Manager) StartEditing(ctx context.Context, taskID string, who protocol.Identity) error {
	m.mu.Lock()
	if m.editing && m.taskID == taskID && m.who.UserID == who.UserID {
		m.mu.Unlock()
		return nil
	}
	previous := ""
	if m.editing {
		previous = m.who.UserID
	}
	m.mu.Unlock()

	if previous != "" {
		if err := m.StopEditing(ctx, previous); err != nil {
			log.Printf("session: leave previous task: %v", err)
		}
	}

	snapshot, err := m.authority.Join(ctx, taskID, who)
	if err != nil {
		return fmt.Errorf("start editing %s: %w", taskID, err)
	}
	pending, err := m.outbox.Pending(taskID)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	m.mu.Lock()
	m.taskID = taskID
	m.who = who
	m.editing = true
	for _, op := range pending {
		if op.Seq > m.seq {
			m.seq = op.Seq
		}
	}
	m.mu.Unlock()

	m.adopt(snapshot)
	m.presence.Touch(who.UserID, taskID, "")
	m.startLoop()

	if len(pending) > 0 {
		if _, err := m.drain(ctx, ""); err != nil {
			log.Printf("session: replay %d pending operations: %v", len(pending), err)
		}
	}
	return nil
}

// StopEditing leaves the session. Staged edits are submitted first; anything
// the authority has not acknowledged stays in the outbox. Stopping when not
// editing is a no-op.
func (m *Manager) StopEditing(ctx context.Context, userID string) error {
	m.mu.Lock()
	if !m.editing || m.who.UserID != userID {
		m.mu.Unlock()
		return nil
	}
	connected := m.connected
	m.mu.Unlock()

	if err := m.Flush(ctx); err != nil && !errors.Is(err, ErrOffline) {
		log.Printf("session: flush before leaving: %v", err)
	}
	m.stopLoopAndWait()

	m.mu.Lock()
	taskID := m.taskID
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.editing = false
	m.connected = false
	m.sessionID = ""
	m.editors = make(map[string]protocol.Collaborator)
	m.lockHolder = ""
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.presence.LeaveTask(userID, taskID)
	if !connected {
		return nil
	}
	if err := m.authority.Leave(ctx, taskID, userID); err != nil {
		return fmt.Errorf("stop editing %s: %w", taskID, err)
	}
	return nil
}

// adopt replaces local state with an authoritative snapshot and makes sure
// the Manager listens to the snapshot's session.
func (m *Manager) adopt(snapshot protocol.Snapshot) {
	m.mu.Lock()
	m.confirmed = make(map[operation.Field]resolver.FieldState, len(snapshot.Fields))
	for field, state := range snapshot.Fields {
		m.confirmed[field] = state
	}
	m.editors = make(map[string]protocol.Collaborator, len(snapshot.Editors))
	for _, editor := range snapshot.Editors {
		m.editors[editor.UserID] = editor
	}
	m.lockHolder = snapshot.LockHolder
	m.connected = true
	m.lastSync = m.now()
	resubscribe := m.sessionID != snapshot.SessionID || m.unsubscribe == nil
	m.sessionID = snapshot.SessionID
	var old func()
	if resubscribe {
		old = m.unsubscribe
		m.unsubscribe = nil
	}
	taskID := m.taskID
	m.mu.Unlock()

	for _, editor := range snapshot.Editors {
		if editor.Status != "" && editor.Status != presence.StatusOffline {
			m.presence.Touch(editor.UserID, taskID, editor.Field)
		}
		if editor.Cursor != nil {
			m.presence.SetCursor(editor.UserID, taskID, editor.Field, *editor.Cursor)
		}
	}

	if !resubscribe {
		return
	}
	if old != nil {
		old()
	}
	cancel := m.transport.OnMessage(snapshot.SessionID, m.onMessage)
	m.mu.Lock()
	replaced := m.unsubscribe
	m.unsubscribe = cancel
	m.mu.Unlock()
	if replaced != nil {
		replaced()
	}
}

func (m *Manager) identity(userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.editing {
		return "", ErrNotEditing
	}
	if userID != m.who.UserID {
		return "", ErrWrongUser
	}
	return m.taskID, nil
}

func (m *Manager) nextOrigin(field operation.Field) operation.Origin {
	m.seq++
	return operation.Origin{UserID: m.who.UserID, Seq: m.seq, BaseVersion: m.confirmed[field].Version}
}

// CreateTextOperation builds a character-range edit of the local view of
// field, computed against its confirmed version.
func (m *Manager) CreateTextOperation(userID string, field operation.Field, kind operation.Kind, payload string, start, length int) (operation.Operation, error) {
	if _, err := m.identity(userID); err != nil {
		return operation.Operation{}, err
	}
	value := m.Value(field)

	m.mu.Lock()
	defer m.mu.Unlock()
	return operation.NewText(m.nextOrigin(field), field, kind, payload, start, length, len([]rune(value)))
}

// CreateFieldOperation builds a whole-value replacement of field.
func (m *Manager) CreateFieldOperation(userID string, field operation.Field, value string) (operation.Operation, error) {
	if _, err := m.identity(userID); err != nil {
		return operation.Operation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return operation.NewField(m.nextOrigin(field), field, value)
}

// ApplyOperation submits op, after anything submitted or staged before it,
// and reports whether the authority accepted it. A rejection returns false
// with the reason. When the authority cannot be reached op stays queued and
// the error matches ErrOffline.
func (m *Manager) ApplyOperation(ctx context.Context, op operation.Operation) (bool, error) {
	taskID, err := m.identity(op.UserID)
	if err != nil {
		return false, err
	}
	if err := op.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	staged := m.takeStagedLocked()
	m.waiting[op.ID] = &outcome{}
	m.mu.Unlock()

	for _, s := range staged {
		if err := m.outbox.Append(taskID, s); err != nil {
			return false, fmt.Errorf("queue staged operation: %w", err)
		}
	}
	if err := m.outbox.Append(taskID, op); err != nil {
		m.forget(op.ID)
		return false, fmt.Errorf("queue operation: %w", err)
	}
	return m.drain(ctx, op.ID)
}

func (m *Manager) forget(opID string) {
	m.mu.Lock()
	delete(m.waiting, opID)
	m.mu.Unlock()
}

// drain submits queued operations in order until target has been resolved,
// or until the outbox is empty when target is empty.
func (m *Manager) drain(ctx context.Context, target string) (bool, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	if target != "" {
		defer m.forget(target)
	}

	for {
		m.mu.Lock()
		taskID, editing, connected := m.taskID, m.editing, m.connected
		if result, ok := m.waiting[target]; ok && result.done {
			m.mu.Unlock()
			return result.accepted, result.err
		}
		m.mu.Unlock()

		if !editing {
			return false, ErrNotEditing
		}
		if !connected {
			return false, ErrOffline
		}
		pending, err := m.outbox.Pending(taskID)
		if err != nil {
			return false, fmt.Errorf("read outbox: %w", err)
		}
		if len(pending) == 0 {
			if target != "" {
				return false, fmt.Errorf("operation %s left the outbox unresolved: %w", target, ErrOffline)
			}
			return false, nil
		}

		op := pending[0]
		submitCtx, cancel := context.WithTimeout(ctx, m.ackTimeout)
		applied, err := m.authority.Submit(submitCtx, taskID, op)
		cancel()
		if err != nil && !rejected(err) {
			m.goOffline(err)
			return false, fmt.Errorf("%w: %v", ErrOffline, err)
		}
		if removeErr := m.outbox.Remove(taskID, op.ID); removeErr != nil {
			log.Printf("session: remove %s from outbox: %v", op.ID, removeErr)
		}

		if err != nil {
			m.reject(ctx, op, err)
		} else {
			m.absorb(applied)
			resolved := applied.Op
			m.emit(Event{Type: EventApplied, TaskID: taskID, Field: op.Field, Op: &resolved, Value: applied.Value, Version: applied.Op.Version, UserID: op.UserID})
		}

		m.mu.Lock()
		if result, ok := m.waiting[op.ID]; ok {
			result.done = true
			result.accepted = err == nil
			result.err = err
		}
		m.mu.Unlock()
	}
}

// rejected reports whether err is the authority refusing an operation, as
// opposed to failing to answer.
func rejected(err error) bool {
	for _, target := range []error{
		operation.ErrInvalidRange,
		operation.ErrInvalidValue,
		resolver.ErrLockConflict,
		resolver.ErrOverlapConflict,
		resolver.ErrStaleFieldVersion,
		hub.ErrForbidden,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// reject reports a refused operation. Conflicts refetch the authoritative
// state so the user can rebase on it.
func (m *Manager) reject(ctx context.Context, op operation.Operation, err error) {
	m.mu.Lock()
	taskID := m.taskID
	m.mu.Unlock()

	if errors.Is(err, resolver.ErrOverlapConflict) || errors.Is(err, resolver.ErrStaleFieldVersion) {
		if refreshErr := m.refresh(ctx); refreshErr != nil {
			log.Printf("session: refetch %s after conflict: %v", taskID, refreshErr)
		}
	}
	if errors.Is(err, resolver.ErrLockConflict) {
		var conflict *resolver.LockConflictError
		if errors.As(err, &conflict) {
			m.mu.Lock()
			m.lockHolder = conflict.Holder
			m.mu.Unlock()
		}
	}
	state := m.state(op.Field)
	m.emit(Event{Type: EventRejected, TaskID: taskID, Field: op.Field, Op: &op, Value: state.Value, Version: state.Version, UserID: op.UserID, Err: err})
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	taskID := m.taskID
	m.mu.Unlock()

	snapshot, err := m.authority.Snapshot(ctx, taskID)
	if err != nil {
		return err
	}
	m.adopt(snapshot)
	return nil
}

// absorb records an accepted operation. Replicas only move forward, so
// duplicate or out-of-order deliveries are ignored.
func (m *Manager) absorb(applied resolver.Applied) bool {
	m.mu.Lock()
	taskID := m.taskID
	me := m.who.UserID
	state := m.confirmed[applied.Op.Field]
	advanced := applied.Op.Version > state.Version
	if advanced {
		m.confirmed[applied.Op.Field] = resolver.FieldState{Value: applied.Value, Version: applied.Op.Version, UpdatedBy: applied.Op.UserID}
	}
	m.mu.Unlock()

	if applied.Op.UserID == me {
		if err := m.outbox.Remove(taskID, applied.Op.ID); err != nil {
			log.Printf("session: remove %s from outbox: %v", applied.Op.ID, err)
		}
	}
	return advanced
}

func (m *Manager) goOffline(err error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	taskID := m.taskID
	m.mu.Unlock()

	log.Printf("session: offline from %s: %v", taskID, err)
	m.emit(Event{Type: EventOffline, TaskID: taskID, Err: err})
}

// Reconnect rejoins the session with exponential backoff and replays every
// queued operation in order.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	taskID, who, editing := m.taskID, m.who, m.editing
	m.mu.Unlock()
	if !editing {
		return ErrNotEditing
	}

	var snapshot protocol.Snapshot
	join := func() error {
		s, err := m.authority.Join(ctx, taskID, who)
		if err != nil {
			if errors.Is(err, store.ErrTaskNotFound) || errors.Is(err, hub.ErrForbidden) {
				return backoff.Permanent(err)
			}
			return err
		}
		snapshot = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("session: reconnect to %s failed, retrying in %s: %v", taskID, wait, err)
	}
	if err := backoff.RetryNotify(join, backoff.WithContext(m.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("reconnect %s: %w", taskID, err)
	}

	// The old subscription may have died with the link.
	m.mu.Lock()
	stale := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if stale != nil {
		stale()
	}
	m.adopt(snapshot)
	m.emit(Event{Type: EventReconnected, TaskID: taskID})
	if _, err := m.drain(ctx, ""); err != nil {
		return fmt.Errorf("replay pending operations: %w", err)
	}
	return nil
}

// ToggleTaskLock asks for the task lock to be held (desired) or released.
// It reports whether the lock ended in the desired state for userID. Losing
// a race to another holder, or releasing a lock userID does not hold, is
// false with no error.
func (m *Manager) ToggleTaskLock(ctx context.Context, userID string, desired bool) (bool, error) {
	taskID, err := m.identity(userID)
	if err != nil {
		return false, err
	}

	holder, err := m.authority.SetLock(ctx, taskID, userID, desired)
	var conflict *resolver.LockConflictError
	if errors.As(err, &conflict) {
		m.setLockHolder(taskID, conflict.Holder)
		return false, nil
	}
	if errors.Is(err, resolver.ErrNotLockHolder) {
		m.setLockHolder(taskID, "")
		return false, nil
	}
	if err != nil {
		if !rejected(err) {
			m.goOffline(err)
		}
		return false, fmt.Errorf("toggle lock: %w", err)
	}
	m.setLockHolder(taskID, holder)
	return true, nil
}

func (m *Manager) setLockHolder(taskID, holder string) {
	m.mu.Lock()
	changed := m.lockHolder != holder
	m.lockHolder = holder
	m.mu.Unlock()
	if changed {
		m.emit(Event{Type: EventLockChanged, TaskID: taskID, UserID: holder})
	}
}

func (m *Manager) IsTaskLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockHolder != ""
}

// GetLockOwner returns the user holding the lock, or empty.
func (m *Manager) GetLockOwner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockHolder
}

// UpdateCursor shares the caret position. Failures are logged and never
// interrupt editing.
func (m *Manager) UpdateCursor(userID string, field operation.Field, position int) {
	taskID, err := m.identity(userID)
	if err != nil {
		log.Printf("session: cursor update ignored: %v", err)
		return
	}
	m.presence.SetCursor(userID, taskID, field, position)

	ctx, cancel := context.WithTimeout(context.Background(), m.ackTimeout)
	defer cancel()
	if err := m.authority.UpdateCursor(ctx, taskID, userID, field, position); err != nil {
		log.Printf("session: cursor update for %s on %s: %v", userID, taskID, err)
	}
}

// GetCurrentCollaborators lists the other editors with their live presence,
// in join order.
func (m *Manager) GetCurrentCollaborators(userID string) []protocol.Collaborator {
	m.mu.Lock()
	editors := make([]protocol.Collaborator, 0, len(m.editors))
	for id, editor := range m.editors {
		if id == userID {
			continue
		}
		editors = append(editors, editor)
	}
	m.mu.Unlock()

	for i := range editors {
		record := m.presence.Get(editors[i].UserID)
		editors[i].Status = record.Status
		editors[i].Activity = m.presence.Activity(editors[i].UserID)
		if record.Field != "" {
			editors[i].Field = record.Field
		}
		if cursor, ok := m.presence.Cursor(editors[i].UserID, editors[i].Field); ok {
			offset := cursor.Offset
			editors[i].Cursor = &offset
		} else {
			editors[i].Cursor = nil
		}
	}
	sort.Slice(editors, func(i, j int) bool {
		if !editors[i].JoinedAt.Equal(editors[j].JoinedAt) {
			return editors[i].JoinedAt.Before(editors[j].JoinedAt)
		}
		return editors[i].UserID < editors[j].UserID
	})
	return editors
}

func (m *Manager) state(field operation.Field) resolver.FieldState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed[field]
}

// Value is the local view of field: confirmed value plus pending and staged
// edits.
func (m *Manager) Value(field operation.Field) string {
	m.mu.Lock()
	value := m.confirmed[field].Value
	taskID := m.taskID
	staged := append([]operation.Operation(nil), m.staged...)
	m.mu.Unlock()

	pending, err := m.outbox.Pending(taskID)
	if err != nil {
		log.Printf("session: read outbox: %v", err)
	}
	for _, op := range append(pending, staged...) {
		if op.Field != field {
			continue
		}
		if next, err := op.Apply(value); err == nil {
			value = next
		}
	}
	return value
}

// Version is the confirmed version of field.
func (m *Manager) Version(field operation.Field) uint64 {
	return m.state(field).Version
}

// Pending lists queued then staged operations in submission order.
func (m *Manager) Pending() []operation.Operation {
	m.mu.Lock()
	taskID := m.taskID
	staged := append([]operation.Operation(nil), m.staged...)
	m.mu.Unlock()

	pending, err := m.outbox.Pending(taskID)
	if err != nil {
		log.Printf("session: read outbox: %v", err)
	}
	return append(pending, staged...)
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastSync is when the authority last answered a join or heartbeat.
func (m *Manager) LastSync() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}
