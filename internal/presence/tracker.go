// Package presence tracks who is online, who has gone quiet, and what each
// user is doing. Presence is account-wide: it is shared by every editing
// session and outlives them.
//
// Status is derived from the time of the last observed activity whenever it
// is read, so a missed disconnect signal still decays to offline.
package presence

import (
	"sort"
	"sync"
	"time"

	"taskcollab/api/internal/operation"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

const (
	DefaultIdleAfter    = 60 * time.Second
	DefaultOfflineAfter = 90 * time.Second
)

type Record struct {
	UserID   string          `json:"userId"`
	Status   Status          `json:"status"`
	TaskID   string          `json:"taskId,omitempty"`
	Field    operation.Field `json:"field,omitempty"`
	LastSeen time.Time       `json:"lastSeen"`
}

// Cursor is a user's caret in one field. Cursors are never persisted.
type Cursor struct {
	Field     operation.Field `json:"field"`
	Offset    int             `json:"offset"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Options struct {
	IdleAfter    time.Duration
	OfflineAfter time.Duration
	Now          func() time.Time
}

type entry struct {
	taskID       string
	field        operation.Field
	lastSeen     time.Time
	disconnected bool
	cursors      map[operation.Field]Cursor
}

type Tracker struct {
	mu           sync.RWMutex
	idleAfter    time.Duration
	offlineAfter time.Duration
	now          func() time.Time
	users        map[string]*entry
}

func NewTracker(opts Options) *Tracker {
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = DefaultIdleAfter
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = DefaultOfflineAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		idleAfter:    opts.IdleAfter,
		offlineAfter: opts.OfflineAfter,
		now:          opts.Now,
		users:        make(map[string]*entry),
	}
}

// Derive computes a status from the last activity time.
func Derive(lastSeen, now time.Time, idleAfter, offlineAfter time.Duration) Status {
	if lastSeen.IsZero() {
		return StatusOffline
	}
	silence := now.Sub(lastSeen)
	switch {
	case silence > offlineAfter:
		return StatusOffline
	case silence > idleAfter:
		return StatusAway
	default:
		return StatusOnline
	}
}

func (t *Tracker) entryLocked(userID string) *entry {
	e, ok := t.users[userID]
	if !ok {
		e = &entry{cursors: make(map[operation.Field]Cursor)}
		t.users[userID] = e
	}
	return e
}

// Heartbeat records liveness for userID.
func (t *Tracker) Heartbeat(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(userID)
	e.lastSeen = t.now()
	e.disconnected = false
}

// Touch records activity on a task, and on a field when field is set.
func (t *Tracker) Touch(userID, taskID string, field operation.Field) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(userID)
	if e.taskID != taskID {
		e.cursors = make(map[operation.Field]Cursor)
	}
	e.taskID = taskID
	if field != "" {
		e.field = field
	}
	e.lastSeen = t.now()
	e.disconnected = false
}

func (t *Tracker) SetCursor(userID, taskID string, field operation.Field, offset int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(userID)
	if e.taskID != taskID {
		e.cursors = make(map[operation.Field]Cursor)
	}
	now := t.now()
	e.taskID = taskID
	e.field = field
	e.lastSeen = now
	e.disconnected = false
	e.cursors[field] = Cursor{Field: field, Offset: offset, UpdatedAt: now}
}

// LeaveTask clears what userID was doing on taskID without marking them
// offline: they may still be using the app elsewhere.
func (t *Tracker) LeaveTask(userID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	if !ok || e.taskID != taskID {
		return
	}
	e.taskID = ""
	e.field = ""
	e.cursors = make(map[operation.Field]Cursor)
}

// Disconnect marks userID offline and discards their cursors.
func (t *Tracker) Disconnect(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	if !ok {
		return
	}
	e.disconnected = true
	e.taskID = ""
	e.field = ""
	e.cursors = make(map[operation.Field]Cursor)
}

// Observe applies a presence record received from elsewhere. The last record
// received wins.
func (t *Tracker) Observe(record Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(record.UserID)
	if e.taskID != record.TaskID {
		e.cursors = make(map[operation.Field]Cursor)
	}
	e.taskID = record.TaskID
	e.field = record.Field
	e.lastSeen = record.LastSeen
	e.disconnected = record.Status == StatusOffline
}

func (t *Tracker) statusLocked(e *entry) Status {
	if e.disconnected {
		return StatusOffline
	}
	return Derive(e.lastSeen, t.now(), t.idleAfter, t.offlineAfter)
}

func (t *Tracker) Get(userID string) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.users[userID]
	if !ok {
		return Record{UserID: userID, Status: StatusOffline}
	}
	return t.recordLocked(userID, e)
}

func (t *Tracker) recordLocked(userID string, e *entry) Record {
	record := Record{UserID: userID, Status: t.statusLocked(e), LastSeen: e.lastSeen}
	if record.Status != StatusOffline {
		record.TaskID = e.taskID
		record.Field = e.field
	}
	return record
}

func (t *Tracker) Status(userID string) Status {
	return t.Get(userID).Status
}

// Activity is a short description of what userID is doing, empty unless
// they are online.
func (t *Tracker) Activity(userID string) string {
	record := t.Get(userID)
	if record.Status != StatusOnline {
		return ""
	}
	switch {
	case record.Field != "":
		return "editing " + string(record.Field)
	case record.TaskID != "":
		return "viewing task"
	default:
		return ""
	}
}

// Cursor returns userID's caret in field; stale users have no cursor.
func (t *Tracker) Cursor(userID string, field operation.Field) (Cursor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.users[userID]
	if !ok || t.statusLocked(e) == StatusOffline {
		return Cursor{}, false
	}
	cursor, ok := e.cursors[field]
	return cursor, ok
}

// OnTask lists the users currently present on taskID, sorted by user id.
func (t *Tracker) OnTask(taskID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for userID, e := range t.users {
		if e.taskID != taskID {
			continue
		}
		record := t.recordLocked(userID, e)
		if record.Status == StatusOffline {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
