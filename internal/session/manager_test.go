package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/locks"
	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/presence"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/store"
	"taskcollab/api/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeAuthority forwards to a real hub unless submitFn overrides Submit.
type fakeAuthority struct {
	*hub.Hub
	submitFn func(ctx context.Context, taskID string, op operation.Operation) (resolver.Applied, error)
}

func (f *fakeAuthority) Submit(ctx context.Context, taskID string, op operation.Operation) (resolver.Applied, error) {
	if f.submitFn != nil {
		return f.submitFn(ctx, taskID, op)
	}
	return f.Hub.Submit(ctx, taskID, op)
}

type env struct {
	hub   *hub.Hub
	bus   *transport.Local
	clock *fakeClock
}

var (
	alice = protocol.Identity{UserID: "alice", DisplayName: "Alice", Color: "#E8590C", Role: "owner"}
	bob   = protocol.Identity{UserID: "bob", DisplayName: "Bob", Color: "#1971C2", Role: "partner"}
)

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	tasks := store.NewMemoryStore()
	if _, err := tasks.CreateTask(context.Background(), "task-1", "alice"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	bus := transport.NewLocal()
	h := hub.New(hub.Options{
		Store:         tasks,
		Locks:         locks.NewMemoryStore(),
		Transport:     bus,
		Presence:      presence.NewTracker(presence.Options{Now: clock.Now}),
		TeardownGrace: 30 * time.Second,
		Now:           clock.Now,
	})
	return &env{hub: h, bus: bus, clock: clock}
}

func (e *env) manager(t *testing.T, authority Authority) *Manager {
	t.Helper()
	if authority == nil {
		authority = e.hub
	}
	return New(Options{
		Authority:  authority,
		Transport:  e.bus,
		Presence:   presence.NewTracker(presence.Options{Now: e.clock.Now}),
		AckTimeout: time.Second,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		Now:        e.clock.Now,
	})
}

func (e *env) start(t *testing.T, who protocol.Identity) *Manager {
	t.Helper()
	m := e.manager(t, nil)
	if err := m.StartEditing(context.Background(), "task-1", who); err != nil {
		t.Fatalf("StartEditing(%s) failed: %v", who.UserID, err)
	}
	return m
}

func waitFor(t *testing.T, m *Manager, want EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-m.Events():
			if event.Type == want {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func mustApply(t *testing.T, m *Manager, op operation.Operation) {
	t.Helper()
	ok, err := m.ApplyOperation(context.Background(), op)
	if err != nil || !ok {
		t.Fatalf("ApplyOperation failed: ok=%v err=%v", ok, err)
	}
}

func TestReplaceOnEmptyTitle(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	b := e.start(t, bob)

	op, err := a.CreateTextOperation("alice", operation.FieldTitle, operation.KindReplace, "Buy milk", 0, 0)
	if err != nil {
		t.Fatalf("CreateTextOperation failed: %v", err)
	}
	if op.BaseVersion != 0 {
		t.Fatalf("expected base version 0, got %d", op.BaseVersion)
	}
	mustApply(t, a, op)

	if got := a.Value(operation.FieldTitle); got != "Buy milk" {
		t.Fatalf("expected Buy milk, got %q", got)
	}
	if got := a.Version(operation.FieldTitle); got != 1 {
		t.Fatalf("expected version 1, got %d", got)
	}
	if len(a.Pending()) != 0 {
		t.Fatalf("expected nothing pending, got %+v", a.Pending())
	}

	if got := b.Value(operation.FieldTitle); got != "Buy milk" || b.Version(operation.FieldTitle) != 1 {
		t.Fatalf("expected bob to converge, got %q v%d", got, b.Version(operation.FieldTitle))
	}
	remote := waitFor(t, b, EventRemote)
	if remote.UserID != "alice" || remote.Value != "Buy milk" {
		t.Fatalf("unexpected remote event: %+v", remote)
	}
}

func TestCreateTextOperationRejectsBadRange(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)

	if _, err := a.CreateTextOperation("alice", operation.FieldTitle, operation.KindReplace, "x", 0, 3); !errors.Is(err, operation.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := a.CreateTextOperation("bob", operation.FieldTitle, operation.KindInsert, "x", 0, 0); !errors.Is(err, ErrWrongUser) {
		t.Fatalf("expected ErrWrongUser, got %v", err)
	}
	if _, err := a.CreateFieldOperation("alice", operation.FieldStatus, "blocked"); !errors.Is(err, operation.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestLockIsExclusive(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	b := e.start(t, bob)
	ctx := context.Background()

	ok, err := a.ToggleTaskLock(ctx, "alice", true)
	if err != nil || !ok {
		t.Fatalf("expected alice to take the lock, got ok=%v err=%v", ok, err)
	}
	ok, err = b.ToggleTaskLock(ctx, "bob", true)
	if err != nil || ok {
		t.Fatalf("expected bob's attempt to fail quietly, got ok=%v err=%v", ok, err)
	}
	if owner := b.GetLockOwner(); owner != "alice" {
		t.Fatalf("expected alice as owner, got %q", owner)
	}
	if !a.IsTaskLocked() || !b.IsTaskLocked() {
		t.Fatal("expected both replicas to see the task locked")
	}

	op, _ := b.CreateTextOperation("bob", operation.FieldTitle, operation.KindInsert, "x", 0, 0)
	ok, err = b.ApplyOperation(ctx, op)
	if ok || !errors.Is(err, resolver.ErrLockConflict) {
		t.Fatalf("expected lock conflict, got ok=%v err=%v", ok, err)
	}
	if b.Version(operation.FieldTitle) != 0 || b.Value(operation.FieldTitle) != "" {
		t.Fatal("expected rejected operation to leave the field unchanged")
	}

	ok, err = a.ToggleTaskLock(ctx, "alice", false)
	if err != nil || !ok {
		t.Fatalf("expected alice to release, got ok=%v err=%v", ok, err)
	}
	if b.IsTaskLocked() {
		t.Fatal("expected bob to see the lock released")
	}

	ok, err = b.ToggleTaskLock(ctx, "bob", false)
	if err != nil || ok {
		t.Fatalf("expected releasing an unheld lock to fail quietly, got ok=%v err=%v", ok, err)
	}
	if b.IsTaskLocked() || !b.Connected() {
		t.Fatal("expected bob unlocked and still connected")
	}
}

func TestWholeFieldReplaceConflictsWithConcurrentText(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	b := e.start(t, bob)

	first, _ := a.CreateTextOperation("alice", operation.FieldTitle, operation.KindReplace, "Buy milk", 0, 0)
	mustApply(t, a, first)

	late, err := b.CreateTextOperation("bob", operation.FieldTitle, operation.KindInsert, " now", 8, 0)
	if err != nil {
		t.Fatalf("CreateTextOperation failed: %v", err)
	}
	if late.BaseVersion != 1 {
		t.Fatalf("expected bob's edit based on version 1, got %d", late.BaseVersion)
	}

	replace, _ := a.CreateFieldOperation("alice", operation.FieldTitle, "Buy bread")
	mustApply(t, a, replace)

	ok, err := b.ApplyOperation(context.Background(), late)
	if ok || !errors.Is(err, resolver.ErrOverlapConflict) {
		t.Fatalf("expected overlap conflict, got ok=%v err=%v", ok, err)
	}
	rejected := waitFor(t, b, EventRejected)
	if rejected.Value != "Buy bread" || rejected.Op == nil || rejected.Op.ID != late.ID {
		t.Fatalf("expected rejection carrying the current value, got %+v", rejected)
	}
	if got := b.Value(operation.FieldTitle); got != "Buy bread" {
		t.Fatalf("expected bob rebased on Buy bread, got %q", got)
	}
	if len(b.Pending()) != 0 {
		t.Fatalf("expected rejected op dropped, got %+v", b.Pending())
	}
}

func TestConcurrentTextEditsConverge(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	b := e.start(t, bob)

	seed, _ := a.CreateFieldOperation("alice", operation.FieldDescription, "milk eggs")
	mustApply(t, a, seed)

	front, _ := a.CreateTextOperation("alice", operation.FieldDescription, operation.KindInsert, "Buy ", 0, 0)
	back, _ := b.CreateTextOperation("bob", operation.FieldDescription, operation.KindInsert, " bread", 9, 0)
	mustApply(t, a, front)
	mustApply(t, b, back)

	want := "Buy milk eggs bread"
	if got := a.Value(operation.FieldDescription); got != want {
		t.Fatalf("alice: expected %q, got %q", want, got)
	}
	if got := b.Value(operation.FieldDescription); got != want {
		t.Fatalf("bob: expected %q, got %q", want, got)
	}
	if a.Version(operation.FieldDescription) != b.Version(operation.FieldDescription) {
		t.Fatal("expected replicas at the same version")
	}
}

func TestPresenceOfCollaborators(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	b := e.start(t, bob)

	b.UpdateCursor("bob", operation.FieldTitle, 3)

	collaborators := a.GetCurrentCollaborators("alice")
	if len(collaborators) != 1 || collaborators[0].UserID != "bob" {
		t.Fatalf("expected bob as the only collaborator, got %+v", collaborators)
	}
	got := collaborators[0]
	if got.Activity != "editing title" || got.Status != presence.StatusOnline {
		t.Fatalf("unexpected presence: %+v", got)
	}
	if got.Cursor == nil || *got.Cursor != 3 || got.Color != "#1971C2" {
		t.Fatalf("unexpected cursor or color: %+v", got)
	}

	e.clock.Advance(65 * time.Second)
	got = a.GetCurrentCollaborators("alice")[0]
	if got.Status != presence.StatusAway || got.Activity != "" {
		t.Fatalf("expected bob away with no activity, got %+v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	b := e.start(t, bob)
	ctx := context.Background()

	if err := a.StartEditing(ctx, "task-1", alice); err != nil {
		t.Fatalf("repeated StartEditing failed: %v", err)
	}
	if n := len(b.GetCurrentCollaborators("bob")); n != 1 {
		t.Fatalf("expected one collaborator after repeated join, got %d", n)
	}

	if err := a.StopEditing(ctx, "alice"); err != nil {
		t.Fatalf("StopEditing failed: %v", err)
	}
	if err := a.StopEditing(ctx, "alice"); err != nil {
		t.Fatalf("StopEditing when not editing should be a no-op, got %v", err)
	}
	if n := len(b.GetCurrentCollaborators("bob")); n != 0 {
		t.Fatalf("expected alice gone from bob's view, got %d", n)
	}
	if _, err := e.hub.Snapshot(ctx, "task-1"); err != nil {
		t.Fatalf("expected session to persist while bob edits: %v", err)
	}

	if err := b.StopEditing(ctx, "bob"); err != nil {
		t.Fatalf("StopEditing failed: %v", err)
	}
	e.clock.Advance(31 * time.Second)
	if err := e.hub.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, err := e.hub.Snapshot(ctx, "task-1"); !errors.Is(err, hub.ErrNotEditing) {
		t.Fatalf("expected session torn down, got %v", err)
	}

	op := operation.Operation{Variant: operation.VariantField, Field: operation.FieldTitle, Kind: operation.KindReplace, Payload: "late", Origin: operation.Origin{UserID: "bob"}}
	if ok, err := b.ApplyOperation(ctx, op); ok || !errors.Is(err, ErrNotEditing) {
		t.Fatalf("expected ErrNotEditing without a fresh StartEditing, got ok=%v err=%v", ok, err)
	}
}

func TestOfflineEditsReplayOnReconnect(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	ctx := context.Background()

	e.bus.Disconnect(errors.New("link down"))
	if a.Connected() {
		t.Fatal("expected manager offline after transport disconnect")
	}
	waitFor(t, a, EventOffline)

	op, _ := a.CreateTextOperation("alice", operation.FieldTitle, operation.KindInsert, "Buy milk", 0, 0)
	ok, err := a.ApplyOperation(ctx, op)
	if ok || !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got ok=%v err=%v", ok, err)
	}
	if pending := a.Pending(); len(pending) != 1 || pending[0].ID != op.ID {
		t.Fatalf("expected op kept pending, got %+v", pending)
	}
	if got := a.Value(operation.FieldTitle); got != "Buy milk" {
		t.Fatalf("expected local view to include pending edit, got %q", got)
	}

	if err := a.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	waitFor(t, a, EventReconnected)
	if !a.Connected() || len(a.Pending()) != 0 {
		t.Fatalf("expected pending op replayed, connected=%v pending=%+v", a.Connected(), a.Pending())
	}
	if a.Version(operation.FieldTitle) != 1 || a.Value(operation.FieldTitle) != "Buy milk" {
		t.Fatalf("unexpected state after replay: %q v%d", a.Value(operation.FieldTitle), a.Version(operation.FieldTitle))
	}
}

func TestAckTimeoutLeavesOperationQueued(t *testing.T) {
	e := newEnv(t)
	authority := &fakeAuthority{Hub: e.hub}
	authority.submitFn = func(ctx context.Context, _ string, _ operation.Operation) (resolver.Applied, error) {
		<-ctx.Done()
		return resolver.Applied{}, ctx.Err()
	}
	a := New(Options{
		Authority:  authority,
		Transport:  e.bus,
		AckTimeout: 20 * time.Millisecond,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		Now:        e.clock.Now,
	})
	ctx := context.Background()
	if err := a.StartEditing(ctx, "task-1", alice); err != nil {
		t.Fatalf("StartEditing failed: %v", err)
	}

	op, _ := a.CreateFieldOperation("alice", operation.FieldPriority, operation.PriorityHigh)
	ok, err := a.ApplyOperation(ctx, op)
	if ok || !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline after ack timeout, got ok=%v err=%v", ok, err)
	}
	if a.Connected() {
		t.Fatal("expected manager offline after ack timeout")
	}
	if len(a.Pending()) != 1 {
		t.Fatalf("expected op still queued, got %+v", a.Pending())
	}

	authority.submitFn = nil
	if err := a.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if got := a.Value(operation.FieldPriority); got != operation.PriorityHigh || a.Version(operation.FieldPriority) != 1 {
		t.Fatalf("expected replayed op applied once, got %q v%d", got, a.Version(operation.FieldPriority))
	}
}

func TestLostAckIsNotAppliedTwice(t *testing.T) {
	e := newEnv(t)
	authority := &fakeAuthority{Hub: e.hub}
	a := New(Options{
		Authority:  authority,
		Transport:  transport.NewLocal(),
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		Now:        e.clock.Now,
	})
	ctx := context.Background()
	if err := a.StartEditing(ctx, "task-1", alice); err != nil {
		t.Fatalf("StartEditing failed: %v", err)
	}

	authority.submitFn = func(ctx context.Context, taskID string, op operation.Operation) (resolver.Applied, error) {
		if _, err := e.hub.Submit(ctx, taskID, op); err != nil {
			return resolver.Applied{}, err
		}
		return resolver.Applied{}, errors.New("connection reset")
	}
	op, _ := a.CreateTextOperation("alice", operation.FieldDescription, operation.KindInsert, "once", 0, 0)
	if ok, err := a.ApplyOperation(ctx, op); ok || !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got ok=%v err=%v", ok, err)
	}

	authority.submitFn = nil
	if err := a.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if got := a.Value(operation.FieldDescription); got != "once" || a.Version(operation.FieldDescription) != 1 {
		t.Fatalf("expected a single application, got %q v%d", got, a.Version(operation.FieldDescription))
	}
}

func TestStagedEditsCoalesceUntilFlush(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	b := e.start(t, bob)

	for i, ch := range []string{"B", "u", "y"} {
		op, err := a.CreateTextOperation("alice", operation.FieldTitle, operation.KindInsert, ch, i, 0)
		if err != nil {
			t.Fatalf("CreateTextOperation failed: %v", err)
		}
		if err := a.Stage(op); err != nil {
			t.Fatalf("Stage failed: %v", err)
		}
	}

	if dirty := a.Dirty(); len(dirty) != 1 || dirty[0] != operation.FieldTitle {
		t.Fatalf("expected title dirty, got %v", dirty)
	}
	if pending := a.Pending(); len(pending) != 1 || pending[0].Payload != "Buy" {
		t.Fatalf("expected one coalesced edit, got %+v", pending)
	}
	if got := a.Value(operation.FieldTitle); got != "Buy" {
		t.Fatalf("expected local view Buy, got %q", got)
	}
	if got := b.Value(operation.FieldTitle); got != "" {
		t.Fatalf("expected staged edits to stay local, got %q", got)
	}

	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if a.IsDirty(operation.FieldTitle) || len(a.Pending()) != 0 {
		t.Fatal("expected nothing staged or pending after flush")
	}
	if b.Value(operation.FieldTitle) != "Buy" || b.Version(operation.FieldTitle) != 1 {
		t.Fatalf("expected one operation to reach bob, got %q v%d", b.Value(operation.FieldTitle), b.Version(operation.FieldTitle))
	}
}

func TestDebounceFlushesAutomatically(t *testing.T) {
	e := newEnv(t)
	a := New(Options{
		Authority: e.hub,
		Transport: e.bus,
		Debounce:  10 * time.Millisecond,
		Now:       e.clock.Now,
	})
	if err := a.StartEditing(context.Background(), "task-1", alice); err != nil {
		t.Fatalf("StartEditing failed: %v", err)
	}

	op, _ := a.CreateTextOperation("alice", operation.FieldDescription, operation.KindInsert, "note", 0, 0)
	if err := a.Stage(op); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	applied := waitFor(t, a, EventApplied)
	if applied.Value != "note" || applied.Version != 1 {
		t.Fatalf("unexpected applied event: %+v", applied)
	}
}

func TestSyncDeliversOverwriteNotices(t *testing.T) {
	e := newEnv(t)
	a := e.start(t, alice)
	b := e.start(t, bob)

	mine, _ := b.CreateFieldOperation("bob", operation.FieldStatus, operation.StatusInProgress)
	theirs, _ := a.CreateFieldOperation("alice", operation.FieldStatus, operation.StatusCompleted)
	mustApply(t, b, mine)
	mustApply(t, a, theirs)

	if err := b.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	event := waitFor(t, b, EventOverwritten)
	if event.Notice == nil || event.Notice.WinnerID != "alice" || event.Value != operation.StatusInProgress {
		t.Fatalf("unexpected overwrite event: %+v", event)
	}
	if got := b.Value(operation.FieldStatus); got != operation.StatusCompleted {
		t.Fatalf("expected last writer to win, got %q", got)
	}
	if b.LastSync().IsZero() {
		t.Fatal("expected LastSync recorded")
	}
}
