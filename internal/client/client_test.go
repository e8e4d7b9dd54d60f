package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"taskcollab/api/internal/app"
	"taskcollab/api/internal/auth"
	"taskcollab/api/internal/config"
	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/locks"
	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/presence"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/session"
	"taskcollab/api/internal/store"
	"taskcollab/api/internal/transport"
)

var (
	alice = protocol.Identity{UserID: "alice", DisplayName: "Alice", Role: "owner"}
	bob   = protocol.Identity{UserID: "bob", DisplayName: "Bob", Role: "partner"}
)

type server struct {
	url string
	hub *hub.Hub
}

func newServer(t *testing.T) *server {
	t.Helper()
	tasks := store.NewMemoryStore()
	h := hub.New(hub.Options{
		Store:     tasks,
		Locks:     locks.NewMemoryStore(),
		Transport: transport.NewLocal(),
		Presence:  presence.NewTracker(presence.Options{}),
	})
	cfg := config.Defaults()
	cfg.TokenSecret = "client-test"
	cfg.DevTokens = true
	svc := app.New(cfg, tasks, h)
	ts := httptest.NewServer(app.NewHTTPServer(svc, "*").Handler())
	t.Cleanup(ts.Close)
	return &server{url: ts.URL, hub: h}
}

func (s *server) client(t *testing.T, who protocol.Identity) *Client {
	t.Helper()
	token, err := IssueToken(context.Background(), s.url, who)
	if err != nil {
		t.Fatalf("IssueToken(%s) failed: %v", who.UserID, err)
	}
	return New(s.url, token, nil)
}

func (s *server) manager(t *testing.T, who protocol.Identity, taskID string) *session.Manager {
	t.Helper()
	c := s.client(t, who)
	stream := NewStream(s.url, c.token, taskID)
	t.Cleanup(func() { _ = stream.Close() })
	m := session.New(session.Options{
		Authority:  c,
		Transport:  stream,
		AckTimeout: 2 * time.Second,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	})
	if err := m.StartEditing(context.Background(), taskID, who); err != nil {
		t.Fatalf("StartEditing(%s) failed: %v", who.UserID, err)
	}
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitFor(t *testing.T, m *session.Manager, want session.EventType) session.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
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

func TestErrorsMapBackToSentinels(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	a := srv.client(t, alice)
	b := srv.client(t, bob)

	if _, err := a.Join(ctx, "missing", alice); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := a.CreateTask(ctx, "task-1"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := a.Snapshot(ctx, "task-1"); !errors.Is(err, hub.ErrNotEditing) {
		t.Fatalf("expected ErrNotEditing before anyone joins, got %v", err)
	}
	if _, err := New(srv.url, "bogus", nil).Join(ctx, "task-1", alice); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	snapshot, err := a.Join(ctx, "task-1", alice)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := b.Join(ctx, "task-1", bob); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	op := operation.Operation{
		ID:         "op-range",
		Variant:    operation.VariantText,
		Field:      operation.FieldTitle,
		Kind:       operation.KindInsert,
		Payload:    "x",
		RangeStart: 4,
		Origin:     operation.Origin{UserID: "bob", Seq: 1},
	}
	if _, err := b.Submit(ctx, "task-1", op); !errors.Is(err, operation.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}

	if _, err := b.SetLock(ctx, "task-1", "bob", false); !errors.Is(err, resolver.ErrNotLockHolder) {
		t.Fatalf("expected ErrNotLockHolder, got %v", err)
	}
	if holder, err := a.SetLock(ctx, "task-1", "alice", true); err != nil || holder != "alice" {
		t.Fatalf("expected alice to lock, got %q %v", holder, err)
	}
	_, err = b.SetLock(ctx, "task-1", "bob", true)
	var conflict *resolver.LockConflictError
	if !errors.As(err, &conflict) || conflict.Holder != "alice" {
		t.Fatalf("expected lock conflict held by alice, got %v", err)
	}
	if holder, err := b.LockOwner(ctx, "task-1"); err != nil || holder != "alice" {
		t.Fatalf("expected alice as owner, got %q %v", holder, err)
	}

	if got := snapshot.SessionID; got == "" {
		t.Fatal("expected a session id in the snapshot")
	}
}

func TestManagersConvergeOverHTTP(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	if err := srv.client(t, alice).CreateTask(ctx, "task-1"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	a := srv.manager(t, alice, "task-1")
	b := srv.manager(t, bob, "task-1")

	op, err := a.CreateTextOperation("alice", operation.FieldTitle, operation.KindReplace, "Buy milk", 0, 0)
	if err != nil {
		t.Fatalf("CreateTextOperation failed: %v", err)
	}
	if ok, err := a.ApplyOperation(ctx, op); err != nil || !ok {
		t.Fatalf("ApplyOperation failed: ok=%v err=%v", ok, err)
	}
	eventually(t, "bob to see the title", func() bool {
		return b.Value(operation.FieldTitle) == "Buy milk" && b.Version(operation.FieldTitle) == 1
	})

	edit, err := b.CreateTextOperation("bob", operation.FieldTitle, operation.KindInsert, " now", 8, 0)
	if err != nil {
		t.Fatalf("CreateTextOperation failed: %v", err)
	}
	if ok, err := b.ApplyOperation(ctx, edit); err != nil || !ok {
		t.Fatalf("ApplyOperation failed: ok=%v err=%v", ok, err)
	}
	eventually(t, "alice to see bob's insert", func() bool {
		return a.Value(operation.FieldTitle) == "Buy milk now"
	})

	ok, err := a.ToggleTaskLock(ctx, "alice", true)
	if err != nil || !ok {
		t.Fatalf("expected alice to take the lock, got ok=%v err=%v", ok, err)
	}
	ok, err = b.ToggleTaskLock(ctx, "bob", true)
	if err != nil || ok {
		t.Fatalf("expected bob to lose quietly, got ok=%v err=%v", ok, err)
	}
	if !b.IsTaskLocked() || b.GetLockOwner() != "alice" {
		t.Fatalf("expected bob to see alice's lock, got %q", b.GetLockOwner())
	}
	if !b.Connected() {
		t.Fatal("losing the lock should not take bob offline")
	}
}

func TestStreamCarriesCursors(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	if err := srv.client(t, alice).CreateTask(ctx, "task-1"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	b := srv.manager(t, bob, "task-1")

	c := srv.client(t, alice)
	if _, err := c.Join(ctx, "task-1", alice); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	stream := NewStream(srv.url, c.token, "task-1")
	t.Cleanup(func() { _ = stream.Close() })
	sessionID := b.SessionID()
	stop := stream.OnMessage(sessionID, func(protocol.Message) {})
	defer stop()

	msg, err := protocol.NewMessage(sessionID, protocol.TypeCursor, "alice", protocol.CursorPayload{Field: operation.FieldDescription, Offset: 0}, time.Now())
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := stream.Send(ctx, sessionID, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	eventually(t, "bob to see alice's caret", func() bool {
		for _, collaborator := range b.GetCurrentCollaborators("bob") {
			if collaborator.UserID == "alice" && collaborator.Field == operation.FieldDescription && collaborator.Cursor != nil {
				return *collaborator.Cursor == 0
			}
		}
		return false
	})

	if err := stream.Send(ctx, "no-such-session", msg); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed for an unsubscribed session, got %v", err)
	}
}

func TestReconnectAfterSessionCloses(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	if err := srv.client(t, alice).CreateTask(ctx, "task-1"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	a := srv.manager(t, alice, "task-1")
	first := a.SessionID()

	if err := srv.hub.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitFor(t, a, session.EventSessionClosed)
	if a.Connected() {
		t.Fatal("expected alice offline once the session closed")
	}

	if err := a.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if a.SessionID() == first || a.SessionID() == "" {
		t.Fatalf("expected a fresh session, got %q", a.SessionID())
	}
	current, err := srv.hub.SessionID("task-1")
	if err != nil || current != a.SessionID() {
		t.Fatalf("expected hub session %q, got %q %v", a.SessionID(), current, err)
	}

	b := srv.manager(t, bob, "task-1")
	op, err := a.CreateFieldOperation("alice", operation.FieldStatus, "in_progress")
	if err != nil {
		t.Fatalf("CreateFieldOperation failed: %v", err)
	}
	if ok, err := a.ApplyOperation(ctx, op); err != nil || !ok {
		t.Fatalf("ApplyOperation failed: ok=%v err=%v", ok, err)
	}
	eventually(t, "bob to see the status", func() bool {
		return b.Value(operation.FieldStatus) == "in_progress"
	})
	if !a.Connected() {
		t.Fatal("expected alice to stay online after the old stream closed")
	}
}
