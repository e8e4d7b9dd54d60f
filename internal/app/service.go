package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"taskcollab/api/internal/auth"
	"taskcollab/api/internal/config"
	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/presence"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/rbac"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/store"
	"taskcollab/api/internal/util"
)

type Session struct {
	Token     string
	Identity  protocol.Identity
	JTI       string
	ExpiresAt time.Time
}

func (s Session) UserID() string {
	return s.Identity.UserID
}

type taskStore interface {
	CreateTask(ctx context.Context, taskID, createdBy string) (store.TaskRecord, error)
	Ping(ctx context.Context) error
}

// Check reports whether a dependency is usable; see Service.AddCheck.
type Check func(context.Context) error

type Service struct {
	cfg    config.Config
	store  taskStore
	hub    *hub.Hub
	checks map[string]Check
	now    func() time.Time
}

func New(cfg config.Config, tasks taskStore, h *hub.Hub) *Service {
	s := &Service{
		cfg:    cfg,
		store:  tasks,
		hub:    h,
		checks: make(map[string]Check),
		now:    time.Now,
	}
	s.checks["database"] = tasks.Ping
	return s
}

// AddCheck registers an extra readiness check, such as a Redis ping.
func (s *Service) AddCheck(name string, check Check) {
	s.checks[name] = check
}

func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Ready runs every readiness check and reports the outcome per dependency.
func (s *Service) Ready(ctx context.Context) (map[string]any, bool) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ready := true
	results := make(map[string]any, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			ready = false
			results[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		results[name] = map[string]any{"status": "ok"}
	}
	return results, ready
}

// DevTokens reports whether the unauthenticated token endpoint is served.
func (s *Service) DevTokens() bool {
	return s.cfg.DevTokens
}

// IssueToken signs a bearer token for who. It stands in for an external
// identity provider in development and tests.
func (s *Service) IssueToken(who protocol.Identity) (Session, error) {
	who.UserID = strings.TrimSpace(who.UserID)
	who.DisplayName = strings.TrimSpace(who.DisplayName)
	if who.UserID == "" || who.DisplayName == "" {
		return Session{}, domainError(http.StatusBadRequest, protocol.CodeInvalidBody, "userId and displayName are required", nil)
	}
	if who.Color == "" {
		who.Color = auth.ColorFor(who.UserID)
	}
	who.Role = string(rbac.Normalize(who.Role))

	token, claims, err := auth.IssueFor([]byte(s.cfg.TokenSecret), who, s.cfg.TokenTTL, s.now())
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		Identity:  claims.Identity(),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Identity:  claims.Identity(),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// CreateTask creates taskID with default field values, generating an id when
// taskID is empty. Creating an existing task returns it unchanged. Only
// owners create tasks.
func (s *Service) CreateTask(ctx context.Context, session Session, taskID string) (store.TaskRecord, error) {
	if !rbac.Can(rbac.Normalize(session.Identity.Role), rbac.ActionCreate) {
		return store.TaskRecord{}, hub.ErrForbidden
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = util.NewID("tsk")
	}
	record, err := s.store.CreateTask(ctx, taskID, session.UserID())
	if err != nil {
		return store.TaskRecord{}, fmt.Errorf("create task: %w", err)
	}
	return record, nil
}

func (s *Service) Join(ctx context.Context, session Session, taskID string) (protocol.Snapshot, error) {
	return s.hub.Join(ctx, taskID, session.Identity)
}

func (s *Service) Leave(ctx context.Context, session Session, taskID string) error {
	return s.hub.Leave(ctx, taskID, session.UserID())
}

func (s *Service) Heartbeat(ctx context.Context, session Session, taskID string) (protocol.SyncTick, error) {
	return s.hub.Heartbeat(ctx, taskID, session.UserID())
}

// Submit resolves op on behalf of the caller. Operations attributed to
// anyone else are refused.
func (s *Service) Submit(ctx context.Context, session Session, taskID string, op operation.Operation) (resolver.Applied, error) {
	if op.UserID == "" {
		op.UserID = session.UserID()
	}
	if op.UserID != session.UserID() {
		return resolver.Applied{}, domainError(http.StatusForbidden, protocol.CodeForbidden, "Operation belongs to another user", nil)
	}
	if op.ID == "" {
		op.ID = util.NewID("op")
	}
	return s.hub.Submit(ctx, taskID, op)
}

func (s *Service) SetLock(ctx context.Context, session Session, taskID string, locked bool) (string, error) {
	return s.hub.SetLock(ctx, taskID, session.UserID(), locked)
}

func (s *Service) LockOwner(ctx context.Context, taskID string) (string, error) {
	return s.hub.LockOwner(ctx, taskID)
}

func (s *Service) UpdateCursor(ctx context.Context, session Session, taskID string, field operation.Field, offset int) error {
	return s.hub.UpdateCursor(ctx, taskID, session.UserID(), field, offset)
}

func (s *Service) Snapshot(ctx context.Context, taskID string) (protocol.Snapshot, error) {
	return s.hub.Snapshot(ctx, taskID)
}

func (s *Service) Presence(ctx context.Context, userID string) (protocol.PresenceView, error) {
	record, err := s.hub.UserPresence(ctx, userID)
	if err != nil {
		return protocol.PresenceView{}, err
	}
	view := protocol.PresenceView{Record: record}
	if record.Status == presence.StatusOnline {
		view.Activity = s.hub.Presence().Activity(userID)
		if view.Activity == "" && record.Field != "" {
			view.Activity = "editing " + string(record.Field)
		}
	}
	return view, nil
}
