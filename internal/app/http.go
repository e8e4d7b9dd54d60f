package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"taskcollab/api/internal/auth"
	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return corsOrigin == "*" || r.Header.Get("Origin") == "" || r.Header.Get("Origin") == corsOrigin
			},
		},
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	if s.service.DevTokens() {
		api.HandleFunc("/token", s.handleToken).Methods(http.MethodPost)
	}
	api.HandleFunc("/tasks", s.authed(s.handleCreateTask)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskID}", s.authed(s.handleSnapshot)).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskID}/join", s.authed(s.handleJoin)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskID}/leave", s.authed(s.handleLeave)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskID}/heartbeat", s.authed(s.handleHeartbeat)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskID}/operations", s.authed(s.handleOperation)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskID}/cursor", s.authed(s.handleCursor)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskID}/lock", s.authed(s.handleLockOwner)).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskID}/lock", s.authed(s.handleSetLock)).Methods(http.MethodPost)
	api.HandleFunc("/presence/{userID}", s.authed(s.handlePresence)).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.authed(s.handleStream)).Methods(http.MethodGet)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "Not found", nil)
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeMethodNotAllowed, "Method not allowed", nil)
	})
	// mux does not fall back to the root router's handlers on a subrouter mismatch.
	for _, rt := range []*mux.Router{router, api} {
		rt.NotFoundHandler = notFound
		rt.MethodNotAllowedHandler = methodNotAllowed
	}
	preflight := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			writeJSON(w, http.StatusNoContent, map[string]any{})
			return
		}
		router.ServeHTTP(w, r)
	})
	return s.withMiddleware(preflight)
}

func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, ready := s.service.Ready(ctx)
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var body protocol.Identity
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidBody, err.Error(), nil)
		return
	}
	session, err := s.service.IssueToken(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":       session.Token,
		"userId":      session.Identity.UserID,
		"displayName": session.Identity.DisplayName,
		"color":       session.Identity.Color,
		"role":        session.Identity.Role,
		"expiresAt":   session.ExpiresAt,
	})
}

type taskView struct {
	ID        string                                  `json:"id"`
	CreatedBy string                                  `json:"createdBy"`
	Fields    map[operation.Field]resolver.FieldState `json:"fields"`
	CreatedAt time.Time                               `json:"createdAt"`
}

func newTaskView(record store.TaskRecord) taskView {
	view := taskView{
		ID:        record.ID,
		CreatedBy: record.CreatedBy,
		Fields:    make(map[operation.Field]resolver.FieldState, len(record.Fields)),
		CreatedAt: record.CreatedAt,
	}
	for field, value := range record.Fields {
		view.Fields[field] = resolver.FieldState{Value: value.Value, Version: value.Version, UpdatedBy: value.UpdatedBy}
	}
	return view
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidBody, err.Error(), nil)
		return
	}
	record, err := s.service.CreateTask(r.Context(), session, body.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskView(record))
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request, session Session) {
	snapshot, err := s.service.Snapshot(r.Context(), mux.Vars(r)["taskID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request, session Session) {
	snapshot, err := s.service.Join(r.Context(), session, mux.Vars(r)["taskID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleLeave(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.Leave(r.Context(), session, mux.Vars(r)["taskID"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request, session Session) {
	tick, err := s.service.Heartbeat(r.Context(), session, mux.Vars(r)["taskID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

func (s *HTTPServer) handleOperation(w http.ResponseWriter, r *http.Request, session Session) {
	var op operation.Operation
	if err := decodeBody(r, &op); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidBody, err.Error(), nil)
		return
	}
	applied, err := s.service.Submit(r.Context(), session, mux.Vars(r)["taskID"], op)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (s *HTTPServer) handleCursor(w http.ResponseWriter, r *http.Request, session Session) {
	var body protocol.CursorPayload
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidBody, err.Error(), nil)
		return
	}
	if err := s.service.UpdateCursor(r.Context(), session, mux.Vars(r)["taskID"], body.Field, body.Offset); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLockOwner(w http.ResponseWriter, r *http.Request, session Session) {
	holder, err := s.service.LockOwner(r.Context(), mux.Vars(r)["taskID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.LockPayload{Holder: holder, Locked: holder != ""})
}

func (s *HTTPServer) handleSetLock(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Locked bool `json:"locked"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidBody, err.Error(), nil)
		return
	}
	holder, err := s.service.SetLock(r.Context(), session, mux.Vars(r)["taskID"], body.Locked)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.LockPayload{Holder: holder, Locked: holder != ""})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, session Session) {
	view, err := s.service.Presence(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// fail writes err as a JSON error body. Unexpected errors are logged.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, protocol.CodeServerError, "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter browsers use for websockets.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
