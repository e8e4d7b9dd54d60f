package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/transport"
)

const (
	streamDialTimeout = 10 * time.Second
	streamWriteWait   = 10 * time.Second
	streamReadWait    = 2 * time.Minute
)

// Stream receives a task's session broadcasts over the server's websocket
// endpoint. One connection is kept per subscribed session and is dialed when
// the first handler subscribes. A dropped connection is reported to the
// disconnect handlers; subscribing again dials a new one.
type Stream struct {
	url    string
	token  string
	taskID string
	dialer *websocket.Dialer

	dialMu sync.Mutex

	mu           sync.Mutex
	conns        map[string]*streamConn
	handlers     map[string]map[int]transport.Handler
	next         int
	disconnected []func(error)
	closed       bool
}

type streamConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closing bool
	done    chan struct{}
}

// NewStream returns a stream for taskID on the API at baseURL.
func NewStream(baseURL, token, taskID string) *Stream {
	wsURL := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return &Stream{
		url:      wsURL + "/ws",
		token:    token,
		taskID:   taskID,
		dialer:   &websocket.Dialer{HandshakeTimeout: streamDialTimeout},
		conns:    make(map[string]*streamConn),
		handlers: make(map[string]map[int]transport.Handler),
	}
}

func (s *Stream) OnMessage(sessionID string, handler transport.Handler) func() {
	s.mu.Lock()
	if s.handlers[sessionID] == nil {
		s.handlers[sessionID] = make(map[int]transport.Handler)
	}
	id := s.next
	s.next++
	s.handlers[sessionID][id] = handler
	s.mu.Unlock()

	if err := s.connect(sessionID); err != nil {
		log.Printf("client: stream for %s: %v", sessionID, err)
		s.notifyDisconnect(err)
	}

	return func() {
		s.mu.Lock()
		delete(s.handlers[sessionID], id)
		var sc *streamConn
		if len(s.handlers[sessionID]) == 0 {
			delete(s.handlers, sessionID)
			sc = s.conns[sessionID]
			delete(s.conns, sessionID)
			if sc != nil {
				sc.closing = true
			}
		}
		s.mu.Unlock()
		if sc != nil {
			sc.close()
		}
	}
}

func (s *Stream) connect(sessionID string) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	_, connected := s.conns[sessionID]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if connected {
		return nil
	}

	query := url.Values{"task": {s.taskID}, "session": {sessionID}}
	header := http.Header{"Authorization": {"Bearer " + s.token}}
	ctx, cancel := context.WithTimeout(context.Background(), streamDialTimeout)
	defer cancel()
	conn, resp, err := s.dialer.DialContext(ctx, s.url+"?"+query.Encode(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", sessionID, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", sessionID, err)
	}

	sc := &streamConn{conn: conn, done: make(chan struct{})}
	s.mu.Lock()
	if s.closed || len(s.handlers[sessionID]) == 0 {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conns[sessionID] = sc
	s.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		sc.writeMu.Lock()
		defer sc.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteWait))
	})
	go s.readLoop(sessionID, sc)
	return nil
}

func (s *Stream) readLoop(sessionID string, sc *streamConn) {
	defer close(sc.done)
	for {
		var msg protocol.Message
		if err := sc.conn.ReadJSON(&msg); err != nil {
			s.mu.Lock()
			if s.conns[sessionID] == sc {
				delete(s.conns, sessionID)
			}
			quiet := sc.closing || s.closed
			s.mu.Unlock()
			_ = sc.conn.Close()
			if !quiet {
				s.notifyDisconnect(fmt.Errorf("stream for %s: %w", sessionID, err))
			}
			return
		}
		ended := sessionEnded(msg)
		if ended {
			s.mu.Lock()
			sc.closing = true
			if s.conns[sessionID] == sc {
				delete(s.conns, sessionID)
			}
			s.mu.Unlock()
		}
		s.dispatch(msg)
		if ended {
			_ = sc.conn.Close()
			return
		}
	}
}

func (s *Stream) dispatch(msg protocol.Message) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.handlers[msg.SessionID]))
	for id := range s.handlers[msg.SessionID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]transport.Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.handlers[msg.SessionID][id])
	}
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// Send writes msg to the server over the session's connection. The server
// only acts on cursor messages.
func (s *Stream) Send(ctx context.Context, sessionID string, msg protocol.Message) error {
	s.mu.Lock()
	sc, ok := s.conns[sessionID]
	closed := s.closed
	s.mu.Unlock()
	if closed || !ok {
		return transport.ErrClosed
	}

	deadline := time.Now().Add(streamWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	sc.writeMu.Lock()
	_ = sc.conn.SetWriteDeadline(deadline)
	err := sc.conn.WriteJSON(msg)
	sc.writeMu.Unlock()
	if err != nil {
		s.notifyDisconnect(fmt.Errorf("send to %s: %w", sessionID, err))
		return fmt.Errorf("send to %s: %w", sessionID, err)
	}
	return nil
}

func (s *Stream) OnDisconnect(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, handler)
}

func (s *Stream) notifyDisconnect(err error) {
	s.mu.Lock()
	handlers := slices.Clone(s.disconnected)
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(err)
	}
}

// Close drops every connection without reporting a disconnect.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*streamConn, 0, len(s.conns))
	for _, sc := range s.conns {
		sc.closing = true
		conns = append(conns, sc)
	}
	s.conns = make(map[string]*streamConn)
	s.handlers = make(map[string]map[int]transport.Handler)
	s.mu.Unlock()

	for _, sc := range conns {
		sc.close()
		<-sc.done
	}
	return nil
}

// close ends the connection; the read loop exits on its own. It may run on
// the read loop itself, so it does not wait.
func (sc *streamConn) close() {
	sc.writeMu.Lock()
	_ = sc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	sc.writeMu.Unlock()
	_ = sc.conn.Close()
}

// sessionEnded reports the server's last message on a session; the server
// closes the connection after it, which is not a link failure.
func sessionEnded(msg protocol.Message) bool {
	if msg.Type != protocol.TypeLeave {
		return false
	}
	var payload protocol.LeavePayload
	return msg.Decode(&payload) == nil && payload.Reason == protocol.LeaveReasonClosed
}
