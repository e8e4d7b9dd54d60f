package app

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/protocol"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 64
	streamReadLimit  = 4096
)

// handleStream relays the broadcasts of a task's editing session over a
// websocket. Inbound cursor messages move the caller's caret; anything else
// from the client is ignored. The stream ends when the session closes.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, session Session) {
	taskID := r.URL.Query().Get("task")
	sessionID, err := s.service.Hub().SessionID(taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if want := r.URL.Query().Get("session"); want != "" && want != sessionID {
		s.fail(w, r, hub.ErrNotEditing)
		return
	}

	outbound := make(chan protocol.Message, streamBuffer)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	unsubscribe := s.service.Hub().Transport().OnMessage(sessionID, func(msg protocol.Message) {
		select {
		case <-done:
		case outbound <- msg:
		default:
			log.Printf("app: stream for %s on %s fell behind, closing", session.UserID(), taskID)
			stop()
		}
	})
	defer unsubscribe()

	// Subscribed before the handshake completes so nothing published after
	// the client's dial returns is missed.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("app: websocket upgrade for %s: %v", session.UserID(), err)
		return
	}
	defer conn.Close()

	go writeStream(conn, outbound, done, stop)

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("app: stream for %s on %s: %v", session.UserID(), taskID, err)
			}
			break
		}
		if msg.Type != protocol.TypeCursor {
			continue
		}
		var payload protocol.CursorPayload
		if err := msg.Decode(&payload); err != nil {
			continue
		}
		if err := s.service.UpdateCursor(r.Context(), session, taskID, payload.Field, payload.Offset); err != nil {
			log.Printf("app: cursor from %s on %s: %v", session.UserID(), taskID, err)
		}
	}
	stop()
}

func writeStream(conn *websocket.Conn, outbound <-chan protocol.Message, done <-chan struct{}, stop func()) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	closeFrame := func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteWait))
	}
	for {
		select {
		case <-done:
			closeFrame()
			return
		case msg := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				stop()
				return
			}
			if sessionClosed(msg) {
				stop()
				closeFrame()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				stop()
				return
			}
		}
	}
}

func sessionClosed(msg protocol.Message) bool {
	if msg.Type != protocol.TypeLeave {
		return false
	}
	var payload protocol.LeavePayload
	return msg.Decode(&payload) == nil && payload.Reason == protocol.LeaveReasonClosed
}
