// Package transport carries session messages between the authority and every
// participant. Implementations deliver at least once and keep each sender's
// messages in order.
package transport

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"taskcollab/api/internal/protocol"
)

var ErrClosed = errors.New("transport closed")

type Handler func(protocol.Message)

type Transport interface {
	Send(ctx context.Context, sessionID string, msg protocol.Message) error
	// OnMessage registers handler for sessionID and returns a function that
	// removes it.
	OnMessage(sessionID string, handler Handler) func()
	OnDisconnect(handler func(error))
}

// Local delivers messages in process. Handlers run synchronously on the
// sender's goroutine, so a sender must not hold locks a handler needs.
type Local struct {
	mu           sync.RWMutex
	handlers     map[string]map[int]Handler
	next         int
	disconnected []func(error)
	closed       bool
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]map[int]Handler)}
}

func (l *Local) Send(_ context.Context, sessionID string, msg protocol.Message) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	ids := make([]int, 0, len(l.handlers[sessionID]))
	for id := range l.handlers[sessionID] {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, l.handlers[sessionID][id])
	}
	l.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
	return nil
}

func (l *Local) OnMessage(sessionID string, handler Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers[sessionID] == nil {
		l.handlers[sessionID] = make(map[int]Handler)
	}
	id := l.next
	l.next++
	l.handlers[sessionID][id] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers[sessionID], id)
		if len(l.handlers[sessionID]) == 0 {
			delete(l.handlers, sessionID)
		}
	}
}

func (l *Local) OnDisconnect(handler func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, handler)
}

// Disconnect reports err to every disconnect handler, as a dropped network
// link would.
func (l *Local) Disconnect(err error) {
	l.mu.RLock()
	handlers := slices.Clone(l.disconnected)
	l.mu.RUnlock()
	for _, handler := range handlers {
		handler(err)
	}
}

// Subscribers is the number of handlers registered for sessionID.
func (l *Local) Subscribers(sessionID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers[sessionID])
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = make(map[string]map[int]Handler)
	return nil
}
