// Package locks arbitrates the per-task edit lock. Acquisition is decided by
// the order requests reach the store, never by client timestamps.
package locks

import (
	"context"
	"sync"
)

// Store holds at most one lock per task.
type Store interface {
	// Acquire takes the lock for userID if it is free. It returns the holder
	// after the call and whether userID holds it. Re-acquiring an owned lock
	// succeeds.
	Acquire(ctx context.Context, taskID, userID string) (string, bool, error)
	// Release frees the lock if userID holds it.
	Release(ctx context.Context, taskID, userID string) (bool, error)
	// Refresh extends the holder's lease; it reports false if userID no
	// longer holds the lock.
	Refresh(ctx context.Context, taskID, userID string) (bool, error)
	Holder(ctx context.Context, taskID string) (string, error)
	// Clear drops the lock regardless of holder, on session teardown.
	Clear(ctx context.Context, taskID string) error
}

// MemoryStore is the single-node Store. The mutex gives the arrival order.
type MemoryStore struct {
	mu      sync.Mutex
	holders map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holders: make(map[string]string)}
}

func (s *MemoryStore) Acquire(_ context.Context, taskID, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.holders[taskID]
	if !ok {
		s.holders[taskID] = userID
		return userID, true, nil
	}
	return holder, holder == userID, nil
}

func (s *MemoryStore) Release(_ context.Context, taskID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holders[taskID] != userID {
		return false, nil
	}
	delete(s.holders, taskID)
	return true, nil
}

func (s *MemoryStore) Refresh(_ context.Context, taskID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders[taskID] == userID, nil
}

func (s *MemoryStore) Holder(_ context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders[taskID], nil
}

func (s *MemoryStore) Clear(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holders, taskID)
	return nil
}
