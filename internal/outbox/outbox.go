// Package outbox holds a client's operations that the authority has not yet
// acknowledged, in the order they were made. Entries survive a dropped
// connection and are replayed on reconnect.
package outbox

import (
	"sync"

	"taskcollab/api/internal/operation"
)

// Memory is an in-process outbox. Its contents are lost when the process
// exits.
type Memory struct {
	mu    sync.Mutex
	tasks map[string][]operation.Operation
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string][]operation.Operation)}
}

func (m *Memory) Append(taskID string, op operation.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = append(m.tasks[taskID], op)
	return nil
}

func (m *Memory) Pending(taskID string) ([]operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]operation.Operation(nil), m.tasks[taskID]...), nil
}

func (m *Memory) Remove(taskID, opID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.tasks[taskID]
	for i, op := range ops {
		if op.ID == opID {
			m.tasks[taskID] = append(ops[:i:i], ops[i+1:]...)
			break
		}
	}
	if len(m.tasks[taskID]) == 0 {
		delete(m.tasks, taskID)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
