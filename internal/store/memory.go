package store

import (
	"context"
	"sync"
	"time"

	"taskcollab/api/internal/operation"
)

// MemoryStore keeps tasks in process. It applies the same version guard as
// PostgresStore.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]TaskRecord
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]TaskRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) CreateTask(_ context.Context, taskID, createdBy string) (TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[taskID]; ok {
		return existing.clone(), nil
	}
	record := NewTaskRecord(taskID, createdBy, s.now())
	s.tasks[taskID] = record
	return record.clone(), nil
}

func (s *MemoryStore) LoadTask(_ context.Context, taskID string) (TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tasks[taskID]
	if !ok {
		return TaskRecord{}, ErrTaskNotFound
	}
	return record.clone(), nil
}

func (s *MemoryStore) SaveTaskField(_ context.Context, taskID string, field operation.Field, value FieldRecord) (bool, error) {
	if !field.Valid() {
		return false, &operation.ValueError{Field: field, Reason: "unknown field"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tasks[taskID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if record.Fields[field].Version >= value.Version {
		return false, nil
	}
	if value.UpdatedAt.IsZero() {
		value.UpdatedAt = s.now()
	}
	record.Fields[field] = value
	record.UpdatedAt = value.UpdatedAt
	s.tasks[taskID] = record
	return true, nil
}

func (r TaskRecord) clone() TaskRecord {
	fields := make(map[operation.Field]FieldRecord, len(r.Fields))
	for field, value := range r.Fields {
		fields[field] = value
	}
	r.Fields = fields
	return r
}
