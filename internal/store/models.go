package store

import (
	"errors"
	"time"

	"taskcollab/api/internal/operation"
)

var ErrTaskNotFound = errors.New("task not found")

type FieldRecord struct {
	Value     string
	Version   uint64
	UpdatedBy string
	UpdatedAt time.Time
}

// TaskRecord is the durable copy of a task. Fields missing from storage hold
// their default value at version 0.
type TaskRecord struct {
	ID        string
	CreatedBy string
	Fields    map[operation.Field]FieldRecord
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewTaskRecord(id, createdBy string, now time.Time) TaskRecord {
	record := TaskRecord{
		ID:        id,
		CreatedBy: createdBy,
		Fields:    make(map[operation.Field]FieldRecord, len(operation.Fields)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	record.fillDefaults()
	return record
}

func (r *TaskRecord) fillDefaults() {
	if r.Fields == nil {
		r.Fields = make(map[operation.Field]FieldRecord, len(operation.Fields))
	}
	for _, field := range operation.Fields {
		if _, ok := r.Fields[field]; !ok {
			r.Fields[field] = FieldRecord{Value: operation.DefaultValue(field)}
		}
	}
}
