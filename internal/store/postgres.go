package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskcollab/api/internal/operation"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateTask inserts a task with every field at its default value. Creating
// an existing task is a no-op that returns the stored record.
func (s *PostgresStore) CreateTask(ctx context.Context, taskID, createdBy string) (TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskRecord{}, fmt.Errorf("begin create task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, created_by)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, taskID, createdBy); err != nil {
		return TaskRecord{}, fmt.Errorf("insert task: %w", err)
	}

	for _, field := range operation.Fields {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_fields (task_id, field, value, version, updated_by)
			VALUES ($1, $2, $3, 0, $4)
			ON CONFLICT (task_id, field) DO NOTHING
		`, taskID, string(field), operation.DefaultValue(field), createdBy); err != nil {
			return TaskRecord{}, fmt.Errorf("insert task field %s: %w", field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return TaskRecord{}, fmt.Errorf("commit create task: %w", err)
	}
	return s.LoadTask(ctx, taskID)
}

func (s *PostgresStore) LoadTask(ctx context.Context, taskID string) (TaskRecord, error) {
	record := TaskRecord{ID: taskID}
	err := s.db.QueryRowContext(ctx, `
		SELECT created_by, created_at, updated_at FROM tasks WHERE id = $1
	`, taskID).Scan(&record.CreatedBy, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("load task: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value, version, updated_by, updated_at
		FROM task_fields
		WHERE task_id = $1
	`, taskID)
	if err != nil {
		return TaskRecord{}, fmt.Errorf("load task fields: %w", err)
	}
	defer rows.Close()

	record.Fields = make(map[operation.Field]FieldRecord, len(operation.Fields))
	for rows.Next() {
		var (
			name  string
			field FieldRecord
		)
		if err := rows.Scan(&name, &field.Value, &field.Version, &field.UpdatedBy, &field.UpdatedAt); err != nil {
			return TaskRecord{}, fmt.Errorf("scan task field: %w", err)
		}
		record.Fields[operation.Field(name)] = field
	}
	if err := rows.Err(); err != nil {
		return TaskRecord{}, fmt.Errorf("iterate task fields: %w", err)
	}
	record.fillDefaults()
	return record, nil
}

// SaveTaskField stores field at version only if the stored copy is older, so
// a late or repeated flush never regresses a field. It reports whether the
// row changed.
func (s *PostgresStore) SaveTaskField(ctx context.Context, taskID string, field operation.Field, value FieldRecord) (bool, error) {
	if !field.Valid() {
		return false, &operation.ValueError{Field: field, Reason: "unknown field"}
	}
	updatedAt := value.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO task_fields (task_id, field, value, version, updated_by, updated_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = $1)
		ON CONFLICT (task_id, field) DO UPDATE
		SET value = EXCLUDED.value,
			version = EXCLUDED.version,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
		WHERE task_fields.version < EXCLUDED.version
	`, taskID, string(field), value.Value, int64(value.Version), value.UpdatedBy, updatedAt)
	if err != nil {
		return false, fmt.Errorf("save task field: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save task field rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check task: %w", err)
		}
		if !exists {
			return false, ErrTaskNotFound
		}
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET updated_at = $2 WHERE id = $1`, taskID, updatedAt); err != nil {
		return true, fmt.Errorf("touch task: %w", err)
	}
	return true, nil
}
