package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"taskcollab/api/internal/operation"
)

type taskStore interface {
	CreateTask(ctx context.Context, taskID, createdBy string) (TaskRecord, error)
	LoadTask(ctx context.Context, taskID string) (TaskRecord, error)
	SaveTaskField(ctx context.Context, taskID string, field operation.Field, value FieldRecord) (bool, error)
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) taskStore { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := getTestDatabaseURL(t)

	runStoreContract(t, func(t *testing.T) taskStore {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		db, err := Open(ctx, databaseURL)
		if err != nil {
			t.Fatalf("open database: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })

		if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
		if err := ApplyMigrations(ctx, db); err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		return NewPostgresStore(db)
	})
}

func TestPostgresMigrationsRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if err := RevertMigrations(ctx, db); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}

	_, err = db.ExecContext(ctx, `INSERT INTO task_fields (task_id, field) VALUES ('missing', 'title')`)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.SQLState() != "23503" {
		t.Fatalf("expected foreign key violation, got %v", err)
	}
}

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	return dsn
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) taskStore) {
	t.Run("LoadUnknownTask", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.LoadTask(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("CreateFillsDefaults", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		record, err := s.CreateTask(ctx, "task-1", "alice")
		if err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		if record.Fields[operation.FieldStatus].Value != operation.StatusPending {
			t.Fatalf("expected pending status, got %+v", record.Fields[operation.FieldStatus])
		}
		if record.Fields[operation.FieldPriority].Value != operation.PriorityMedium {
			t.Fatalf("expected medium priority, got %+v", record.Fields[operation.FieldPriority])
		}
		if record.Fields[operation.FieldTitle].Version != 0 {
			t.Fatalf("expected version 0, got %d", record.Fields[operation.FieldTitle].Version)
		}

		again, err := s.CreateTask(ctx, "task-1", "bob")
		if err != nil {
			t.Fatalf("second CreateTask failed: %v", err)
		}
		if again.CreatedBy != "alice" {
			t.Fatalf("expected original creator kept, got %q", again.CreatedBy)
		}
	})

	t.Run("SaveNeverRegresses", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.CreateTask(ctx, "task-1", "alice"); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}

		saved, err := s.SaveTaskField(ctx, "task-1", operation.FieldTitle, FieldRecord{Value: "Buy bread", Version: 2, UpdatedBy: "alice"})
		if err != nil || !saved {
			t.Fatalf("expected save, got saved=%v err=%v", saved, err)
		}

		saved, err = s.SaveTaskField(ctx, "task-1", operation.FieldTitle, FieldRecord{Value: "Buy milk", Version: 1, UpdatedBy: "bob"})
		if err != nil {
			t.Fatalf("SaveTaskField failed: %v", err)
		}
		if saved {
			t.Fatal("expected older version to be ignored")
		}

		record, err := s.LoadTask(ctx, "task-1")
		if err != nil {
			t.Fatalf("LoadTask failed: %v", err)
		}
		title := record.Fields[operation.FieldTitle]
		if title.Value != "Buy bread" || title.Version != 2 || title.UpdatedBy != "alice" {
			t.Fatalf("unexpected title: %+v", title)
		}
	})

	t.Run("SaveUnknownTask", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SaveTaskField(context.Background(), "ghost", operation.FieldTitle, FieldRecord{Value: "x", Version: 1})
		if !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("SaveUnknownField", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.CreateTask(ctx, "task-1", "alice"); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		_, err := s.SaveTaskField(ctx, "task-1", operation.Field("owner"), FieldRecord{Value: "x", Version: 1})
		if !errors.Is(err, operation.ErrInvalidValue) {
			t.Fatalf("expected ErrInvalidValue, got %v", err)
		}
	})
}
