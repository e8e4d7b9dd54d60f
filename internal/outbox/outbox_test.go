package outbox

import (
	"path/filepath"
	"testing"

	"taskcollab/api/internal/operation"
)

type queue interface {
	Append(taskID string, op operation.Operation) error
	Pending(taskID string) ([]operation.Operation, error)
	Remove(taskID, opID string) error
	Close() error
}

func TestOutboxes(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		testFIFO(t, NewMemory())
	})
	t.Run("Bolt", func(t *testing.T) {
		box, err := OpenBolt(filepath.Join(t.TempDir(), "outbox.db"))
		if err != nil {
			t.Fatalf("OpenBolt failed: %v", err)
		}
		defer box.Close()
		testFIFO(t, box)
	})
}

func pendingOp(t *testing.T, seq uint64, payload string) operation.Operation {
	t.Helper()
	op, err := operation.NewText(operation.Origin{UserID: "alice", Seq: seq}, operation.FieldDescription, operation.KindInsert, payload, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewText failed: %v", err)
	}
	return op
}

func testFIFO(t *testing.T, box queue) {
	first := pendingOp(t, 1, "a")
	second := pendingOp(t, 2, "b")
	third := pendingOp(t, 3, "c")
	for _, op := range []operation.Operation{first, second, third} {
		if err := box.Append("task-1", op); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := box.Append("task-2", pendingOp(t, 4, "z")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := box.Remove("task-1", second.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	pending, err := box.Pending("task-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != third.ID {
		t.Fatalf("unexpected pending order: %+v", pending)
	}
	if pending[1].Payload != "c" || pending[1].Seq != 3 {
		t.Fatalf("pending op not preserved: %+v", pending[1])
	}

	other, _ := box.Pending("task-2")
	if len(other) != 1 {
		t.Fatalf("expected tasks kept apart, got %+v", other)
	}
	empty, _ := box.Pending("task-3")
	if len(empty) != 0 {
		t.Fatalf("expected empty outbox for unknown task, got %+v", empty)
	}
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	box, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	op := pendingOp(t, 9, "offline edit")
	if err := box.Append("task-1", op); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := box.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	pending, err := reopened.Pending("task-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != op.ID || pending[0].UserID != "alice" {
		t.Fatalf("expected pending op to survive reopen, got %+v", pending)
	}
}
