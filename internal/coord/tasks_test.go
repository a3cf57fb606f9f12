package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/masclabs/masc/internal/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(storage.NewMemory(), Options{})
	if _, err := e.Init(context.Background(), ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e
}

func int64p(v int64) *int64 { return &v }

func TestAddAndClaimLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task, version, err := e.AddTask(ctx, "ada", AddTaskParams{Title: "write docs", Priority: 3})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if task.ID != "T1" || task.Status.State != TaskTodo || version != 1 {
		t.Fatalf("AddTask = %+v, version %d", task, version)
	}

	task, version, err = e.Claim(ctx, "T1", "ada", int64p(1))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task.Status.State != TaskClaimed || task.Status.Assignee != "ada" || version != 2 {
		t.Fatalf("Claim = %+v, version %d", task, version)
	}

	task, version, err = e.DoneTask(ctx, "T1", "ada", "ok", nil)
	if err != nil {
		t.Fatalf("DoneTask: %v", err)
	}
	if task.Status.State != TaskDone || task.Status.Notes != "ok" || version != 3 {
		t.Fatalf("DoneTask = %+v, version %d", task, version)
	}
}

func TestClaimVersionConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.AddTask(ctx, "ada", AddTaskParams{Title: "a"})
	e.AddTask(ctx, "ada", AddTaskParams{Title: "b"})

	// Both writers read version 2; the first wins.
	if _, _, err := e.Claim(ctx, "T2", "ada", int64p(2)); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, _, err := e.Claim(ctx, "T2", "bob", int64p(2))
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second claim err = %v, want VersionConflictError", err)
	}
	if conflict.Expected != 2 || conflict.Actual != 3 {
		t.Fatalf("conflict = %+v", conflict)
	}

	tasks, _ := e.ListTasks(ctx, TaskClaimed)
	if len(tasks) != 1 || tasks[0].Status.Assignee != "ada" {
		t.Fatalf("claimed tasks = %+v", tasks)
	}
}

func TestClaimAlreadyClaimed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.AddTask(ctx, "ada", AddTaskParams{Title: "a"})
	e.Claim(ctx, "T1", "ada", nil)

	_, _, err := e.Claim(ctx, "T1", "bob", nil)
	var claimed *TaskAlreadyClaimedError
	if !errors.As(err, &claimed) {
		t.Fatalf("err = %v, want TaskAlreadyClaimedError", err)
	}
	if claimed.By != "ada" {
		t.Fatalf("claimed by = %q", claimed.By)
	}
}

func TestClaimNextPriorityOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.AddTask(ctx, "ada", AddTaskParams{Title: "low", Priority: 1})
	e.AddTask(ctx, "ada", AddTaskParams{Title: "high", Priority: 5})
	e.AddTask(ctx, "ada", AddTaskParams{Title: "high-later", Priority: 5})

	task, _, err := e.ClaimNext(ctx, "bob")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if task.Title != "high" {
		t.Fatalf("ClaimNext = %q, want high (priority then earliest)", task.Title)
	}
}

func TestClaimNextEmptyBacklog(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.ClaimNext(context.Background(), "ada")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestStartRequiresClaim(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.AddTask(ctx, "ada", AddTaskParams{Title: "a"})
	_, _, err := e.StartTask(ctx, "T1", "ada", nil)
	var invalid *TaskInvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("start todo err = %v, want TaskInvalidStateError", err)
	}

	e.Claim(ctx, "T1", "ada", nil)
	if _, _, err := e.StartTask(ctx, "T1", "bob", nil); err == nil {
		t.Fatal("start by non-assignee succeeded")
	}
	task, _, err := e.StartTask(ctx, "T1", "ada", nil)
	if err != nil || task.Status.State != TaskInProgress {
		t.Fatalf("StartTask = %+v, %v", task, err)
	}
}

func TestCancelRules(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Todo tasks may be cancelled by anyone.
	e.AddTask(ctx, "ada", AddTaskParams{Title: "a"})
	if _, _, err := e.CancelTask(ctx, "T1", "bob", "stale", nil); err != nil {
		t.Fatalf("cancel todo: %v", err)
	}

	// Done tasks cannot be cancelled.
	e.AddTask(ctx, "ada", AddTaskParams{Title: "b"})
	e.Claim(ctx, "T2", "ada", nil)
	e.DoneTask(ctx, "T2", "ada", "", nil)
	_, _, err := e.CancelTask(ctx, "T2", "ada", "", nil)
	var invalid *TaskInvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("cancel done err = %v, want TaskInvalidStateError", err)
	}
}

func TestReleaseReturnsToTodo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.AddTask(ctx, "ada", AddTaskParams{Title: "a"})
	e.Claim(ctx, "T1", "ada", nil)

	if _, _, err := e.ReleaseTask(ctx, "T1", "bob", nil); err == nil {
		t.Fatal("foreign release succeeded")
	}
	task, _, err := e.ReleaseTask(ctx, "T1", "ada", nil)
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	if task.Status.State != TaskTodo || task.Status.Assignee != "" {
		t.Fatalf("released task = %+v", task)
	}
}

func TestUpdatePriorityBumpsVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, v1, _ := e.AddTask(ctx, "ada", AddTaskParams{Title: "a", Priority: 1})
	task, v2, err := e.UpdatePriority(ctx, "T1", 9, nil)
	if err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}
	if task.Priority != 9 || v2 != v1+1 {
		t.Fatalf("UpdatePriority = %+v, version %d -> %d", task, v1, v2)
	}
}

func TestGCArchivesTerminalTasks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.AddTask(ctx, "ada", AddTaskParams{Title: "old-done"})
	e.AddTask(ctx, "ada", AddTaskParams{Title: "live"})
	e.Claim(ctx, "T1", "ada", nil)
	e.DoneTask(ctx, "T1", "ada", "", nil)

	// Nothing is old enough yet.
	moved, err := e.GCTasks(ctx, 1)
	if err != nil || moved != 0 {
		t.Fatalf("GCTasks young = %d, %v", moved, err)
	}

	// Move the clock forward past the horizon.
	base := e.now()
	e.now = func() time.Time { return base.AddDate(0, 0, 3) }
	moved, err = e.GCTasks(ctx, 1)
	if err != nil {
		t.Fatalf("GCTasks: %v", err)
	}
	if moved != 1 {
		t.Fatalf("GCTasks moved = %d, want 1", moved)
	}
	tasks, _ := e.ListTasks(ctx, "")
	if len(tasks) != 1 || tasks[0].Title != "live" {
		t.Fatalf("remaining tasks = %+v", tasks)
	}
}

// archiveFailStore fails atomic updates of the archive document only.
type archiveFailStore struct {
	storage.Backend
}

func (s archiveFailStore) AtomicUpdate(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if key == archiveKey {
		return storage.ErrOperationFailed
	}
	return s.Backend.AtomicUpdate(ctx, key, fn)
}

func TestGCKeepsBacklogWhenArchiveWriteFails(t *testing.T) {
	e := New(archiveFailStore{storage.NewMemory()}, Options{})
	ctx := context.Background()
	if _, err := e.Init(ctx, ""); err != nil {
		t.Fatalf("Init: %v", err)
	}

	e.AddTask(ctx, "ada", AddTaskParams{Title: "old-done"})
	e.Claim(ctx, "T1", "ada", nil)
	e.DoneTask(ctx, "T1", "ada", "", nil)

	base := e.now()
	e.now = func() time.Time { return base.AddDate(0, 0, 3) }
	if _, err := e.GCTasks(ctx, 1); !errors.Is(err, storage.ErrOperationFailed) {
		t.Fatalf("GCTasks err = %v", err)
	}

	// The failed archive write must not have touched the backlog.
	tasks, err := e.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "old-done" {
		t.Fatalf("backlog after failed gc = %+v", tasks)
	}
}
