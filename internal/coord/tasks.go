package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/pkg/protocol"
)

// backlogDoc is the persisted shape of the backlog. nextTaskID backs the
// short sequential task IDs (T1, T2, ...).
type backlogDoc struct {
	Tasks       []Task    `json:"tasks"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
	NextTaskID  int64     `json:"next_task_id,omitempty"`
}

func (d *backlogDoc) backlog() Backlog {
	return Backlog{Tasks: d.Tasks, Version: d.Version, LastUpdated: d.LastUpdated}
}

func (d *backlogDoc) find(id string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// mutateBacklog loads the backlog document, verifies expectedVersion when
// given, applies fn, and writes the result back with version bumped. The
// whole round runs under atomic update, so concurrent mutations serialize on
// the CAS and the version check re-runs against fresh state on every retry.
func (e *Engine) mutateBacklog(ctx context.Context, expectedVersion *int64, fn func(*backlogDoc) error) (Backlog, error) {
	var out Backlog
	err := e.store.AtomicUpdate(ctx, backlogKey, func(old *string) (string, error) {
		doc := backlogDoc{Tasks: []Task{}}
		if old != nil {
			if err := json.Unmarshal([]byte(*old), &doc); err != nil {
				return "", fmt.Errorf("decode backlog: %w", err)
			}
		}
		if expectedVersion != nil && *expectedVersion != doc.Version {
			return "", &VersionConflictError{Expected: *expectedVersion, Actual: doc.Version}
		}
		if err := fn(&doc); err != nil {
			return "", err
		}
		doc.Version++
		doc.LastUpdated = e.now()
		raw, err := json.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("encode backlog: %w", err)
		}
		out = doc.backlog()
		return string(raw), nil
	})
	if err != nil {
		return Backlog{}, err
	}
	e.notifyTasks(ctx, out.Version)
	return out, nil
}

// notifyTasks publishes a version bump on the tasks channel.
func (e *Engine) notifyTasks(ctx context.Context, version int64) {
	payload := fmt.Sprintf(`{"version":%d}`, version)
	if _, err := e.store.Publish(ctx, protocol.ChannelTasks, payload); err != nil {
		if !errors.Is(err, storage.ErrBackendNotSupported) {
			slog.Debug("coord.tasks.publish_failed", "error", err)
		}
	}
}

// AddTaskParams carries the fields of an add_task request.
type AddTaskParams struct {
	Title       string
	Description string
	Priority    int
	Files       []string
	Worktree    string
}

// AddTask appends a Todo task and returns it with the new backlog version.
func (e *Engine) AddTask(ctx context.Context, by string, p AddTaskParams) (Task, int64, error) {
	var task Task
	b, err := e.mutateBacklog(ctx, nil, func(doc *backlogDoc) error {
		if doc.NextTaskID == 0 {
			doc.NextTaskID = int64(len(doc.Tasks)) + 1
		}
		task = Task{
			ID:          fmt.Sprintf("T%d", doc.NextTaskID),
			Title:       p.Title,
			Description: p.Description,
			Priority:    p.Priority,
			CreatedAt:   e.now(),
			Files:       p.Files,
			Worktree:    p.Worktree,
			Status:      TaskStatus{State: TaskTodo},
		}
		doc.NextTaskID++
		doc.Tasks = append(doc.Tasks, task)
		return nil
	})
	if err != nil {
		return Task{}, 0, err
	}
	e.appendEvent(ctx, protocol.EventTaskAdd, by, map[string]any{"task_id": task.ID, "title": task.Title})
	return task, b.Version, nil
}

// Claim moves a Todo task to Claimed by the caller.
func (e *Engine) Claim(ctx context.Context, taskID, by string, expectedVersion *int64) (Task, int64, error) {
	return e.transition(ctx, taskID, by, expectedVersion, protocol.EventTaskClaim, func(t *Task) error {
		if t.Status.State != TaskTodo {
			if t.Status.State == TaskClaimed || t.Status.State == TaskInProgress {
				return &TaskAlreadyClaimedError{TaskID: t.ID, By: t.Status.Assignee}
			}
			return &TaskInvalidStateError{TaskID: t.ID, Msg: "cannot claim a " + t.Status.State + " task"}
		}
		now := e.now()
		t.Status = TaskStatus{State: TaskClaimed, Assignee: by, ClaimedAt: &now}
		return nil
	})
}

// ClaimNext claims the highest-priority Todo task, ties broken by earliest
// creation. An empty eligible set fails with ErrTaskNotFound.
func (e *Engine) ClaimNext(ctx context.Context, by string) (Task, int64, error) {
	var claimed Task
	b, err := e.mutateBacklog(ctx, nil, func(doc *backlogDoc) error {
		best := -1
		for i := range doc.Tasks {
			if doc.Tasks[i].Status.State != TaskTodo {
				continue
			}
			if best == -1 ||
				doc.Tasks[i].Priority > doc.Tasks[best].Priority ||
				(doc.Tasks[i].Priority == doc.Tasks[best].Priority &&
					doc.Tasks[i].CreatedAt.Before(doc.Tasks[best].CreatedAt)) {
				best = i
			}
		}
		if best == -1 {
			return fmt.Errorf("%w: no claimable task", ErrTaskNotFound)
		}
		now := e.now()
		doc.Tasks[best].Status = TaskStatus{State: TaskClaimed, Assignee: by, ClaimedAt: &now}
		claimed = doc.Tasks[best]
		return nil
	})
	if err != nil {
		return Task{}, 0, err
	}
	e.appendEvent(ctx, protocol.EventTaskClaim, by, map[string]any{"task_id": claimed.ID})
	return claimed, b.Version, nil
}

// StartTask moves a task the caller claimed to InProgress.
func (e *Engine) StartTask(ctx context.Context, taskID, by string, expectedVersion *int64) (Task, int64, error) {
	return e.transition(ctx, taskID, by, expectedVersion, protocol.EventTaskStart, func(t *Task) error {
		if t.Status.State != TaskClaimed {
			return &TaskInvalidStateError{TaskID: t.ID, Msg: "cannot start a " + t.Status.State + " task"}
		}
		if t.Status.Assignee != by {
			return &TaskAlreadyClaimedError{TaskID: t.ID, By: t.Status.Assignee}
		}
		now := e.now()
		t.Status = TaskStatus{State: TaskInProgress, Assignee: by, StartedAt: &now}
		return nil
	})
}

// DoneTask completes a task the caller holds.
func (e *Engine) DoneTask(ctx context.Context, taskID, by, notes string, expectedVersion *int64) (Task, int64, error) {
	return e.transition(ctx, taskID, by, expectedVersion, protocol.EventTaskDone, func(t *Task) error {
		if t.Status.State != TaskClaimed && t.Status.State != TaskInProgress {
			return &TaskInvalidStateError{TaskID: t.ID, Msg: "cannot complete a " + t.Status.State + " task"}
		}
		if t.Status.Assignee != by {
			return &TaskAlreadyClaimedError{TaskID: t.ID, By: t.Status.Assignee}
		}
		now := e.now()
		t.Status = TaskStatus{State: TaskDone, Assignee: by, CompletedAt: &now, Notes: notes}
		return nil
	})
}

// CancelTask cancels a Todo task (any agent) or a task the caller holds.
func (e *Engine) CancelTask(ctx context.Context, taskID, by, reason string, expectedVersion *int64) (Task, int64, error) {
	return e.transition(ctx, taskID, by, expectedVersion, protocol.EventTaskCancel, func(t *Task) error {
		switch t.Status.State {
		case TaskTodo:
		case TaskClaimed, TaskInProgress:
			if t.Status.Assignee != by {
				return &TaskAlreadyClaimedError{TaskID: t.ID, By: t.Status.Assignee}
			}
		default:
			return &TaskInvalidStateError{TaskID: t.ID, Msg: "cannot cancel a " + t.Status.State + " task"}
		}
		now := e.now()
		t.Status = TaskStatus{State: TaskCancelled, CancelledBy: by, CancelledAt: &now, Reason: reason}
		return nil
	})
}

// ReleaseTask returns a task the caller holds to Todo.
func (e *Engine) ReleaseTask(ctx context.Context, taskID, by string, expectedVersion *int64) (Task, int64, error) {
	return e.transition(ctx, taskID, by, expectedVersion, protocol.EventTaskRelease, func(t *Task) error {
		if t.Status.State != TaskClaimed && t.Status.State != TaskInProgress {
			return &TaskInvalidStateError{TaskID: t.ID, Msg: "cannot release a " + t.Status.State + " task"}
		}
		if t.Status.Assignee != by {
			return &TaskAlreadyClaimedError{TaskID: t.ID, By: t.Status.Assignee}
		}
		t.Status = TaskStatus{State: TaskTodo}
		return nil
	})
}

// UpdatePriority changes a task's priority. Unrestricted, but still bumps
// the backlog version.
func (e *Engine) UpdatePriority(ctx context.Context, taskID string, priority int, expectedVersion *int64) (Task, int64, error) {
	var updated Task
	b, err := e.mutateBacklog(ctx, expectedVersion, func(doc *backlogDoc) error {
		t := doc.find(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		t.Priority = priority
		updated = *t
		return nil
	})
	if err != nil {
		return Task{}, 0, err
	}
	return updated, b.Version, nil
}

// transition applies one FSM step to a task and emits its event.
func (e *Engine) transition(ctx context.Context, taskID, by string, expectedVersion *int64, eventType string, step func(*Task) error) (Task, int64, error) {
	var result Task
	b, err := e.mutateBacklog(ctx, expectedVersion, func(doc *backlogDoc) error {
		t := doc.find(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := step(t); err != nil {
			return err
		}
		result = *t
		return nil
	})
	if err != nil {
		return Task{}, 0, err
	}
	e.appendEvent(ctx, eventType, by, map[string]any{"task_id": taskID})
	return result, b.Version, nil
}

// GetBacklog reads the backlog document without mutating it.
func (e *Engine) GetBacklog(ctx context.Context) (Backlog, error) {
	raw, ok, err := e.store.Get(ctx, backlogKey)
	if err != nil {
		return Backlog{}, err
	}
	if !ok {
		return Backlog{Tasks: []Task{}}, nil
	}
	var doc backlogDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Backlog{}, fmt.Errorf("decode backlog: %w", err)
	}
	return doc.backlog(), nil
}

// ListTasks returns tasks, optionally filtered to one status state, sorted
// by priority descending then creation time ascending.
func (e *Engine) ListTasks(ctx context.Context, state string) ([]Task, error) {
	b, err := e.GetBacklog(ctx)
	if err != nil {
		return nil, err
	}
	tasks := b.Tasks
	if state != "" {
		filtered := tasks[:0:0]
		for _, t := range tasks {
			if t.Status.State == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// GCTasks archives terminal tasks older than the given number of days into
// the archive document. Returns how many tasks moved. The archive is written
// before the backlog shrinks: a failure in between leaves a duplicate in the
// archive, never a lost record.
func (e *Engine) GCTasks(ctx context.Context, days int) (int, error) {
	cutoff := e.now().AddDate(0, 0, -days)

	b, err := e.GetBacklog(ctx)
	if err != nil {
		return 0, err
	}
	var archived []Task
	eligible := map[string]bool{}
	for _, t := range b.Tasks {
		at := t.Status.terminalAt()
		if t.Status.Terminal() && !at.IsZero() && at.Before(cutoff) {
			archived = append(archived, t)
			eligible[t.ID] = true
		}
	}
	if len(archived) == 0 {
		return 0, nil
	}

	err = e.store.AtomicUpdate(ctx, archiveKey, func(old *string) (string, error) {
		arch := struct {
			Tasks []Task `json:"tasks"`
		}{}
		if old != nil {
			if err := json.Unmarshal([]byte(*old), &arch); err != nil {
				return "", fmt.Errorf("decode archive: %w", err)
			}
		}
		arch.Tasks = append(arch.Tasks, archived...)
		raw, err := json.Marshal(arch)
		if err != nil {
			return "", fmt.Errorf("encode archive: %w", err)
		}
		return string(raw), nil
	})
	if err != nil {
		return 0, err
	}

	// Terminal states are final, so the selected ids cannot have moved.
	removed := 0
	_, err = e.mutateBacklog(ctx, nil, func(doc *backlogDoc) error {
		removed = 0
		keep := doc.Tasks[:0:0]
		for _, t := range doc.Tasks {
			if eligible[t.ID] {
				removed++
				continue
			}
			keep = append(keep, t)
		}
		doc.Tasks = keep
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Info("coord.tasks.gc", "archived", removed, "days", days)
	return removed, nil
}
