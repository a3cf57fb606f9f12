package tools

import (
	"context"
	"fmt"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/pkg/protocol"
)

func (r *Router) taskTools() []Descriptor {
	versionProp := intProp("Optional optimistic concurrency guard")
	return []Descriptor{
		{
			Name:        protocol.ToolAddTask,
			Description: "Add a task to the shared backlog.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":  stringProp("Caller"),
				"title":       stringProp("Task title"),
				"description": stringProp("Task description"),
				"priority":    intProp("Higher numbers are claimed first"),
				"files":       arrayProp("Files the task touches"),
				"worktree":    stringProp("Worktree hint"),
			}, "title"),
			Permission: auth.PermTask,
			Category:   ratelimit.TaskOps,
			Write:      true,
			Handler:    r.handleAddTask,
		},
		{
			Name:        protocol.ToolClaim,
			Description: "Claim a specific todo task.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":       stringProp("Caller"),
				"task_id":          stringProp("Task to claim"),
				"expected_version": versionProp,
			}, "task_id"),
			Permission: auth.PermTask,
			Category:   ratelimit.TaskOps,
			Write:      true,
			Handler:    r.handleClaim,
		},
		{
			Name:        protocol.ToolClaimNext,
			Description: "Claim the highest-priority todo task.",
			InputSchema: objectSchema(map[string]any{"agent_name": stringProp("Caller")}, ""),
			Permission:  auth.PermTask,
			Category:    ratelimit.TaskOps,
			Write:       true,
			Handler:     r.handleClaimNext,
		},
		{
			Name:        protocol.ToolStartTask,
			Description: "Move a claimed task to in progress.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":       stringProp("Caller"),
				"task_id":          stringProp("Task to start"),
				"expected_version": versionProp,
			}, "task_id"),
			Permission: auth.PermTask,
			Category:   ratelimit.TaskOps,
			Write:      true,
			Handler:    r.handleStartTask,
		},
		{
			Name:        protocol.ToolDone,
			Description: "Mark a task as completed.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":       stringProp("Caller"),
				"task_id":          stringProp("Task to complete"),
				"notes":            stringProp("Completion notes"),
				"expected_version": versionProp,
			}, "task_id"),
			Permission: auth.PermTask,
			Category:   ratelimit.TaskOps,
			Write:      true,
			Handler:    r.handleDone,
		},
		{
			Name:        protocol.ToolCancelTask,
			Description: "Cancel a task that is not already terminal.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":       stringProp("Caller"),
				"task_id":          stringProp("Task to cancel"),
				"reason":           stringProp("Why the task is cancelled"),
				"expected_version": versionProp,
			}, "task_id"),
			Permission: auth.PermTask,
			Category:   ratelimit.TaskOps,
			Write:      true,
			Handler:    r.handleCancelTask,
		},
		{
			Name:        protocol.ToolRelease,
			Description: "Return a claimed or started task to the todo pool.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":       stringProp("Caller"),
				"task_id":          stringProp("Task to release"),
				"expected_version": versionProp,
			}, "task_id"),
			Permission: auth.PermTask,
			Category:   ratelimit.TaskOps,
			Write:      true,
			Handler:    r.handleRelease,
		},
		{
			Name:        protocol.ToolListTasks,
			Description: "List backlog tasks, optionally filtered by state.",
			InputSchema: objectSchema(map[string]any{
				"state": stringProp("todo, claimed, in_progress, done, or cancelled"),
			}, ""),
			Permission: auth.PermRead,
			Category:   ratelimit.General,
			Handler:    r.handleListTasks,
		},
		{
			Name:        protocol.ToolUpdatePriority,
			Description: "Change a task's priority.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":       stringProp("Caller"),
				"task_id":          stringProp("Task to reprioritize"),
				"priority":         intProp("New priority"),
				"expected_version": versionProp,
			}, "task_id"),
			Permission: auth.PermTask,
			Category:   ratelimit.TaskOps,
			Write:      true,
			Handler:    r.handleUpdatePriority,
		},
		{
			Name:        protocol.ToolGC,
			Description: "Archive terminal tasks older than the cutoff.",
			InputSchema: objectSchema(map[string]any{
				"days": intProp("Age cutoff in days, default 7"),
			}, ""),
			Permission: auth.PermAdmin,
			Category:   ratelimit.TaskOps,
			Write:      true,
			Admin:      true,
			Handler:    r.handleGC,
		},
	}
}

func (r *Router) handleAddTask(ctx context.Context, req *Request) *Result {
	title, err := requireString(req.Args, "title")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	task, version, err := r.engine.AddTask(ctx, req.Agent, coord.AddTaskParams{
		Title:       title,
		Description: argString(req.Args, "description"),
		Priority:    argInt(req.Args, "priority", 0),
		Files:       argStrings(req.Args, "files"),
		Worktree:    argString(req.Args, "worktree"),
	})
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"task": task, "version": version})
}

func (r *Router) taskTransition(req *Request, fn func(taskID string, version *int64) (coord.Task, int64, error)) *Result {
	taskID, err := requireString(req.Args, "task_id")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	task, version, err := fn(taskID, argVersion(req.Args))
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"task": task, "version": version})
}

func (r *Router) handleClaim(ctx context.Context, req *Request) *Result {
	return r.taskTransition(req, func(id string, v *int64) (coord.Task, int64, error) {
		return r.engine.Claim(ctx, id, req.Agent, v)
	})
}

func (r *Router) handleClaimNext(ctx context.Context, req *Request) *Result {
	task, version, err := r.engine.ClaimNext(ctx, req.Agent)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"task": task, "version": version})
}

func (r *Router) handleStartTask(ctx context.Context, req *Request) *Result {
	return r.taskTransition(req, func(id string, v *int64) (coord.Task, int64, error) {
		return r.engine.StartTask(ctx, id, req.Agent, v)
	})
}

func (r *Router) handleDone(ctx context.Context, req *Request) *Result {
	notes := argString(req.Args, "notes")
	return r.taskTransition(req, func(id string, v *int64) (coord.Task, int64, error) {
		return r.engine.DoneTask(ctx, id, req.Agent, notes, v)
	})
}

func (r *Router) handleCancelTask(ctx context.Context, req *Request) *Result {
	reason := argString(req.Args, "reason")
	return r.taskTransition(req, func(id string, v *int64) (coord.Task, int64, error) {
		return r.engine.CancelTask(ctx, id, req.Agent, reason, v)
	})
}

func (r *Router) handleRelease(ctx context.Context, req *Request) *Result {
	return r.taskTransition(req, func(id string, v *int64) (coord.Task, int64, error) {
		return r.engine.ReleaseTask(ctx, id, req.Agent, v)
	})
}

func (r *Router) handleListTasks(ctx context.Context, req *Request) *Result {
	tasks, err := r.engine.ListTasks(ctx, argString(req.Args, "state"))
	if err != nil {
		return renderError(err)
	}
	b, err := r.engine.GetBacklog(ctx)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"tasks": tasks, "version": b.Version})
}

func (r *Router) handleUpdatePriority(ctx context.Context, req *Request) *Result {
	priority := argInt(req.Args, "priority", 0)
	return r.taskTransition(req, func(id string, v *int64) (coord.Task, int64, error) {
		return r.engine.UpdatePriority(ctx, id, priority, v)
	})
}

func (r *Router) handleGC(ctx context.Context, req *Request) *Result {
	days := argInt(req.Args, "days", 7)
	archived, err := r.engine.GCTasks(ctx, days)
	if err != nil {
		return renderError(err)
	}
	return NewResult(fmt.Sprintf("archived %d task(s) older than %d day(s)", archived, days))
}
