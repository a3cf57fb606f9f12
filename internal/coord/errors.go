package coord

import (
	"errors"
	"fmt"
)

// Room lifecycle errors.
var (
	ErrNotInitialized     = errors.New("room not initialized")
	ErrAlreadyInitialized = errors.New("room already initialized")
	ErrRoomPaused         = errors.New("room is paused")
)

// Agent errors.
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrInvalidAgentName = errors.New("invalid agent name")
)

// Task errors.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotClaimed = errors.New("task not claimed")
)

// Portal errors.
var (
	ErrPortalNotOpen = errors.New("portal not open")
	ErrPortalClosed  = errors.New("portal closed")
)

// TaskAlreadyClaimedError reports a claim on a task another agent holds.
type TaskAlreadyClaimedError struct {
	TaskID string
	By     string
}

func (e *TaskAlreadyClaimedError) Error() string {
	return fmt.Sprintf("task %s already claimed by %s", e.TaskID, e.By)
}

// TaskInvalidStateError reports a transition the FSM forbids.
type TaskInvalidStateError struct {
	TaskID string
	Msg    string
}

func (e *TaskInvalidStateError) Error() string {
	return fmt.Sprintf("task %s: %s", e.TaskID, e.Msg)
}

// VersionConflictError reports a stale expected_version on a backlog write.
type VersionConflictError struct {
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", e.Expected, e.Actual)
}

// PortalAlreadyOpenError reports an open on an existing open portal.
type PortalAlreadyOpenError struct {
	Agent  string
	Target string
}

func (e *PortalAlreadyOpenError) Error() string {
	return fmt.Sprintf("portal %s->%s already open", e.Agent, e.Target)
}
