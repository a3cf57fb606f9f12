// Package coord implements the coordination state engine: agent registry,
// task backlog with optimistic versioning, broadcast and audit logs, portals,
// locks, and room lifecycle. All state lives in a storage.Backend; the engine
// owns the mutation discipline on top of it.
package coord

import (
	"time"
)

// Agent roles.
const (
	RoleReader = "reader"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Agent statuses.
const (
	AgentActive    = "active"
	AgentBusy      = "busy"
	AgentListening = "listening"
	AgentInactive  = "inactive"
)

// Agent is a registered room participant.
type Agent struct {
	Name         string    `json:"name"`
	AgentType    string    `json:"agent_type,omitempty"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	Capabilities []string  `json:"capabilities,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`

	// Session metadata, recorded when the client supplies it.
	PID      int    `json:"pid,omitempty"`
	Host     string `json:"host,omitempty"`
	TTY      string `json:"tty,omitempty"`
	Worktree string `json:"worktree,omitempty"`
}

// Task state discriminators.
const (
	TaskTodo       = "todo"
	TaskClaimed    = "claimed"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"
)

// TaskStatus is a tagged union: State selects which of the remaining fields
// are meaningful.
type TaskStatus struct {
	State       string     `json:"state"`
	Assignee    string     `json:"assignee,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy string     `json:"cancelled_by,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Terminal reports whether the status is Done or Cancelled.
func (s TaskStatus) Terminal() bool {
	return s.State == TaskDone || s.State == TaskCancelled
}

// terminalAt returns when the task entered its terminal state.
func (s TaskStatus) terminalAt() time.Time {
	switch s.State {
	case TaskDone:
		if s.CompletedAt != nil {
			return *s.CompletedAt
		}
	case TaskCancelled:
		if s.CancelledAt != nil {
			return *s.CancelledAt
		}
	}
	return time.Time{}
}

// Task is one unit of backlog work.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	Files       []string   `json:"files,omitempty"`
	Status      TaskStatus `json:"status"`
	Worktree    string     `json:"worktree,omitempty"`
}

// Backlog is the room's task document. Version is the CAS guard: every
// mutating write increments it.
type Backlog struct {
	Tasks       []Task    `json:"tasks"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// Message kinds.
const (
	MessageBroadcast = "broadcast"
	MessageDirect    = "direct"
)

// Message is one entry in the ordered room log.
type Message struct {
	Seq       int64     `json:"seq"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Mention   string    `json:"mention,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one append-only audit record.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Agent     string         `json:"agent"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RoomState is the room's lifecycle document.
type RoomState struct {
	ProtocolVersion int       `json:"protocol_version"`
	StartedAt       time.Time `json:"started_at"`
	LastUpdated     time.Time `json:"last_updated"`
	ActiveAgents    []string  `json:"active_agents"`
	MessageSeq      int64     `json:"message_seq"`
	EventSeq        int64     `json:"event_seq"`
	Mode            string    `json:"mode,omitempty"`
	Paused          bool      `json:"paused"`
	PausedBy        string    `json:"paused_by,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	PauseReason     string    `json:"pause_reason,omitempty"`
}

// Portal statuses.
const (
	PortalOpen   = "open"
	PortalClosed = "closed"
)

// Portal authorizes direct messages from From to Target. Opening a portal
// creates its reverse counterpart so the authorization is bidirectional.
type Portal struct {
	From      string    `json:"from"`
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	OpenedAt  time.Time `json:"opened_at"`
	TaskCount int       `json:"task_count"`
}
