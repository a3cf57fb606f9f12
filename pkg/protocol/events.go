package protocol

// Audit event types recorded in the append-only event log.
const (
	EventAgentJoin   = "agent_join"
	EventAgentLeave  = "agent_leave"
	EventBroadcast   = "broadcast"
	EventTaskAdd     = "task_add"
	EventTaskClaim   = "task_claim"
	EventTaskStart   = "task_start"
	EventTaskDone    = "task_done"
	EventTaskCancel  = "task_cancel"
	EventTaskRelease = "task_release"
	EventLockAcquire = "lock_acquire"
	EventLockRelease = "lock_release"
	EventPortalOpen  = "portal_open"
	EventPortalClose = "portal_close"
	EventRoomReset   = "room_reset"
	EventRoomPause   = "room_pause"
	EventRoomResume  = "room_resume"
	EventMitosis     = "mitosis"
)

// Pub/sub channel names.
const (
	ChannelMessages = "messages"
	ChannelEvents   = "events"
	ChannelTasks    = "tasks"
)
