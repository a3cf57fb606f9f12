package protocol

// Top-level JSON-RPC method names.
const (
	MethodInitialize         = "initialize"
	MethodInitialized        = "initialized"
	MethodNotificationsInit  = "notifications/initialized"
	MethodToolsList          = "tools/list"
	MethodToolsCall          = "tools/call"
	MethodResourcesList      = "resources/list"
	MethodResourcesRead      = "resources/read"
	MethodResourcesTemplates = "resources/templates/list"
	MethodPromptsList        = "prompts/list"
)

// Tool names, grouped by subsystem dispatch table.

// Agent registry tools.
const (
	ToolJoin       = "join"
	ToolLeave      = "leave"
	ToolHeartbeat  = "heartbeat"
	ToolListAgents = "list_agents"
	ToolListen     = "listen"
	ToolUnlisten   = "unlisten"
)

// Messaging tools.
const (
	ToolBroadcast      = "broadcast"
	ToolSend           = "send"
	ToolGetMessages    = "get_messages"
	ToolWaitForMessage = "wait_for_message"
)

// Task tools.
const (
	ToolAddTask        = "add_task"
	ToolClaim          = "claim"
	ToolClaimNext      = "claim_next"
	ToolStartTask      = "start_task"
	ToolDone           = "done"
	ToolCancelTask     = "cancel_task"
	ToolRelease        = "release"
	ToolListTasks      = "list_tasks"
	ToolUpdatePriority = "update_priority"
	ToolGC             = "gc"
)

// Lock tools.
const (
	ToolAcquireLock = "acquire_lock"
	ToolReleaseLock = "release_lock"
	ToolExtendLock  = "extend_lock"
	ToolListLocks   = "list_locks"
)

// Portal tools.
const (
	ToolOpenPortal  = "open_portal"
	ToolClosePortal = "close_portal"
	ToolListPortals = "list_portals"
)

// Room administration tools.
const (
	ToolStatus      = "status"
	ToolGetEvents   = "get_events"
	ToolInit        = "init"
	ToolReset       = "reset"
	ToolPause       = "pause"
	ToolResume      = "resume"
	ToolTokenIssue  = "token_issue"
	ToolTokenRevoke = "token_revoke"
)

// Handoff tools.
const (
	ToolMementoMori   = "memento_mori"
	ToolMitosisStatus = "mitosis_status"
)

// URIScheme is the resource URI scheme served by resources/read.
const URIScheme = "masc://"
