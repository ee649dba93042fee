package tracing

// Span attribute keys used across the kernel.
const (
	AttrEventID   = "event.id"
	AttrEventType = "event.type"
	AttrEventSeq  = "event.seq"
	AttrRetry     = "event.retry"

	AttrTaskID     = "task.id"
	AttrTaskStatus = "task.status"

	AttrWorkerID   = "worker.id"
	AttrReviewerID = "reviewer.id"

	AttrToolName   = "mcp.tool.name"
	AttrServerName = "mcp.server.name"

	AttrSessionGUID = "session.guid"
	AttrBranch      = "git.branch"
	AttrPRURL       = "pr.url"
)

// Span name prefixes.
const (
	SpanPrefixDispatch = "event.dispatch."
	SpanPrefixTool     = "mcp.tool."
)

// Span event names.
const (
	EventWorkspaceCreated = "workspace.created"
	EventWorkspaceRemoved = "workspace.removed"
	EventPaneOpened       = "pane.opened"
	EventPaneClosed       = "pane.closed"
	EventTaskTransition   = "task.transition"
	EventRetryScheduled   = "retry.scheduled"
)
