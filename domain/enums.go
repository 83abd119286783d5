package domain

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimeout, RunStatusCanceled:
		return true
	}
	return false
}

// ActorType identifies who performed an action.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAgent  ActorType = "agent"
	ActorTypeSystem ActorType = "system"
)

// Decision is the recorded outcome of an audited action.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
	DecisionError Decision = "error"
)

// Audit actions written by the core.
const (
	ActionRunEnqueue  = "run.enqueue"
	ActionRunBlocked  = "run.blocked"
	ActionRunStart    = "run.start"
	ActionRunComplete = "run.complete"
	ActionRunError    = "run.error"
	ActionRunCancel   = "run.cancel"
	ActionLLMFallback = "llm.fallback"
)

// InboxItemType is the kind of work or notification addressed to an agent.
type InboxItemType string

const (
	InboxTypePing         InboxItemType = "ping"
	InboxTypeTaskAssigned InboxItemType = "task_assigned"
	InboxTypeWelcome      InboxItemType = "welcome"
)

// InboxItemStatus tracks whether an agent has acknowledged an item.
type InboxItemStatus string

const (
	InboxStatusPending InboxItemStatus = "pending"
	InboxStatusAck     InboxItemStatus = "ack"
)

// PingStatus is the state of the last liveness probe sent to an agent.
type PingStatus string

const (
	PingStatusUnknown PingStatus = "unknown"
	PingStatusPending PingStatus = "pending"
	PingStatusOK      PingStatus = "ok"
)

// AgentStatus is the coarse availability of an agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Fanout event types published to live observers.
const (
	EventRunCreated     = "run.created"
	EventRunUpdated     = "run.updated"
	EventMessageCreated = "message.created"
	EventTaskCreated    = "task:created"
	EventTaskUpdated    = "task:updated"
	EventTaskDeleted    = "task:deleted"
	EventAgentPingSent  = "agent:ping_sent"
	EventAgentPingAck   = "agent:ping_ack"
)
