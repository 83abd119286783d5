// Package domain defines the core domain models for crewdeck.
package domain

import (
	"encoding/json"
	"time"
)

// Thread is a conversation in the shared workspace.
type Thread struct {
	ThreadID  string    `json:"thread_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single utterance in a thread. Immutable once created;
// ordered by the global sequence, not wall clock.
type Message struct {
	MessageID  string    `json:"message_id"`
	Seq        int64     `json:"seq"`
	ThreadID   string    `json:"thread_id"`
	AuthorID   string    `json:"author_id"`
	AuthorType ActorType `json:"author_type"` // user, agent, system
	RunID      string    `json:"run_id,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Run is a single request for one agent to act within one thread.
type Run struct {
	RunID          string     `json:"run_id"`
	Seq            int64      `json:"seq"`
	ThreadID       string     `json:"thread_id"`
	RequesterID    string     `json:"requester_id"`
	RequesterType  ActorType  `json:"requester_type"`
	AgentID        string     `json:"agent_id"`
	Status         RunStatus  `json:"status"`
	InputMessageID string     `json:"input_message_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Actor is a tagged variant identifying who performed an audited action.
// Exactly one of UserID/AgentID is set for user/agent actors; neither for
// system.
type Actor struct {
	Type    ActorType `json:"type"`
	UserID  string    `json:"user_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
}

// UserActor builds an Actor for a human user.
func UserActor(userID string) Actor {
	return Actor{Type: ActorTypeUser, UserID: userID}
}

// AgentActor builds an Actor for an agent.
func AgentActor(agentID string) Actor {
	return Actor{Type: ActorTypeAgent, AgentID: agentID}
}

// SystemActor builds an Actor for the system itself.
func SystemActor() Actor {
	return Actor{Type: ActorTypeSystem}
}

// AuditEvent is an immutable fact in the append-only ledger. Its Seq is
// the ledger's sole ordering guarantee.
type AuditEvent struct {
	EventID      string          `json:"event_id"`
	Seq          int64           `json:"seq"`
	Actor        Actor           `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	ThreadID     string          `json:"thread_id,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	Decision     Decision        `json:"decision,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Agent is a registered workspace agent, including the health fields
// mutated by the inbox protocol.
type Agent struct {
	AgentID       string      `json:"agent_id"`
	Name          string      `json:"name"`
	CallbackToken string      `json:"-"`
	Status        AgentStatus `json:"status"`
	PingStatus    PingStatus  `json:"ping_status"`
	LastPingAt    *time.Time  `json:"last_ping_at,omitempty"`
	LastSeenAt    *time.Time  `json:"last_seen_at,omitempty"`
	LastPingMs    *int64      `json:"last_ping_ms,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// InboxItem is a unit of work or notification addressed to one agent.
type InboxItem struct {
	InboxID   string          `json:"inbox_id"`
	AgentID   string          `json:"agent_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Type      InboxItemType   `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    InboxItemStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	AckedAt   *time.Time      `json:"acked_at,omitempty"`
}

// Task is a unit of assigned work whose lifecycle drives task_assigned
// inbox items.
type Task struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PostMessageRequest is the body for posting a message to a thread.
type PostMessageRequest struct {
	AuthorID       string    `json:"author_id"`
	AuthorType     ActorType `json:"author_type"`
	Content        string    `json:"content"`
	TargetAgentIDs []string  `json:"target_agent_ids,omitempty"`
}

// PostMessageResponse returns the stored message plus any runs enqueued
// for its target agents.
type PostMessageResponse struct {
	Message Message `json:"message"`
	Runs    []Run   `json:"runs"`
}

// CreateThreadRequest is the body for creating a thread.
type CreateThreadRequest struct {
	Title string `json:"title"`
}

// RegisterAgentRequest is the body for registering an agent.
type RegisterAgentRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// RegisterAgentResponse returns the agent plus its callback token. The
// token is surfaced exactly once, at registration.
type RegisterAgentResponse struct {
	Agent         Agent  `json:"agent"`
	CallbackToken string `json:"callback_token"`
}

// AckRequest is the body for acknowledging an inbox item.
type AckRequest struct {
	InboxID       string          `json:"inbox_id"`
	CallbackToken string          `json:"callback_token"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// AckResponse carries the computed round-trip latency, or null when the
// ack was a no-op.
type AckResponse struct {
	LatencyMs *int64 `json:"latency_ms"`
}

// CreateTaskRequest is the body for creating a task.
type CreateTaskRequest struct {
	Title   string `json:"title"`
	AgentID string `json:"agent_id"`
}

// UpdateTaskRequest is the body for updating a task. Empty fields are left
// unchanged.
type UpdateTaskRequest struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}
