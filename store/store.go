// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/crewdeck/crewdeck/domain"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for data persistence.
type Store interface {
	// Thread operations
	CreateThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	GetMessages(ctx context.Context, threadID string, limit int, afterSeq int64) ([]domain.Message, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	// ClaimQueuedRuns atomically marks up to limit queued runs as running,
	// oldest sequence first, and returns them. The claim is a single
	// exclusive operation: no two concurrent claimers can take the same run.
	ClaimQueuedRuns(ctx context.Context, limit int, now time.Time) ([]domain.Run, error)
	// FinalizeRunSuccess transitions a running run to succeeded and inserts
	// the agent message in one transaction, guarded on status='running'.
	// Returns false when the run was no longer running (e.g. canceled).
	FinalizeRunSuccess(ctx context.Context, runID string, msg *domain.Message, now time.Time) (bool, error)
	// FinalizeRunFailure transitions a running run to failed or timeout,
	// guarded on status='running'.
	FinalizeRunFailure(ctx context.Context, runID string, status domain.RunStatus, now time.Time) (bool, error)
	// CancelRun transitions a queued or running run to canceled. Returns
	// false when the run was already terminal.
	CancelRun(ctx context.Context, runID string, now time.Time) (bool, error)

	// Audit ledger operations (append-only; no update or delete exists)
	AppendAuditEvent(ctx context.Context, event *domain.AuditEvent) error
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]domain.AuditEvent, error)

	// Agent operations
	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	TouchAgentSeen(ctx context.Context, agentID string, now time.Time) error
	MarkAgentPingPending(ctx context.Context, agentID string, now time.Time) error
	RecordAgentPingAck(ctx context.Context, agentID string, latencyMs int64, now time.Time) error

	// Inbox operations
	CreateInboxItem(ctx context.Context, item *domain.InboxItem) error
	ListInboxItems(ctx context.Context, agentID string, status domain.InboxItemStatus, limit int) ([]domain.InboxItem, error)
	// AckInboxItem marks a pending item as acknowledged and merges the
	// response into its payload. Returns nil when the item does not exist,
	// belongs to another agent, or was already acknowledged.
	AckInboxItem(ctx context.Context, agentID, inboxID string, response json.RawMessage, now time.Time) (*domain.InboxItem, error)
	DeleteInboxItemsForTask(ctx context.Context, taskID string) (int64, error)

	// Task operations
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	UpdateTask(ctx context.Context, task *domain.Task) error
	DeleteTask(ctx context.Context, taskID string) (bool, error)

	// Lifecycle
	Close() error
}

// AuditQuery provides filtering options for ledger reads.
type AuditQuery struct {
	Since    time.Time
	Limit    int
	Action   string
	ThreadID string
	RunID    string
}
