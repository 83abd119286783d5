// Package audit provides the append-only accountability ledger.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/domain"
	"github.com/crewdeck/crewdeck/store"
)

const (
	defaultWindow = 7 * 24 * time.Hour
	defaultLimit  = 100
	maxLimit      = 500
)

// Entry describes a fact to be appended to the ledger.
type Entry struct {
	Actor        domain.Actor
	Action       string
	ResourceType string
	ResourceID   string
	ThreadID     string
	RunID        string
	Decision     domain.Decision
	Reason       string
	Metadata     json.RawMessage
}

// Ledger records who did what, when, and why. Entries are immutable once
// written; there is no update or delete path.
type Ledger struct {
	store store.Store
}

// NewLedger creates a ledger over the given store.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Append writes one entry and returns it with its assigned sequence number.
func (l *Ledger) Append(ctx context.Context, entry Entry) (*domain.AuditEvent, error) {
	if err := validateActor(entry.Actor); err != nil {
		return nil, err
	}
	if entry.Action == "" {
		return nil, fmt.Errorf("audit: action is required")
	}
	if entry.ResourceType == "" || entry.ResourceID == "" {
		return nil, fmt.Errorf("audit: resource is required")
	}

	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	event := &domain.AuditEvent{
		EventID:      "evt_" + uuid.New().String()[:8],
		Actor:        entry.Actor,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		ThreadID:     entry.ThreadID,
		RunID:        entry.RunID,
		Decision:     entry.Decision,
		Reason:       entry.Reason,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.AppendAuditEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("audit: append failed: %w", err)
	}
	return event, nil
}

// Query reads ledger entries, newest first. A zero Since defaults to the
// last seven days; Limit defaults to 100 and is capped at 500.
func (l *Ledger) Query(ctx context.Context, q store.AuditQuery) ([]domain.AuditEvent, error) {
	if q.Since.IsZero() {
		q.Since = time.Now().UTC().Add(-defaultWindow)
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	return l.store.QueryAuditEvents(ctx, q)
}

func validateActor(actor domain.Actor) error {
	switch actor.Type {
	case domain.ActorTypeUser:
		if actor.UserID == "" || actor.AgentID != "" {
			return fmt.Errorf("audit: user actor requires exactly user_id")
		}
	case domain.ActorTypeAgent:
		if actor.AgentID == "" || actor.UserID != "" {
			return fmt.Errorf("audit: agent actor requires exactly agent_id")
		}
	case domain.ActorTypeSystem:
		if actor.UserID != "" || actor.AgentID != "" {
			return fmt.Errorf("audit: system actor carries no identity")
		}
	default:
		return fmt.Errorf("audit: unknown actor type %q", actor.Type)
	}
	return nil
}
