package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crewdeck/crewdeck/domain"
)

// SQLiteStore implements Store using SQLite.
//
// Run claiming relies on SQLite's single-writer serialization: the claim is
// one UPDATE ... RETURNING statement, so concurrent claimers are serialized
// by the engine and can never take the same queued row. Any engine offering
// row-level locking with a non-blocking skip option (e.g. SELECT ... FOR
// UPDATE SKIP LOCKED) satisfies the same contract.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			author_type TEXT NOT NULL,
			run_id TEXT,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			requester_type TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input_message_id TEXT,
			started_at DATETIME,
			ended_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, seq)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			actor_type TEXT NOT NULL,
			actor_user_id TEXT,
			actor_agent_id TEXT,
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			thread_id TEXT,
			run_id TEXT,
			decision TEXT,
			reason TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (
				(actor_type = 'user' AND actor_user_id IS NOT NULL AND actor_agent_id IS NULL) OR
				(actor_type = 'agent' AND actor_agent_id IS NOT NULL AND actor_user_id IS NULL) OR
				(actor_type = 'system' AND actor_user_id IS NULL AND actor_agent_id IS NULL)
			)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			callback_token TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			ping_status TEXT NOT NULL DEFAULT 'unknown',
			last_ping_at DATETIME,
			last_seen_at DATETIME,
			last_ping_ms INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS inbox_items (
			inbox_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			acked_at DATETIME,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_agent_status ON inbox_items(agent_id, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateThread creates a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *domain.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		thread.ThreadID, thread.Title, thread.CreatedAt, thread.UpdatedAt)
	return err
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	var t domain.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, title, created_at, updated_at FROM threads WHERE thread_id = ?`,
		threadID).Scan(&t.ThreadID, &t.Title, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateMessage creates a new message and fills in its sequence number.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, thread_id, author_id, author_type, run_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.ThreadID, message.AuthorID, message.AuthorType,
		nullString(message.RunID), message.Content, message.CreatedAt)
	if err != nil {
		return err
	}
	message.Seq, err = res.LastInsertId()
	return err
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	var msg domain.Message
	var runID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, message_id, thread_id, author_id, author_type, run_id, content, created_at
		 FROM messages WHERE message_id = ?`, messageID).
		Scan(&msg.Seq, &msg.MessageID, &msg.ThreadID, &msg.AuthorID, &msg.AuthorType, &runID, &msg.Content, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		msg.RunID = runID.String
	}
	return &msg, nil
}

// GetMessages retrieves messages for a thread, ascending by sequence.
func (s *SQLiteStore) GetMessages(ctx context.Context, threadID string, limit int, afterSeq int64) ([]domain.Message, error) {
	query := `SELECT seq, message_id, thread_id, author_id, author_type, run_id, content, created_at
		FROM messages WHERE thread_id = ?`
	args := []interface{}{threadID}
	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, afterSeq)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID sql.NullString
		if err := rows.Scan(&msg.Seq, &msg.MessageID, &msg.ThreadID, &msg.AuthorID, &msg.AuthorType, &runID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			msg.RunID = runID.String
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateRun creates a new run and fills in its sequence number.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, thread_id, requester_id, requester_type, agent_id, status, input_message_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ThreadID, run.RequesterID, run.RequesterType, run.AgentID,
		run.Status, nullString(run.InputMessageID), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return err
	}
	run.Seq, err = res.LastInsertId()
	return err
}

const runColumns = `seq, run_id, thread_id, requester_id, requester_type, agent_id, status, input_message_id, started_at, ended_at, created_at, updated_at`

func scanRun(scanner interface{ Scan(...interface{}) error }) (*domain.Run, error) {
	var run domain.Run
	var inputMessageID sql.NullString
	var startedAt, endedAt sql.NullTime
	err := scanner.Scan(&run.Seq, &run.RunID, &run.ThreadID, &run.RequesterID, &run.RequesterType,
		&run.AgentID, &run.Status, &inputMessageID, &startedAt, &endedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inputMessageID.Valid {
		run.InputMessageID = inputMessageID.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ClaimQueuedRuns atomically claims up to limit queued runs, oldest first.
// The whole claim is one UPDATE statement, so no two concurrent claimers
// can observe or take the same row.
func (s *SQLiteStore) ClaimQueuedRuns(ctx context.Context, limit int, now time.Time) ([]domain.Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, updated_at = ?
		 WHERE run_id IN (
			SELECT run_id FROM runs WHERE status = ? ORDER BY seq ASC LIMIT ?
		 )
		 RETURNING `+runColumns,
		domain.RunStatusRunning, now, now, domain.RunStatusQueued, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not guarantee row order.
	sort.Slice(runs, func(i, j int) bool { return runs[i].Seq < runs[j].Seq })
	return runs, nil
}

// FinalizeRunSuccess transitions a running run to succeeded and stores the
// agent's message in one transaction. The status guard resolves races with
// cancel: if the run is no longer running, nothing is written.
func (s *SQLiteStore) FinalizeRunSuccess(ctx context.Context, runID string, msg *domain.Message, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, updated_at = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusSucceeded, now, now, runID, domain.RunStatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	msgRes, err := tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, thread_id, author_id, author_type, run_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ThreadID, msg.AuthorID, msg.AuthorType, nullString(msg.RunID), msg.Content, msg.CreatedAt)
	if err != nil {
		return false, err
	}
	if msg.Seq, err = msgRes.LastInsertId(); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE thread_id = ?`, now, msg.ThreadID); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// FinalizeRunFailure transitions a running run to a failed terminal state.
func (s *SQLiteStore) FinalizeRunFailure(ctx context.Context, runID string, status domain.RunStatus, now time.Time) (bool, error) {
	if status != domain.RunStatusFailed && status != domain.RunStatusTimeout {
		return false, fmt.Errorf("invalid failure status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, updated_at = ? WHERE run_id = ? AND status = ?`,
		status, now, now, runID, domain.RunStatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// CancelRun transitions a queued or running run to canceled. The status
// guard makes cancellation idempotent against already-terminal runs.
func (s *SQLiteStore) CancelRun(ctx context.Context, runID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, updated_at = ? WHERE run_id = ? AND status IN (?, ?)`,
		domain.RunStatusCanceled, now, now, runID, domain.RunStatusQueued, domain.RunStatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// AppendAuditEvent appends an event to the ledger and fills in its sequence
// number. The actor-variant invariant is enforced by a table constraint.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		metadata = string(event.Metadata)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, actor_type, actor_user_id, actor_agent_id, action, resource_type, resource_id, thread_id, run_id, decision, reason, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.Actor.Type, nullString(event.Actor.UserID), nullString(event.Actor.AgentID),
		event.Action, event.ResourceType, event.ResourceID,
		nullString(event.ThreadID), nullString(event.RunID),
		nullString(string(event.Decision)), nullString(event.Reason), metadata, event.CreatedAt)
	if err != nil {
		return err
	}
	event.Seq, err = res.LastInsertId()
	return err
}

// QueryAuditEvents returns ledger entries matching the query, descending by
// sequence.
func (s *SQLiteStore) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]domain.AuditEvent, error) {
	query := `SELECT seq, event_id, actor_type, actor_user_id, actor_agent_id, action, resource_type, resource_id, thread_id, run_id, decision, reason, metadata, created_at
		FROM audit_events WHERE created_at >= ?`
	args := []interface{}{q.Since}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if q.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, q.ThreadID)
	}
	if q.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, q.RunID)
	}
	query += ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var evt domain.AuditEvent
		var userID, agentID, threadID, runID, decision, reason sql.NullString
		var metadata string
		if err := rows.Scan(&evt.Seq, &evt.EventID, &evt.Actor.Type, &userID, &agentID,
			&evt.Action, &evt.ResourceType, &evt.ResourceID, &threadID, &runID,
			&decision, &reason, &metadata, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Actor.UserID = userID.String
		evt.Actor.AgentID = agentID.String
		evt.ThreadID = threadID.String
		evt.RunID = runID.String
		evt.Decision = domain.Decision(decision.String)
		evt.Reason = reason.String
		evt.Metadata = json.RawMessage(metadata)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// RegisterAgent registers or updates an agent. Health fields are preserved
// on re-registration; only name and token are replaced.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, name, callback_token, status, ping_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET name = excluded.name, callback_token = excluded.callback_token`,
		agent.AgentID, agent.Name, agent.CallbackToken, agent.Status, agent.PingStatus, agent.CreatedAt)
	return err
}

const agentColumns = `agent_id, name, callback_token, status, ping_status, last_ping_at, last_seen_at, last_ping_ms, created_at`

func scanAgent(scanner interface{ Scan(...interface{}) error }) (*domain.Agent, error) {
	var agent domain.Agent
	var lastPingAt, lastSeenAt sql.NullTime
	var lastPingMs sql.NullInt64
	err := scanner.Scan(&agent.AgentID, &agent.Name, &agent.CallbackToken, &agent.Status,
		&agent.PingStatus, &lastPingAt, &lastSeenAt, &lastPingMs, &agent.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastPingAt.Valid {
		agent.LastPingAt = &lastPingAt.Time
	}
	if lastSeenAt.Valid {
		agent.LastSeenAt = &lastSeenAt.Time
	}
	if lastPingMs.Valid {
		agent.LastPingMs = &lastPingMs.Int64
	}
	return &agent, nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgents lists all agents.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// TouchAgentSeen updates the agent's last_seen_at timestamp.
func (s *SQLiteStore) TouchAgentSeen(ctx context.Context, agentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE agent_id = ?`, now, agentID)
	return err
}

// MarkAgentPingPending flips the agent's ping_status to pending.
func (s *SQLiteStore) MarkAgentPingPending(ctx context.Context, agentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET ping_status = ?, last_ping_at = ? WHERE agent_id = ?`,
		domain.PingStatusPending, now, agentID)
	return err
}

// RecordAgentPingAck records a resolved ping: agent is online and healthy.
func (s *SQLiteStore) RecordAgentPingAck(ctx context.Context, agentID string, latencyMs int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET ping_status = ?, status = ?, last_ping_ms = ?, last_ping_at = ?, last_seen_at = ? WHERE agent_id = ?`,
		domain.PingStatusOK, domain.AgentStatusOnline, latencyMs, now, now, agentID)
	return err
}

// CreateInboxItem creates a new inbox item.
func (s *SQLiteStore) CreateInboxItem(ctx context.Context, item *domain.InboxItem) error {
	payload := "{}"
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbox_items (inbox_id, agent_id, task_id, type, payload, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.InboxID, item.AgentID, nullString(item.TaskID), item.Type, payload, item.Status, item.CreatedAt)
	return err
}

// ListInboxItems retrieves an agent's inbox items, ascending by creation.
func (s *SQLiteStore) ListInboxItems(ctx context.Context, agentID string, status domain.InboxItemStatus, limit int) ([]domain.InboxItem, error) {
	query := `SELECT inbox_id, agent_id, task_id, type, payload, status, created_at, acked_at
		FROM inbox_items WHERE agent_id = ?`
	args := []interface{}{agentID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, inbox_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanInboxItem(scanner interface{ Scan(...interface{}) error }) (*domain.InboxItem, error) {
	var item domain.InboxItem
	var taskID sql.NullString
	var payload string
	var ackedAt sql.NullTime
	err := scanner.Scan(&item.InboxID, &item.AgentID, &taskID, &item.Type, &payload, &item.Status, &item.CreatedAt, &ackedAt)
	if err != nil {
		return nil, err
	}
	if taskID.Valid {
		item.TaskID = taskID.String
	}
	item.Payload = json.RawMessage(payload)
	if ackedAt.Valid {
		item.AckedAt = &ackedAt.Time
	}
	return &item, nil
}

// AckInboxItem atomically acknowledges a pending item owned by the agent,
// merging the response into its payload. A missing, foreign, or already
// acknowledged item yields nil with no mutation.
func (s *SQLiteStore) AckInboxItem(ctx context.Context, agentID, inboxID string, response json.RawMessage, now time.Time) (*domain.InboxItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT inbox_id, agent_id, task_id, type, payload, status, created_at, acked_at
		 FROM inbox_items WHERE inbox_id = ? AND agent_id = ?`, inboxID, agentID)
	item, err := scanInboxItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if item.Status != domain.InboxStatusPending {
		return nil, nil
	}

	merged := mergePayload(item.Payload, response)
	res, err := tx.ExecContext(ctx,
		`UPDATE inbox_items SET status = ?, acked_at = ?, payload = ? WHERE inbox_id = ? AND agent_id = ? AND status = ?`,
		domain.InboxStatusAck, now, string(merged), inboxID, agentID, domain.InboxStatusPending)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	item.Status = domain.InboxStatusAck
	item.AckedAt = &now
	item.Payload = merged
	return item, nil
}

// mergePayload shallow-merges a response document into an item payload.
// Non-object responses are stored under a "response" key.
func mergePayload(payload, response json.RawMessage) json.RawMessage {
	if len(response) == 0 {
		return payload
	}
	base := map[string]interface{}{}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &base)
	}
	overlay := map[string]interface{}{}
	if err := json.Unmarshal(response, &overlay); err != nil {
		base["response"] = response
	} else {
		for k, v := range overlay {
			base[k] = v
		}
	}
	out, err := json.Marshal(base)
	if err != nil {
		return payload
	}
	return out
}

// DeleteInboxItemsForTask removes all inbox items tied to a task. This is
// the only deletion path for inbox items.
func (s *SQLiteStore) DeleteInboxItemsForTask(ctx context.Context, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM inbox_items WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateTask creates a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, title, agent_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.Title, task.AgentID, task.Status, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var t domain.Task
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, title, agent_id, status, created_at, updated_at FROM tasks WHERE task_id = ?`,
		taskID).Scan(&t.TaskID, &t.Title, &t.AgentID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask persists title and status changes to a task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, status = ?, updated_at = ? WHERE task_id = ?`,
		task.Title, task.Status, task.UpdatedAt, task.TaskID)
	return err
}

// DeleteTask removes a task.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
