package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/audit"
	"github.com/crewdeck/crewdeck/config"
	"github.com/crewdeck/crewdeck/domain"
	"github.com/crewdeck/crewdeck/internal/hub"
	"github.com/crewdeck/crewdeck/store"
	"github.com/crewdeck/crewdeck/tests/helpers"
)

type fanoutRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *fanoutRecorder) ID() string { return "recorder" }
func (r *fanoutRecorder) TrySend(data []byte) bool {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	r.mu.Lock()
	r.types = append(r.types, env.Type)
	r.mu.Unlock()
	return true
}

func (r *fanoutRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func testConfig() *config.Config {
	return &config.Config{
		PollInterval:   10 * time.Millisecond,
		ClaimBatchSize: 10,
		ThinkTime:      0,
		RunTimeout:     5 * time.Second,
	}
}

func newTestDispatcher(t *testing.T, responder Responder) (*Dispatcher, *store.SQLiteStore, *audit.Ledger, *fanoutRecorder) {
	t.Helper()
	s := helpers.NewTestSQLiteStore(t)
	ledger := audit.NewLedger(s)
	h := hub.NewHub()
	rec := &fanoutRecorder{}
	h.Register(rec)
	if responder == nil {
		responder = ScriptedResponder{}
	}
	return New(s, ledger, h, responder, testConfig()), s, ledger, rec
}

func seedQueuedRun(t *testing.T, s *store.SQLiteStore, runID string) *domain.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	thread := &domain.Thread{ThreadID: "t1", Title: "test", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateThread(ctx, thread); err != nil && !isConflict(err) {
		t.Fatalf("CreateThread failed: %v", err)
	}
	agent := &domain.Agent{
		AgentID: "a1", Name: "a1", CallbackToken: "tok",
		Status: domain.AgentStatusOffline, PingStatus: domain.PingStatusUnknown,
		CreatedAt: now,
	}
	if err := s.RegisterAgent(ctx, agent); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	msg := &domain.Message{
		MessageID:  "in-" + runID,
		ThreadID:   "t1",
		AuthorID:   "u1",
		AuthorType: domain.ActorTypeUser,
		Content:    "please summarize",
		CreatedAt:  now,
	}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	run := &domain.Run{
		RunID:          runID,
		ThreadID:       "t1",
		RequesterID:    "u1",
		RequesterType:  domain.ActorTypeUser,
		AgentID:        "a1",
		Status:         domain.RunStatusQueued,
		InputMessageID: msg.MessageID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func isConflict(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY"))
}

func waitForStatus(t *testing.T, s *store.SQLiteStore, runID string, want domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run != nil && run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestDispatcherHappyPath(t *testing.T) {
	d, s, ledger, rec := newTestDispatcher(t, nil)
	seedQueuedRun(t, s, "r1")

	if err := d.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	run := waitForStatus(t, s, "r1", domain.RunStatusSucceeded)
	if run.EndedAt == nil || run.StartedAt == nil {
		t.Fatalf("missing timestamps: %+v", run)
	}

	// the agent's reply landed in the thread
	messages, err := s.GetMessages(context.Background(), "t1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	var reply *domain.Message
	for i := range messages {
		if messages[i].AuthorType == domain.ActorTypeAgent {
			reply = &messages[i]
		}
	}
	if reply == nil || reply.RunID != "r1" {
		t.Fatalf("expected agent reply, got %+v", messages)
	}

	// audit trail covers start and completion
	for _, action := range []string{domain.ActionRunStart, domain.ActionRunComplete} {
		events, err := ledger.Query(context.Background(), store.AuditQuery{Action: action, RunID: "r1"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 %s event, got %d", action, len(events))
		}
	}

	// fanout: running update, then the message, then the terminal update
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	types := rec.snapshot()
	if len(types) != 3 {
		t.Fatalf("expected 3 fanout events, got %v", types)
	}
	if types[0] != domain.EventRunUpdated || types[1] != domain.EventMessageCreated || types[2] != domain.EventRunUpdated {
		t.Fatalf("unexpected fanout order: %v", types)
	}
}

type erroringResponder struct{ err error }

func (r erroringResponder) Respond(ctx context.Context, run domain.Run, input string) (string, error) {
	return "", r.err
}

func TestDispatcherResponderError(t *testing.T) {
	d, s, ledger, _ := newTestDispatcher(t, erroringResponder{err: errors.New("model exploded")})
	seedQueuedRun(t, s, "r1")

	if err := d.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	waitForStatus(t, s, "r1", domain.RunStatusFailed)

	events, err := ledger.Query(context.Background(), store.AuditQuery{Action: domain.ActionRunError, RunID: "r1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 || events[0].Reason != "model exploded" {
		t.Fatalf("unexpected error trail: %+v", events)
	}

	// no agent message for a failed run
	messages, err := s.GetMessages(context.Background(), "t1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	for _, msg := range messages {
		if msg.AuthorType == domain.ActorTypeAgent {
			t.Fatalf("failed run produced a message: %+v", msg)
		}
	}
}

func TestDispatcherTimeoutStatus(t *testing.T) {
	d, s, _, _ := newTestDispatcher(t, erroringResponder{err: context.DeadlineExceeded})
	seedQueuedRun(t, s, "r1")

	if err := d.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	waitForStatus(t, s, "r1", domain.RunStatusTimeout)
}

func TestDispatcherUnknownAgentFails(t *testing.T) {
	d, s, ledger, _ := newTestDispatcher(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	thread := &domain.Thread{ThreadID: "t1", Title: "test", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	run := &domain.Run{
		RunID:         "r1",
		ThreadID:      "t1",
		RequesterID:   "u1",
		RequesterType: domain.ActorTypeUser,
		AgentID:       "ghost",
		Status:        domain.RunStatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := d.cycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	waitForStatus(t, s, "r1", domain.RunStatusFailed)

	events, err := ledger.Query(ctx, store.AuditQuery{Action: domain.ActionRunError, RunID: "r1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 || events[0].Reason != "agent not found" {
		t.Fatalf("unexpected error trail: %+v", events)
	}

	// no reply is fabricated on behalf of a missing agent
	messages, err := s.GetMessages(ctx, "t1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("run for missing agent produced a message: %+v", messages)
	}
}

type panickingResponder struct{}

func (panickingResponder) Respond(ctx context.Context, run domain.Run, input string) (string, error) {
	panic("boom")
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d, s, ledger, _ := newTestDispatcher(t, panickingResponder{})
	seedQueuedRun(t, s, "r1")
	seedQueuedRun(t, s, "r2")

	if err := d.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	waitForStatus(t, s, "r1", domain.RunStatusFailed)
	waitForStatus(t, s, "r2", domain.RunStatusFailed)

	events, err := ledger.Query(context.Background(), store.AuditQuery{Action: domain.ActionRunError})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 error events, got %d", len(events))
	}
}

func TestDispatcherCancel(t *testing.T) {
	d, s, ledger, rec := newTestDispatcher(t, nil)
	seedQueuedRun(t, s, "r1")

	ok, err := d.Cancel(context.Background(), "r1", domain.UserActor("u1"))
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected cancel to apply")
	}
	run, err := s.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusCanceled {
		t.Fatalf("unexpected status: %s", run.Status)
	}

	// second cancel is a clean no-op
	ok, err = d.Cancel(context.Background(), "r1", domain.UserActor("u1"))
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if ok {
		t.Fatalf("expected second cancel to be a no-op")
	}

	events, err := ledger.Query(context.Background(), store.AuditQuery{Action: domain.ActionRunCancel, RunID: "r1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one cancel event, got %d", len(events))
	}

	types := rec.snapshot()
	if len(types) != 1 || types[0] != domain.EventRunUpdated {
		t.Fatalf("unexpected fanout: %v", types)
	}

	if _, err := d.Cancel(context.Background(), "missing", domain.UserActor("u1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type failingStore struct {
	store.Store
	calls int
	mu    sync.Mutex
}

func (f *failingStore) ClaimQueuedRuns(ctx context.Context, limit int, now time.Time) ([]domain.Run, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, errors.New("disk on fire")
}

func (f *failingStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDispatcherLoopSurvivesCycleErrors(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	fs := &failingStore{Store: s}
	ledger := audit.NewLedger(s)
	d := New(fs, ledger, hub.NewHub(), ScriptedResponder{}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && fs.callCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop on ctx cancel")
	}
	if fs.callCount() < 3 {
		t.Fatalf("loop died after errors: %d cycles", fs.callCount())
	}
}

func TestDispatcherCancelBeatsSlowRun(t *testing.T) {
	block := make(chan struct{})
	responder := blockingResponder{release: block}
	d, s, _, _ := newTestDispatcher(t, responder)
	seedQueuedRun(t, s, "r1")

	if err := d.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	waitForStatus(t, s, "r1", domain.RunStatusRunning)

	ok, err := d.Cancel(context.Background(), "r1", domain.UserActor("u1"))
	if err != nil || !ok {
		t.Fatalf("Cancel failed: ok=%v err=%v", ok, err)
	}

	close(block)
	// give the losing finalize a moment to run
	time.Sleep(50 * time.Millisecond)

	run, err := s.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusCanceled {
		t.Fatalf("late completion overwrote cancel: %s", run.Status)
	}
	messages, err := s.GetMessages(context.Background(), "t1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	for _, msg := range messages {
		if msg.AuthorType == domain.ActorTypeAgent {
			t.Fatalf("canceled run produced a message: %+v", msg)
		}
	}
}

type blockingResponder struct{ release chan struct{} }

func (r blockingResponder) Respond(ctx context.Context, run domain.Run, input string) (string, error) {
	select {
	case <-r.release:
		return "late reply", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
