// Package dispatch runs the claim-and-execute loop that turns queued runs
// into agent responses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/audit"
	"github.com/crewdeck/crewdeck/config"
	"github.com/crewdeck/crewdeck/domain"
	"github.com/crewdeck/crewdeck/internal/hub"
	"github.com/crewdeck/crewdeck/store"
)

// Dispatcher claims queued runs on a fixed interval and executes each in
// its own goroutine. The poll loop never dies: cycle errors are logged and
// the next tick proceeds.
type Dispatcher struct {
	store     store.Store
	ledger    *audit.Ledger
	hub       *hub.Hub
	responder Responder

	pollInterval time.Duration
	batchSize    int
	thinkTime    time.Duration
	runTimeout   time.Duration
}

// New creates a dispatcher.
func New(s store.Store, ledger *audit.Ledger, h *hub.Hub, responder Responder, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		store:        s,
		ledger:       ledger,
		hub:          h,
		responder:    responder,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.ClaimBatchSize,
		thinkTime:    cfg.ThinkTime,
		runTimeout:   cfg.RunTimeout,
	}
}

// Run polls until ctx is canceled. Run goroutines are not waited on
// between cycles, so a slow response never starves claiming.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	log.Printf("dispatcher started: poll=%s batch=%d", d.pollInterval, d.batchSize)
	for {
		select {
		case <-ctx.Done():
			log.Printf("dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.cycle(ctx); err != nil {
				log.Printf("ERROR: dispatch cycle failed: %v", err)
			}
		}
	}
}

// cycle claims one batch and starts execution of each claimed run.
func (d *Dispatcher) cycle(ctx context.Context) error {
	runs, err := d.store.ClaimQueuedRuns(ctx, d.batchSize, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("claim failed: %w", err)
	}

	for _, run := range runs {
		run := run
		if _, err := d.ledger.Append(ctx, audit.Entry{
			Actor:        domain.SystemActor(),
			Action:       domain.ActionRunStart,
			ResourceType: "run",
			ResourceID:   run.RunID,
			ThreadID:     run.ThreadID,
			RunID:        run.RunID,
			Decision:     domain.DecisionAllow,
		}); err != nil {
			log.Printf("ERROR: failed to audit run start for %s: %v", run.RunID, err)
		}
		d.hub.Publish(domain.EventRunUpdated, run)

		go d.safeExecute(run)
	}
	return nil
}

// safeExecute isolates one run: a panic or error in it never reaches the
// poll loop or its sibling runs.
func (d *Dispatcher) safeExecute(run domain.Run) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: panic executing run %s: %v", run.RunID, r)
			d.finalizeFailure(run, domain.RunStatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()
	d.execute(run)
}

func (d *Dispatcher) execute(run domain.Run) {
	ctx, cancel := context.WithTimeout(context.Background(), d.runTimeout)
	defer cancel()

	agent, err := d.store.GetAgent(ctx, run.AgentID)
	if err != nil {
		d.finalizeFailure(run, domain.RunStatusFailed, fmt.Sprintf("agent lookup failed: %v", err))
		return
	}
	if agent == nil {
		// the target was deregistered between enqueue and claim
		d.finalizeFailure(run, domain.RunStatusFailed, "agent not found")
		return
	}

	input := ""
	if run.InputMessageID != "" {
		msg, err := d.store.GetMessage(ctx, run.InputMessageID)
		if err != nil {
			log.Printf("WARN: failed to load input message for run %s: %v", run.RunID, err)
		} else if msg != nil {
			input = msg.Content
		}
	}

	if d.thinkTime > 0 {
		select {
		case <-time.After(d.thinkTime):
		case <-ctx.Done():
			d.finalizeFailure(run, domain.RunStatusTimeout, "timed out while thinking")
			return
		}
	}

	content, err := d.responder.Respond(ctx, run, input)
	if err != nil {
		status := domain.RunStatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			status = domain.RunStatusTimeout
		}
		d.finalizeFailure(run, status, err.Error())
		return
	}

	d.finalizeSuccess(run, content)
}

func (d *Dispatcher) finalizeSuccess(run domain.Run, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	msg := &domain.Message{
		MessageID:  "msg_" + uuid.New().String()[:8],
		ThreadID:   run.ThreadID,
		AuthorID:   run.AgentID,
		AuthorType: domain.ActorTypeAgent,
		RunID:      run.RunID,
		Content:    content,
		CreatedAt:  now,
	}
	ok, err := d.store.FinalizeRunSuccess(ctx, run.RunID, msg, now)
	if err != nil {
		log.Printf("ERROR: failed to finalize run %s: %v", run.RunID, err)
		return
	}
	if !ok {
		// lost the race, usually to a cancel; the response is discarded
		log.Printf("run %s no longer running, dropping response", run.RunID)
		return
	}

	if _, err := d.ledger.Append(ctx, audit.Entry{
		Actor:        domain.AgentActor(run.AgentID),
		Action:       domain.ActionRunComplete,
		ResourceType: "run",
		ResourceID:   run.RunID,
		ThreadID:     run.ThreadID,
		RunID:        run.RunID,
		Decision:     domain.DecisionAllow,
	}); err != nil {
		log.Printf("ERROR: failed to audit run complete for %s: %v", run.RunID, err)
	}

	d.hub.Publish(domain.EventMessageCreated, msg)

	updated, err := d.store.GetRun(ctx, run.RunID)
	if err != nil || updated == nil {
		log.Printf("ERROR: failed to reload run %s: %v", run.RunID, err)
		return
	}
	d.hub.Publish(domain.EventRunUpdated, updated)
}

func (d *Dispatcher) finalizeFailure(run domain.Run, status domain.RunStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := d.store.FinalizeRunFailure(ctx, run.RunID, status, time.Now().UTC())
	if err != nil {
		log.Printf("ERROR: failed to fail run %s: %v", run.RunID, err)
		return
	}
	if !ok {
		log.Printf("run %s no longer running, skipping failure", run.RunID)
		return
	}

	if _, err := d.ledger.Append(ctx, audit.Entry{
		Actor:        domain.SystemActor(),
		Action:       domain.ActionRunError,
		ResourceType: "run",
		ResourceID:   run.RunID,
		ThreadID:     run.ThreadID,
		RunID:        run.RunID,
		Decision:     domain.DecisionError,
		Reason:       reason,
	}); err != nil {
		log.Printf("ERROR: failed to audit run error for %s: %v", run.RunID, err)
	}

	updated, err := d.store.GetRun(ctx, run.RunID)
	if err != nil || updated == nil {
		log.Printf("ERROR: failed to reload run %s: %v", run.RunID, err)
		return
	}
	d.hub.Publish(domain.EventRunUpdated, updated)
}

// Cancel requests cancellation of a run on behalf of an actor. It returns
// false when the run was already terminal.
func (d *Dispatcher) Cancel(ctx context.Context, runID string, actor domain.Actor) (bool, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, store.ErrNotFound
	}

	ok, err := d.store.CancelRun(ctx, runID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if _, err := d.ledger.Append(ctx, audit.Entry{
		Actor:        actor,
		Action:       domain.ActionRunCancel,
		ResourceType: "run",
		ResourceID:   runID,
		ThreadID:     run.ThreadID,
		RunID:        runID,
		Decision:     domain.DecisionAllow,
	}); err != nil {
		log.Printf("ERROR: failed to audit cancel for %s: %v", runID, err)
	}

	updated, err := d.store.GetRun(ctx, runID)
	if err != nil || updated == nil {
		return true, nil
	}
	d.hub.Publish(domain.EventRunUpdated, updated)
	return true, nil
}
