package policy

import (
	"context"
	"testing"

	"github.com/crewdeck/crewdeck/domain"
)

func TestDefaultPolicyAllowsUserDispatch(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, _, err := engine.EvaluateDispatch(ctx, DispatchInput{
		RequesterID:   "u1",
		RequesterType: domain.ActorTypeUser,
		AgentID:       "a1",
		ThreadID:      "t1",
	})
	if err != nil {
		t.Fatalf("EvaluateDispatch failed: %v", err)
	}
	if decision != domain.DecisionAllow {
		t.Fatalf("expected allow, got %s", decision)
	}
}

func TestDefaultPolicyBlocksAgentDispatch(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, reason, err := engine.EvaluateDispatch(ctx, DispatchInput{
		RequesterID:   "a2",
		RequesterType: domain.ActorTypeAgent,
		AgentID:       "a1",
		ThreadID:      "t1",
	})
	if err != nil {
		t.Fatalf("EvaluateDispatch failed: %v", err)
	}
	if decision != domain.DecisionBlock {
		t.Fatalf("expected block, got %s", decision)
	}
	if reason != "agent_initiated_dispatch" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestCustomPolicyBlockString(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package dispatch_policy

default decision = "allow"

decision = "block" {
	input.agent_id == "restricted"
}
`)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, _, err := engine.EvaluateDispatch(ctx, DispatchInput{
		RequesterID:   "u1",
		RequesterType: domain.ActorTypeUser,
		AgentID:       "restricted",
	})
	if err != nil {
		t.Fatalf("EvaluateDispatch failed: %v", err)
	}
	if decision != domain.DecisionBlock {
		t.Fatalf("expected block, got %s", decision)
	}
}
