package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/crewdeck/crewdeck/domain"
)

// Engine is the OPA policy engine gating run dispatch.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.dispatch_policy.decision"),
		rego.Module("dispatch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// DispatchInput is the document evaluated against the dispatch policy.
type DispatchInput struct {
	RequesterID   string           `json:"requester_id"`
	RequesterType domain.ActorType `json:"requester_type"`
	AgentID       string           `json:"agent_id"`
	ThreadID      string           `json:"thread_id"`
}

// EvaluateDispatch decides whether the requester may dispatch a run to the
// target agent. Returns the decision (allow or block) and a reason.
func (e *Engine) EvaluateDispatch(ctx context.Context, input DispatchInput) (domain.Decision, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// the policy is expected to define a default; treat absence as allow
		return domain.DecisionAllow, "default", nil
	}

	val := results[0].Expressions[0].Value
	switch v := val.(type) {
	case string:
		if v == string(domain.DecisionBlock) {
			return domain.DecisionBlock, "policy", nil
		}
		return domain.DecisionAllow, "", nil
	case map[string]interface{}:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == string(domain.DecisionBlock) {
			return domain.DecisionBlock, reason, nil
		}
		return domain.DecisionAllow, reason, nil
	}

	return domain.DecisionAllow, "unexpected return type", nil
}

// DefaultPolicy is the default dispatch policy. Only human-authored
// messages may trigger agents: an agent dispatching another agent is
// blocked, which keeps agents from feeding each other in a loop.
const DefaultPolicy = `
package dispatch_policy

default decision = "allow"

decision = {"decision": "block", "reason": "agent_initiated_dispatch"} {
	input.requester_type == "agent"
}

decision = {"decision": "block", "reason": "self_dispatch"} {
	input.requester_type != "agent"
	input.requester_id == input.agent_id
}
`
