package dispatch

import (
	"context"
	"fmt"

	"github.com/crewdeck/crewdeck/domain"
	"github.com/crewdeck/crewdeck/llm"
)

// Responder produces an agent's reply for a claimed run. Input is the
// content of the message that triggered the run, or empty when the run has
// no input message.
type Responder interface {
	Respond(ctx context.Context, run domain.Run, input string) (string, error)
}

// ScriptedResponder replies with a canned acknowledgement. It is the
// default when no LLM provider is configured, and what tests dispatch
// against.
type ScriptedResponder struct{}

func (ScriptedResponder) Respond(ctx context.Context, run domain.Run, input string) (string, error) {
	if input == "" {
		return fmt.Sprintf("[%s] ready.", run.AgentID), nil
	}
	return fmt.Sprintf("[%s] acknowledged: %s", run.AgentID, input), nil
}

// ProviderResponder generates replies through the provider fallback chain,
// correlating any fallback decision with the run it served.
type ProviderResponder struct {
	Chain *llm.Fallback
}

func (r *ProviderResponder) Respond(ctx context.Context, run domain.Run, input string) (string, error) {
	prompt := input
	if prompt == "" {
		prompt = fmt.Sprintf("You are agent %s. Introduce yourself briefly.", run.AgentID)
	}
	return r.Chain.CompleteForRun(ctx, prompt, run.ThreadID, run.RunID)
}
