package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"

	"github.com/crewdeck/crewdeck/audit"
	"github.com/crewdeck/crewdeck/domain"
)

// ErrorType classifies why a provider call failed.
type ErrorType string

const (
	ErrorTypeHTTP    ErrorType = "http"
	ErrorTypeTimeout ErrorType = "timeout"
	ErrorTypeNetwork ErrorType = "network"
	ErrorTypeUnknown ErrorType = "unknown"
)

// Classify maps a provider error to its type and, for HTTP errors, the
// status code.
func Classify(err error) (ErrorType, *int) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		return ErrorTypeHTTP, &status
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeTimeout, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout, nil
		}
		return ErrorTypeNetwork, nil
	}
	return ErrorTypeUnknown, nil
}

// Fallback wraps a primary and a standby provider. When the primary fails,
// the switch is recorded in the ledger before the standby is tried, so the
// decision is durable even if the standby also fails.
type Fallback struct {
	Primary Provider
	Standby Provider
	Ledger  *audit.Ledger
}

// NewFallback creates a fallback wrapper.
func NewFallback(primary, standby Provider, ledger *audit.Ledger) *Fallback {
	return &Fallback{Primary: primary, Standby: standby, Ledger: ledger}
}

// Name returns the primary provider's name.
func (f *Fallback) Name() string { return f.Primary.Name() }

// Model returns the primary provider's model.
func (f *Fallback) Model() string { return f.Primary.Model() }

type fallbackMetadata struct {
	Attempted providerRef      `json:"attempted"`
	Error     fallbackErrorRef `json:"error"`
	Fallback  providerRef      `json:"fallback"`
}

type providerRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type fallbackErrorRef struct {
	Type       ErrorType `json:"type"`
	HTTPStatus *int      `json:"http_status"`
}

// Complete tries the primary provider and falls back to the standby on any
// error. ThreadID/RunID correlate the audit entry when known.
func (f *Fallback) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteForRun(ctx, prompt, "", "")
}

// CompleteForRun is Complete with run correlation for the audit trail.
func (f *Fallback) CompleteForRun(ctx context.Context, prompt, threadID, runID string) (string, error) {
	result, err := f.Primary.Complete(ctx, prompt)
	if err == nil {
		return result, nil
	}

	errType, httpStatus := Classify(err)
	metadata, merr := json.Marshal(fallbackMetadata{
		Attempted: providerRef{Provider: f.Primary.Name(), Model: f.Primary.Model()},
		Error:     fallbackErrorRef{Type: errType, HTTPStatus: httpStatus},
		Fallback:  providerRef{Provider: f.Standby.Name(), Model: f.Standby.Model()},
	})
	if merr != nil {
		metadata = json.RawMessage("{}")
	}

	if _, aerr := f.Ledger.Append(ctx, audit.Entry{
		Actor:        domain.SystemActor(),
		Action:       domain.ActionLLMFallback,
		ResourceType: "provider",
		ResourceID:   f.Primary.Name(),
		ThreadID:     threadID,
		RunID:        runID,
		Decision:     domain.DecisionError,
		Reason:       "provider_error_fallback",
		Metadata:     metadata,
	}); aerr != nil {
		// the standby attempt still proceeds; losing the trail entry is
		// logged, not fatal to the run
		log.Printf("ERROR: failed to record fallback decision: %v", aerr)
	}

	return f.Standby.Complete(ctx, prompt)
}
