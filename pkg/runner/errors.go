package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/guardrail"
)

var (
	ErrTurnLimitExceeded       = errors.New("turn limit exceeded")
	ErrUnresolvedInterruption  = errors.New("unresolved interruption")
	ErrUnknownInterruption     = errors.New("no pending interruption for call")
	ErrUnknownHandoff          = errors.New("handoff target is not declared by the active agent")
	ErrOutputContractViolation = errors.New("output contract violation")
	ErrStateBusy               = errors.New("run state is already being resumed")
	ErrUnknownAgent            = errors.New("agent not found in handoff graph")
	ErrDuplicateAgentName      = errors.New("two agents in the handoff graph share a name")
	ErrInvalidTranscript       = errors.New("invalid transcript")
	ErrIncompleteStream        = errors.New("model stream ended without a final response")
	ErrInvalidDecision         = errors.New("invalid decision")
)

// UnresolvedInterruptionError lists pending calls that have no decision.
type UnresolvedInterruptionError struct {
	Missing []string
}

func (e *UnresolvedInterruptionError) Error() string {
	return fmt.Sprintf("%s: no decision for %s", ErrUnresolvedInterruption, strings.Join(e.Missing, ", "))
}

func (e *UnresolvedInterruptionError) Unwrap() error {
	return ErrUnresolvedInterruption
}

// OutputContractViolationError reports a final answer that does not satisfy
// the agent's output schema.
type OutputContractViolationError struct {
	Agent  string
	Output string
	Err    error
}

func (e *OutputContractViolationError) Error() string {
	return fmt.Sprintf("%s: agent %s: %v", ErrOutputContractViolation, e.Agent, e.Err)
}

func (e *OutputContractViolationError) Unwrap() []error {
	return []error{ErrOutputContractViolation, e.Err}
}

// GuardrailTrip describes why a run was aborted.
type GuardrailTrip struct {
	Stage     guardrail.Stage `json:"stage"`
	Guardrail string          `json:"guardrail"`
	Detail    string          `json:"detail,omitempty"`
	Agent     string          `json:"agent"`
}

func (t *GuardrailTrip) Error() string {
	if t.Detail == "" {
		return fmt.Sprintf("%s guardrail %s tripped", t.Stage, t.Guardrail)
	}
	return fmt.Sprintf("%s guardrail %s tripped: %s", t.Stage, t.Guardrail, t.Detail)
}

// Message is the text to show an end user instead of the raw trip.
func (t *GuardrailTrip) Message() string {
	if t.Stage == guardrail.StageOutput {
		return "Sorry, I can't share a response to that. Could you rephrase or ask something else?"
	}
	return "Sorry, I can't help with that request. Is there something else I can do for you?"
}

// UserMessage renders a fatal run error for end users. Details stay in logs.
func UserMessage(err error) string {
	var trip *GuardrailTrip
	switch {
	case err == nil:
		return ""
	case errors.As(err, &trip):
		return trip.Message()
	case errors.Is(err, ErrTurnLimitExceeded):
		return "Sorry, I couldn't finish this request within the allowed number of steps."
	case errors.Is(err, ErrOutputContractViolation):
		return "Sorry, I produced an answer in an unexpected format. Please try again."
	case errors.Is(err, ErrUnresolvedInterruption):
		return "Some actions are still waiting for your approval."
	default:
		return "Sorry, something went wrong while handling your request."
	}
}

// Terminal reports whether err ends a run for good: resuming the same state
// again would fail the same way. Cancellation and model backend failures are
// not terminal.
func Terminal(err error) bool {
	for _, target := range []error{
		ErrTurnLimitExceeded,
		ErrOutputContractViolation,
		ErrUnknownHandoff,
		ErrUnknownAgent,
		ErrInvalidTranscript,
		agent.ErrHandoffWithToolCalls,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
