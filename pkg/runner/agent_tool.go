package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/guardrail"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/harun/agentloop/pkg/transcript"
)

// AgentTool exposes a as a tool taking {"input": string}. Each call runs a
// to completion on a fresh transcript and returns its final output. A nested
// run that pauses for approval or is stopped by a guardrail fails the call.
func (r *Runner) AgentTool(a *agent.Agent, name, description string) (*toolexecutor.Tool, error) {
	if a == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if name == "" {
		name = strings.ToLower(a.Name())
	}
	if description == "" {
		description = a.HandoffDescription()
	}

	return toolexecutor.NewTool(toolexecutor.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "input", Type: "string", Description: "The request to hand to the agent", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			input, _ := params["input"].(string)
			if strings.TrimSpace(input) == "" {
				return nil, fmt.Errorf("input must not be empty")
			}

			ctx = tracing.PropagateToNestedRun(ctx, a.Name())
			result, err := r.Run(ctx, a, transcript.Transcript{transcript.NewUserMessage(input)}, rc)
			if err != nil {
				return nil, err
			}
			if result.Aborted != nil {
				return nil, fmt.Errorf("agent %s stopped: %s", a.Name(), result.Aborted.Error())
			}
			if result.Paused() {
				return nil, fmt.Errorf("agent %s needs approval for %s, which is not supported in nested runs", a.Name(), result.Interruptions[0].ToolName)
			}
			return result.FinalOutput, nil
		},
	})
}

// TripFunc decides from a checker agent's final output whether to trip.
type TripFunc func(output any) (tripped bool, detail string)

// AgentGuardrail builds a guardrail that asks checker about the subject text
// and trips according to trip. The checker usually declares an output schema
// so trip can inspect a structured verdict.
func (r *Runner) AgentGuardrail(name string, checker *agent.Agent, trip TripFunc) (guardrail.Guardrail, error) {
	if checker == nil {
		return nil, fmt.Errorf("checker agent is required")
	}
	if trip == nil {
		return nil, fmt.Errorf("trip func is required")
	}
	if name == "" {
		name = checker.Name()
	}

	return guardrail.New(name, func(ctx context.Context, subject guardrail.Subject, rc *runctx.RunContext) (guardrail.Verdict, error) {
		ctx = tracing.PropagateToNestedRun(ctx, checker.Name())
		result, err := r.Run(ctx, checker, transcript.Transcript{transcript.NewUserMessage(subject.Text)}, rc)
		if err != nil {
			return guardrail.Verdict{}, err
		}
		if !result.Completed() {
			return guardrail.Verdict{}, fmt.Errorf("checker %s did not complete", checker.Name())
		}

		tripped, detail := trip(result.FinalOutput)
		return guardrail.Verdict{Tripped: tripped, Detail: detail}, nil
	}), nil
}
