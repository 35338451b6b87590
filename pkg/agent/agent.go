package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/agentloop/pkg/guardrail"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

var (
	// ErrAgentFrozen is returned when handoffs are added after the agent took part in a run.
	ErrAgentFrozen = errors.New("agent is frozen")

	agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,48}$`)
)

// InstructionsFunc computes the system instructions for one model call.
type InstructionsFunc func(ctx context.Context, rc *runctx.RunContext) (string, error)

// StaticInstructions returns an InstructionsFunc that always yields text.
func StaticInstructions(text string) InstructionsFunc {
	return func(context.Context, *runctx.RunContext) (string, error) {
		return text, nil
	}
}

// Config describes an agent.
type Config struct {
	Name string
	// HandoffDescription tells other agents' models when to delegate here.
	HandoffDescription string
	Instructions       InstructionsFunc
	Model              Model
	Settings           ModelSettings
	Tools              []*toolexecutor.Tool
	InputGuardrails    []guardrail.Guardrail
	OutputGuardrails   []guardrail.Guardrail
	Handoffs           []*Agent
	// OutputSchema is a JSON schema the final answer must satisfy. The
	// answer text is then decoded as JSON.
	OutputSchema map[string]interface{}
}

// Agent is an immutable bundle of instructions, model, tools, guardrails
// and delegation targets. Handoffs may be added with AddHandoffs until the
// agent first takes part in a run, which allows cyclic graphs.
type Agent struct {
	name               string
	handoffDescription string
	instructions       InstructionsFunc
	model              Model
	settings           ModelSettings
	tools              *toolexecutor.Registry
	inputGuardrails    []guardrail.Guardrail
	outputGuardrails   []guardrail.Guardrail
	outputSchemaMap    map[string]interface{}
	outputSchema       *gojsonschema.Schema

	mu       sync.RWMutex
	frozen   bool
	handoffs []*Agent
}

// New validates cfg and builds an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if !agentNamePattern.MatchString(cfg.Name) {
		return nil, fmt.Errorf("agent name %q must match %s", cfg.Name, agentNamePattern.String())
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("agent %s: model is required", cfg.Name)
	}

	tools, err := toolexecutor.NewRegistry(cfg.Tools...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.Name, err)
	}

	instructions := cfg.Instructions
	if instructions == nil {
		instructions = StaticInstructions("")
	}

	a := &Agent{
		name:               cfg.Name,
		handoffDescription: cfg.HandoffDescription,
		instructions:       instructions,
		model:              cfg.Model,
		settings:           cfg.Settings,
		tools:              tools,
		inputGuardrails:    append([]guardrail.Guardrail(nil), cfg.InputGuardrails...),
		outputGuardrails:   append([]guardrail.Guardrail(nil), cfg.OutputGuardrails...),
	}

	for i, g := range a.inputGuardrails {
		if g == nil {
			return nil, fmt.Errorf("agent %s: input guardrail %d is nil", cfg.Name, i)
		}
	}
	for i, g := range a.outputGuardrails {
		if g == nil {
			return nil, fmt.Errorf("agent %s: output guardrail %d is nil", cfg.Name, i)
		}
	}

	if cfg.OutputSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(cfg.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("agent %s: invalid output schema: %w", cfg.Name, err)
		}
		a.outputSchemaMap = cfg.OutputSchema
		a.outputSchema = schema
	}

	if err := a.AddHandoffs(cfg.Handoffs...); err != nil {
		return nil, err
	}

	return a, nil
}

// MustNew is New for static agent graphs; it panics on error.
func MustNew(cfg Config) *Agent {
	a, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return a
}

// AddHandoffs declares delegation targets. Target handoff tool names share
// the namespace of the agent's tools.
func (a *Agent) AddHandoffs(targets ...*Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen && len(targets) > 0 {
		return fmt.Errorf("agent %s: %w", a.name, ErrAgentFrozen)
	}

	for _, target := range targets {
		if target == nil {
			return fmt.Errorf("agent %s: handoff target is nil", a.name)
		}
		for _, existing := range a.handoffs {
			if existing.name == target.name {
				return fmt.Errorf("agent %s: duplicate handoff target %s", a.name, target.name)
			}
		}
		if err := a.tools.Reserve(HandoffToolName(target.name)); err != nil {
			return fmt.Errorf("agent %s: handoff to %s: %w", a.name, target.name, err)
		}
		a.handoffs = append(a.handoffs, target)
	}

	return nil
}

// Freeze forbids further handoff changes on a and every agent reachable
// from it.
func (a *Agent) Freeze() {
	_ = a.Walk(func(*Agent) error { return nil })
}

// Walk visits a and every agent reachable through handoffs once, freezing
// each before visiting it.
func (a *Agent) Walk(visit func(*Agent) error) error {
	seen := map[*Agent]bool{}
	queue := []*Agent{a}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true

		current.mu.Lock()
		current.frozen = true
		next := append([]*Agent(nil), current.handoffs...)
		current.mu.Unlock()

		if err := visit(current); err != nil {
			return err
		}
		queue = append(queue, next...)
	}
	return nil
}

func (a *Agent) Name() string                            { return a.name }
func (a *Agent) HandoffDescription() string              { return a.handoffDescription }
func (a *Agent) Model() Model                            { return a.model }
func (a *Agent) Settings() ModelSettings                 { return a.settings }
func (a *Agent) Tools() []*toolexecutor.Tool             { return a.tools.List() }
func (a *Agent) Tool(name string) *toolexecutor.Tool     { return a.tools.Get(name) }
func (a *Agent) InputGuardrails() []guardrail.Guardrail  { return a.inputGuardrails }
func (a *Agent) OutputGuardrails() []guardrail.Guardrail { return a.outputGuardrails }
func (a *Agent) HasOutputSchema() bool                   { return a.outputSchema != nil }

// OutputSchema returns the declared output schema, or nil.
func (a *Agent) OutputSchema() map[string]interface{} { return a.outputSchemaMap }

// Instructions evaluates the instructions for one model call.
func (a *Agent) Instructions(ctx context.Context, rc *runctx.RunContext) (string, error) {
	return a.instructions(ctx, rc)
}

// Handoffs returns the declared delegation targets.
func (a *Agent) Handoffs() []*Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Agent(nil), a.handoffs...)
}

// Handoff returns the declared target with the given agent name.
func (a *Agent) Handoff(name string) (*Agent, bool) {
	for _, h := range a.Handoffs() {
		if h.name == name {
			return h, true
		}
	}
	return nil, false
}

// ValidateOutput checks a decoded final answer against the output schema.
func (a *Agent) ValidateOutput(value interface{}) error {
	if a.outputSchema == nil {
		return nil
	}
	result, err := a.outputSchema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// ToolDeclarations renders the tools for a model request.
func (a *Agent) ToolDeclarations() []ToolDeclaration {
	tools := a.tools.List()
	decls := make([]ToolDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, ToolDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.JSONSchema(),
		})
	}
	return decls
}

// HandoffDeclarations renders the handoff targets for a model request.
func (a *Agent) HandoffDeclarations() []HandoffDeclaration {
	targets := a.Handoffs()
	decls := make([]HandoffDeclaration, 0, len(targets))
	for _, t := range targets {
		desc := t.handoffDescription
		if desc == "" {
			desc = "Handoff to the " + t.name + " agent to handle the request."
		}
		decls = append(decls, HandoffDeclaration{
			ToolName:    HandoffToolName(t.name),
			AgentName:   t.name,
			Description: desc,
		})
	}
	return decls
}

// HandoffToolName is the tool name a provider uses to expose a handoff.
func HandoffToolName(agentName string) string {
	return "transfer_to_" + strings.ToLower(agentName)
}
