package runner

import "context"

// EventKind names a run lifecycle event.
type EventKind string

const (
	EventRunStart         EventKind = "run_start"
	EventAgentStart       EventKind = "agent_start"
	EventToolStart        EventKind = "tool_start"
	EventToolEnd          EventKind = "tool_end"
	EventHandoff          EventKind = "handoff"
	EventInterruption     EventKind = "interruption"
	EventGuardrailTripped EventKind = "guardrail_tripped"
	EventRunEnd           EventKind = "run_end"
)

// EventKinds lists every lifecycle event in the order a run emits them.
var EventKinds = []EventKind{
	EventRunStart, EventAgentStart, EventToolStart, EventToolEnd,
	EventHandoff, EventInterruption, EventGuardrailTripped, EventRunEnd,
}

// Event describes one lifecycle event. Fields that do not apply are empty.
type Event struct {
	Kind   EventKind
	RunID  string
	Agent  string
	Tool   string
	CallID string
	// Target is the agent a handoff moves to.
	Target    string
	Guardrail string
	// Status is the run status for run_end, "ok" or the error kind for
	// tool_end and the stage for guardrail_tripped.
	Status string
	Detail string
}

// Hooks observes run lifecycle events. Tool events of one turn may arrive
// from several goroutines at once.
type Hooks interface {
	OnEvent(ctx context.Context, ev Event)
}

// HooksFunc adapts a function to Hooks.
type HooksFunc func(ctx context.Context, ev Event)

func (f HooksFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type multiHooks []Hooks

func (m multiHooks) OnEvent(ctx context.Context, ev Event) {
	for _, h := range m {
		h.OnEvent(ctx, ev)
	}
}

// MultiHooks fans events out to every non-nil hook in order.
func MultiHooks(hooks ...Hooks) Hooks {
	var out multiHooks
	for _, h := range hooks {
		if h != nil {
			out = append(out, h)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// WithHooks returns a Runner that shares r's settings and also reports to h.
func (r *Runner) WithHooks(h Hooks) *Runner {
	c := *r
	c.hooks = MultiHooks(r.hooks, h)
	return &c
}

func (l *loop) notify(ctx context.Context, ev Event) {
	if l.r.hooks == nil {
		return
	}
	ev.RunID = l.runID
	if ev.Agent == "" {
		ev.Agent = l.active.Name()
	}
	l.r.hooks.OnEvent(ctx, ev)
}
