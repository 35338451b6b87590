package runner_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/agent/agenttest"
	"github.com/harun/agentloop/pkg/guardrail"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/runner"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []runner.Event
}

func (r *eventRecorder) OnEvent(_ context.Context, ev runner.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []runner.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runner.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) find(kind runner.EventKind) runner.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev
		}
	}
	return runner.Event{}
}

func TestHooks(t *testing.T) {
	ctx := context.Background()

	t.Run("should report handoffs and tools", func(t *testing.T) {
		plans := toolexecutor.MustTool(toolexecutor.ToolDefinition{
			Name:        "fetch_available_plans",
			Description: "List plans",
			Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
				return "basic, pro", nil
			},
		})
		sales := agent.MustNew(agent.Config{
			Name: "sales",
			Model: agenttest.NewScriptedModel(
				agenttest.ToolCalls(agenttest.Call{ID: "call_plans", Name: "fetch_available_plans"}),
				agenttest.Text("We have basic and pro."),
			),
			Tools: []*toolexecutor.Tool{plans},
		})
		reception := agent.MustNew(agent.Config{
			Name:     "reception",
			Model:    agenttest.NewScriptedModel(agenttest.Handoff("call_h", "sales")),
			Handoffs: []*agent.Agent{sales},
		})

		rec := &eventRecorder{}
		result, err := newRunner(t, runner.Config{Hooks: rec}).Run(ctx, reception, ask("Plans?"), nil)
		require.NoError(t, err)
		require.True(t, result.Completed())

		assert.Equal(t, []runner.EventKind{
			runner.EventRunStart, runner.EventAgentStart, runner.EventHandoff, runner.EventAgentStart,
			runner.EventToolStart, runner.EventToolEnd, runner.EventRunEnd,
		}, rec.kinds())

		handoff := rec.find(runner.EventHandoff)
		assert.Equal(t, "reception", handoff.Agent)
		assert.Equal(t, "sales", handoff.Target)
		assert.Equal(t, result.RunID, handoff.RunID)

		end := rec.find(runner.EventToolEnd)
		assert.Equal(t, "sales", end.Agent)
		assert.Equal(t, "fetch_available_plans", end.Tool)
		assert.Equal(t, "ok", end.Status)

		assert.Equal(t, "completed", rec.find(runner.EventRunEnd).Status)
	})

	t.Run("should report interruptions and the resumed run", func(t *testing.T) {
		f := newFixture()
		a := agent.MustNew(agent.Config{
			Name: "assistant",
			Model: agenttest.NewScriptedModel(
				agenttest.ToolCalls(agenttest.Call{ID: "call_m", Name: "send_email", Args: map[string]string{"to": "ana@example.com"}}),
				agenttest.Text("Sent."),
			),
			Tools: []*toolexecutor.Tool{f.email},
		})

		rec := &eventRecorder{}
		r := newRunner(t, runner.Config{Hooks: rec})
		result, err := r.Run(ctx, a, ask("Email Ana"), nil)
		require.NoError(t, err)
		require.True(t, result.Paused())

		assert.Equal(t, []runner.EventKind{
			runner.EventRunStart, runner.EventAgentStart, runner.EventInterruption, runner.EventRunEnd,
		}, rec.kinds())
		assert.Equal(t, "call_m", rec.find(runner.EventInterruption).CallID)
		assert.Equal(t, "paused", rec.find(runner.EventRunEnd).Status)

		rec.events = nil
		_, err = r.Resume(ctx, result.State, map[string]runner.Decision{"call_m": runner.Approved}, nil)
		require.NoError(t, err)
		assert.Equal(t, []runner.EventKind{
			runner.EventRunStart, runner.EventAgentStart, runner.EventToolStart, runner.EventToolEnd, runner.EventRunEnd,
		}, rec.kinds())
	})

	t.Run("should report guardrail trips", func(t *testing.T) {
		a := agent.MustNew(agent.Config{
			Name:            "assistant",
			Model:           agenttest.NewScriptedModel(agenttest.Text("never")),
			InputGuardrails: []guardrail.Guardrail{blockWord("lasagna")},
		})

		rec := &eventRecorder{}
		result, err := newRunner(t, runner.Config{Hooks: rec}).Run(ctx, a, ask("lasagna recipe"), nil)
		require.NoError(t, err)
		require.NotNil(t, result.Aborted)

		trip := rec.find(runner.EventGuardrailTripped)
		assert.Equal(t, "block_lasagna", trip.Guardrail)
		assert.Equal(t, "input", trip.Status)
		assert.Equal(t, "mentions lasagna", trip.Detail)
		assert.Equal(t, "aborted", rec.find(runner.EventRunEnd).Status)
	})

	t.Run("should accept a function", func(t *testing.T) {
		var n int
		hooks := runner.HooksFunc(func(context.Context, runner.Event) { n++ })
		a := agent.MustNew(agent.Config{Name: "assistant", Model: agenttest.NewScriptedModel(agenttest.Text("hi"))})

		_, err := newRunner(t, runner.Config{Hooks: hooks}).Run(ctx, a, ask("hello"), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestWithHooks(t *testing.T) {
	var base, extra []runner.EventKind
	r := newRunner(t, runner.Config{Hooks: runner.HooksFunc(func(_ context.Context, ev runner.Event) { base = append(base, ev.Kind) })})
	observed := r.WithHooks(runner.HooksFunc(func(_ context.Context, ev runner.Event) { extra = append(extra, ev.Kind) }))

	a := agent.MustNew(agent.Config{Name: "assistant", Model: agenttest.NewScriptedModel(agenttest.Text("hi")).Forever(agenttest.Text("hi"))})

	_, err := observed.Run(context.Background(), a, ask("hello"), nil)
	require.NoError(t, err)
	assert.Len(t, base, 3)
	assert.Equal(t, base, extra)

	_, err = r.Run(context.Background(), a, ask("hello"), nil)
	require.NoError(t, err)
	assert.Len(t, base, 6)
	assert.Len(t, extra, 3, "the original runner is unchanged")
}
