// Package agenttest provides deterministic model backends for runtime tests.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/transcript"
)

// Step configures one model turn in a scripted sequence. Respond, when set,
// computes the response from the request instead of Response.
type Step struct {
	Response agent.ModelResponse
	Respond  func(req *agent.ModelRequest) (*agent.ModelResponse, error)
	Err      error
	// Chunks overrides how Stream splits Response.Text.
	Chunks []string
}

// ScriptedModel replays steps in order and records every request.
type ScriptedModel struct {
	mu       sync.Mutex
	index    int
	steps    []Step
	repeat   *Step
	requests []*agent.ModelRequest
}

var _ agent.StreamingModel = (*ScriptedModel)(nil)

func NewScriptedModel(steps ...Step) *ScriptedModel {
	cloned := make([]Step, len(steps))
	copy(cloned, steps)
	return &ScriptedModel{steps: cloned}
}

// Forever makes the model answer with step once the script is exhausted.
func (m *ScriptedModel) Forever(step Step) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeat = &step
	return m
}

// Calls returns the number of completions served, streamed or not.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns the recorded requests.
func (m *ScriptedModel) Requests() []*agent.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*agent.ModelRequest(nil), m.requests...)
}

// LastRequest returns the newest recorded request, or nil.
func (m *ScriptedModel) LastRequest() *agent.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

func (m *ScriptedModel) next(req *agent.ModelRequest) (Step, *agent.ModelResponse, error) {
	m.mu.Lock()
	snapshot := *req
	snapshot.Transcript = req.Transcript.Clone()
	m.requests = append(m.requests, &snapshot)

	var step Step
	switch {
	case m.index < len(m.steps):
		step = m.steps[m.index]
		m.index++
	case m.repeat != nil:
		step = *m.repeat
	default:
		n := m.index + 1
		m.mu.Unlock()
		return Step{}, nil, fmt.Errorf("script exhausted at step %d", n)
	}
	m.mu.Unlock()

	if step.Err != nil {
		return step, nil, step.Err
	}
	if step.Respond != nil {
		resp, err := step.Respond(req)
		return step, resp, err
	}
	resp := step.Response
	resp.ToolCalls = append([]transcript.ToolCall(nil), step.Response.ToolCalls...)
	if resp.Handoff != nil {
		h := *resp.Handoff
		resp.Handoff = &h
	}
	if resp.Usage.Requests == 0 {
		resp.Usage.Requests = 1
	}
	resp.Provider = "scripted"
	return step, &resp, nil
}

func (m *ScriptedModel) Complete(ctx context.Context, req *agent.ModelRequest) (*agent.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, resp, err := m.next(req)
	return resp, err
}

func (m *ScriptedModel) Stream(ctx context.Context, req *agent.ModelRequest) (agent.ModelStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step, resp, err := m.next(req)
	if err != nil {
		return nil, err
	}

	chunks := step.Chunks
	if chunks == nil {
		chunks = SplitWords(resp.Text)
	}

	events := make([]agent.StreamEvent, 0, len(chunks)+1)
	for _, c := range chunks {
		events = append(events, agent.StreamEvent{Delta: c})
	}
	events = append(events, agent.StreamEvent{Done: true, Response: resp})

	return NewEventStream(ctx, events...), nil
}

// SplitWords cuts text into word chunks that concatenate back to text.
func SplitWords(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' {
			chunks = append(chunks, text[start:i])
			start = i
		}
	}
	return append(chunks, text[start:])
}

// EventStream replays fixed events and honours context cancellation between
// events.
type EventStream struct {
	ctx    context.Context
	events []agent.StreamEvent
	pos    int
	cur    agent.StreamEvent
	err    error
	closed bool
	mu     sync.Mutex
}

func NewEventStream(ctx context.Context, events ...agent.StreamEvent) *EventStream {
	return &EventStream{ctx: ctx, events: events}
}

func (s *EventStream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil || s.pos >= len(s.events) {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.cur = s.events[s.pos]
	s.pos++
	return true
}

func (s *EventStream) Event() agent.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *EventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Text is a step answering with plain text.
func Text(text string) Step {
	return Step{Response: agent.ModelResponse{Text: text}}
}

// Call describes one tool call for ToolCalls.
type Call struct {
	ID   string
	Name string
	Args any
}

// ToolCalls is a step requesting the given calls in order.
func ToolCalls(calls ...Call) Step {
	out := make([]transcript.ToolCall, 0, len(calls))
	for _, c := range calls {
		raw, err := json.Marshal(c.Args)
		if err != nil || c.Args == nil {
			raw = json.RawMessage("{}")
		}
		out = append(out, transcript.ToolCall{ID: c.ID, ToolName: c.Name, Arguments: raw})
	}
	return Step{Response: agent.ModelResponse{ToolCalls: out}}
}

// Handoff is a step delegating to target.
func Handoff(callID, target string) Step {
	return Step{Response: agent.ModelResponse{Handoff: &agent.HandoffRequest{CallID: callID, Target: target}}}
}

// Fail is a step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Echo answers with the last tool result content, or the last user message.
func Echo(prefix string) Step {
	return Step{Respond: func(req *agent.ModelRequest) (*agent.ModelResponse, error) {
		results := req.Transcript.ToolResults()
		if len(results) > 0 {
			return &agent.ModelResponse{Text: prefix + results[len(results)-1].Content(), Usage: agent.Usage{Requests: 1}}, nil
		}
		msg, _ := req.Transcript.LastUserMessage()
		return &agent.ModelResponse{Text: prefix + msg.Text, Usage: agent.Usage{Requests: 1}}, nil
	}}
}

// Contains reports whether any transcript item renders with substr.
func Contains(history transcript.Transcript, substr string) bool {
	for _, it := range history {
		if strings.Contains(it.String(), substr) {
			return true
		}
	}
	return false
}
