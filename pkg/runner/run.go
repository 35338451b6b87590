package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/guardrail"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/harun/agentloop/pkg/transcript"
)

const (
	DefaultMaxTurns           = 10
	DefaultMaxConcurrentTools = 4
)

// Config configures a Runner.
type Config struct {
	// MaxTurns bounds model calls per run, counted across resumes and handoffs.
	MaxTurns           int
	MaxConcurrentTools int
	ToolTimeout        time.Duration
	MaxToolOutputBytes int
	Logger             *zerolog.Logger
	// Hooks, when set, is told about every lifecycle event.
	Hooks Hooks
}

// Runner drives agents through the run loop. It holds no per-run state and
// may be shared by concurrent runs.
type Runner struct {
	maxTurns           int
	maxConcurrentTools int
	executor           *toolexecutor.Executor
	hooks              Hooks
	logger             zerolog.Logger
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.MaxTurns < 0 {
		return nil, fmt.Errorf("max turns cannot be negative")
	}
	if cfg.MaxConcurrentTools < 0 {
		return nil, fmt.Errorf("max concurrent tools cannot be negative")
	}
	if cfg.ToolTimeout < 0 {
		return nil, fmt.Errorf("tool timeout cannot be negative")
	}

	r := &Runner{
		maxTurns:           cfg.MaxTurns,
		maxConcurrentTools: cfg.MaxConcurrentTools,
		hooks:              cfg.Hooks,
		logger:             log.Logger,
	}
	if r.maxTurns == 0 {
		r.maxTurns = DefaultMaxTurns
	}
	if r.maxConcurrentTools == 0 {
		r.maxConcurrentTools = DefaultMaxConcurrentTools
	}
	if cfg.Logger != nil {
		r.logger = *cfg.Logger
	}

	r.executor = toolexecutor.New(toolexecutor.Config{
		Timeout:        cfg.ToolTimeout,
		MaxOutputBytes: cfg.MaxToolOutputBytes,
		Logger:         &r.logger,
	})

	return r, nil
}

// RunResult is the outcome of Run or Resume. Exactly one of the following
// holds: the run completed (FinalOutput set), it paused (Interruptions and
// State set), or it was aborted by a guardrail (Aborted set).
type RunResult struct {
	RunID string
	// FinalOutput is the answer text, or the decoded JSON value when the
	// last agent declares an output schema.
	FinalOutput   any
	FinalText     string
	History       transcript.Transcript
	Interruptions []Interruption
	State         *RunState
	Aborted       *GuardrailTrip
	LastAgent     *agent.Agent
	Usage         agent.Usage
	Turns         int
}

func (r *RunResult) Completed() bool { return r.State == nil && r.Aborted == nil }
func (r *RunResult) Paused() bool    { return r.State != nil }

func (r *RunResult) status() string {
	switch {
	case r.Aborted != nil:
		return "aborted"
	case r.State != nil:
		return "paused"
	default:
		return "completed"
	}
}

// emitFunc receives streamed text deltas.
type emitFunc func(chunk string)

// Run appends nothing to input by itself: the caller supplies the transcript
// with its newest user message already in place.
func (r *Runner) Run(ctx context.Context, a *agent.Agent, input transcript.Transcript, rc *runctx.RunContext) (*RunResult, error) {
	return r.run(ctx, a, input, rc, nil)
}

// Resume continues a paused run. decisions are merged with any recorded via
// RunState.Approve or RunState.Reject; every pending interruption must have one.
func (r *Runner) Resume(ctx context.Context, state *RunState, decisions map[string]Decision, rc *runctx.RunContext) (*RunResult, error) {
	return r.resume(ctx, state, decisions, rc, nil)
}

func (r *Runner) run(ctx context.Context, a *agent.Agent, input transcript.Transcript, rc *runctx.RunContext, emit emitFunc) (*RunResult, error) {
	if a == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTranscript, err)
	}
	agents, err := indexAgents(a)
	if err != nil {
		return nil, err
	}

	l := &loop{
		r:       r,
		rc:      rc,
		runID:   tracing.NewRunID(),
		root:    a,
		agents:  agents,
		active:  a,
		history: input.Clone(),
		emit:    emit,
	}

	ctx, span, start := l.begin(ctx, "runner.run")
	defer span.End()

	result, err := l.inputGuardrails(ctx)
	if err == nil && result == nil {
		result, err = l.drive(ctx)
	}

	l.end(ctx, span, start, result, err)
	return result, err
}

func (r *Runner) resume(ctx context.Context, state *RunState, decisions map[string]Decision, rc *runctx.RunContext, emit emitFunc) (*RunResult, error) {
	if state == nil {
		return nil, fmt.Errorf("run state is required")
	}
	merged, err := state.acquire(decisions)
	if err != nil {
		return nil, err
	}
	defer state.release()

	l := &loop{
		r:       r,
		rc:      rc,
		runID:   state.id,
		root:    state.root,
		agents:  state.agents,
		active:  state.active,
		history: state.committed.Clone(),
		turns:   state.turns,
		usage:   state.usage,
		emit:    emit,
	}

	ctx, span, start := l.begin(ctx, "runner.resume")
	defer span.End()

	for _, p := range state.pending {
		observability.RecordApprovalAudit(ctx, p.ToolName, p.AgentName, merged[p.CallID] == Approved, map[string]interface{}{
			"call_id": p.CallID,
		})
	}

	result, err := l.executeTurn(ctx, state.turn, merged, state)
	if err == nil && result == nil {
		result, err = l.drive(ctx)
	}

	l.end(ctx, span, start, result, err)
	return result, err
}

// outcomeStore memoizes observed tool results of one open turn.
type outcomeStore interface {
	outcome(callID string) (transcript.ToolResult, bool)
	recordOutcome(result transcript.ToolResult)
}

type mapStore map[string]transcript.ToolResult

func (m mapStore) outcome(callID string) (transcript.ToolResult, bool) {
	r, ok := m[callID]
	return r, ok
}

func (m mapStore) recordOutcome(result transcript.ToolResult) {
	m[result.CallID] = result
}

// loop is the mutable state of one Run or Resume invocation.
type loop struct {
	r       *Runner
	rc      *runctx.RunContext
	runID   string
	root    *agent.Agent
	agents  map[string]*agent.Agent
	active  *agent.Agent
	history transcript.Transcript
	turns   int
	usage   agent.Usage
	emit    emitFunc
	logger  zerolog.Logger
}

func (l *loop) begin(ctx context.Context, spanName string) (context.Context, trace.Span, time.Time) {
	ctx = tracing.NewRunContext(ctx, l.runID, l.active.Name())
	ctx, span := tracing.StartSpan(ctx, spanName,
		attribute.String("run.id", l.runID),
		attribute.String("agent.name", l.active.Name()),
		attribute.Bool("run.streaming", l.emit != nil),
	)
	l.logger = tracing.LoggerFromContext(ctx, l.r.logger)
	l.logger.Debug().Int("history", len(l.history)).Int("turns", l.turns).Msg("Run started")
	l.notify(ctx, Event{Kind: EventRunStart})
	l.notify(ctx, Event{Kind: EventAgentStart})
	return ctx, span, time.Now()
}

func (l *loop) end(ctx context.Context, span trace.Span, start time.Time, result *RunResult, err error) {
	duration := time.Since(start)
	status := "error"
	if err == nil {
		status = result.status()
	}

	span.SetAttributes(
		attribute.String("run.status", status),
		attribute.Int("run.turns", l.turns),
		attribute.String("run.last_agent", l.active.Name()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error().Err(err).Int("turns", l.turns).Dur("duration", duration).Msg("Run failed")
	} else {
		l.logger.Info().
			Str("status", status).
			Str("last_agent", l.active.Name()).
			Int("turns", l.turns).
			Dur("duration", duration).
			Msg("Run finished")
	}

	observability.RecordRun(l.root.Name(), status, duration, l.turns)

	ev := Event{Kind: EventRunEnd, Status: status}
	if err != nil {
		ev.Detail = err.Error()
	}
	l.notify(ctx, ev)
}

func (l *loop) result() *RunResult {
	return &RunResult{
		RunID:     l.runID,
		History:   l.history.Clone(),
		LastAgent: l.active,
		Usage:     l.usage,
		Turns:     l.turns,
	}
}

// drive alternates model calls and tool execution until the run completes,
// pauses, aborts or fails.
func (l *loop) drive(ctx context.Context) (*RunResult, error) {
	for {
		if l.turns >= l.r.maxTurns {
			return nil, fmt.Errorf("%w: %d model calls", ErrTurnLimitExceeded, l.r.maxTurns)
		}

		resp, err := l.callModel(ctx)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.Handoff != nil:
			if len(resp.ToolCalls) > 0 {
				return nil, fmt.Errorf("agent %s: %w", l.active.Name(), agent.ErrHandoffWithToolCalls)
			}
			result, err := l.handoff(ctx, resp)
			if err != nil || result != nil {
				return result, err
			}

		case len(resp.ToolCalls) > 0:
			result, err := l.executeTurn(ctx, l.openTurn(resp), nil, mapStore{})
			if err != nil || result != nil {
				return result, err
			}

		default:
			return l.complete(ctx, resp.Text)
		}
	}
}

func (l *loop) callModel(ctx context.Context) (*agent.ModelResponse, error) {
	ctx = tracing.WithAgent(ctx, l.active.Name())

	instructions, err := l.active.Instructions(ctx, l.rc)
	if err != nil {
		return nil, fmt.Errorf("failed to compute instructions for agent %s: %w", l.active.Name(), err)
	}

	req := &agent.ModelRequest{
		Agent:        l.active.Name(),
		Instructions: instructions,
		Transcript:   l.history.Clone(),
		Tools:        l.active.ToolDeclarations(),
		Handoffs:     l.active.HandoffDeclarations(),
		OutputSchema: l.active.OutputSchema(),
		Settings:     l.active.Settings(),
	}

	l.turns++
	ctx, span := tracing.StartSpan(ctx, "runner.model_call",
		attribute.String("agent.name", l.active.Name()),
		attribute.Int("run.turn", l.turns),
	)
	defer span.End()

	start := time.Now()
	resp, err := l.invokeModel(ctx, req)
	duration := time.Since(start)

	provider := "unknown"
	if resp != nil && resp.Provider != "" {
		provider = resp.Provider
	}
	observability.RecordModelCall(provider, duration, err == nil)

	if err == nil && resp == nil {
		err = fmt.Errorf("model returned no response")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		return nil, fmt.Errorf("model call for agent %s failed: %w", l.active.Name(), err)
	}

	l.usage.Add(resp.Usage)
	l.logger.Debug().
		Str("provider", provider).
		Int("tool_calls", len(resp.ToolCalls)).
		Bool("handoff", resp.Handoff != nil).
		Dur("duration", duration).
		Msg("Model call completed")

	return resp, nil
}

func (l *loop) invokeModel(ctx context.Context, req *agent.ModelRequest) (*agent.ModelResponse, error) {
	model := l.active.Model()
	if l.emit == nil {
		return model.Complete(ctx, req)
	}

	sm, ok := model.(agent.StreamingModel)
	if !ok {
		resp, err := model.Complete(ctx, req)
		if err == nil && resp != nil && final(resp) && resp.Text != "" {
			l.emit(resp.Text)
		}
		return resp, err
	}

	stream, err := sm.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	// Only a response without tool calls or a handoff reaches the caller.
	// An agent that can request neither streams live; otherwise deltas wait
	// for the response that decides it.
	live := len(req.Tools) == 0 && len(req.Handoffs) == 0
	var held []string

	for stream.Next() {
		ev := stream.Event()
		if ev.Done {
			if ev.Response == nil {
				return nil, ErrIncompleteStream
			}
			if !live && final(ev.Response) {
				for _, chunk := range held {
					l.emit(chunk)
				}
			}
			return ev.Response, nil
		}
		if ev.Delta == "" {
			continue
		}
		if live {
			l.emit(ev.Delta)
		} else {
			held = append(held, ev.Delta)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrIncompleteStream
}

// final reports whether resp ends the run with its text.
func final(resp *agent.ModelResponse) bool {
	return resp.Handoff == nil && len(resp.ToolCalls) == 0
}

// openTurn stamps the requested calls with the active agent and ids that are
// unique within the transcript.
func (l *loop) openTurn(resp *agent.ModelResponse) openTurn {
	used := make(map[string]bool)
	for _, c := range l.history.ToolCalls() {
		used[c.ID] = true
	}

	calls := make([]transcript.ToolCall, 0, len(resp.ToolCalls))
	for _, c := range resp.ToolCalls {
		c.Agent = l.active.Name()
		if c.ID == "" || used[c.ID] {
			c.ID = newCallID()
		}
		used[c.ID] = true
		if len(c.Arguments) == 0 {
			c.Arguments = json.RawMessage("{}")
		}
		calls = append(calls, c)
	}

	return openTurn{Agent: l.active.Name(), Text: resp.Text, Calls: calls}
}

func newCallID() string {
	return "call_" + gonanoid.Must(24)
}

// executeTurn resolves every call of turn. Calls without a decision that need
// approval pause the run; everything else runs concurrently and is appended
// in request order once all outcomes are observed.
func (l *loop) executeTurn(ctx context.Context, turn openTurn, decisions map[string]Decision, memo outcomeStore) (*RunResult, error) {
	ctx = tracing.WithAgent(ctx, l.active.Name())
	calls := turn.Calls
	results := make([]*transcript.ToolResult, len(calls))

	var interruptions []Interruption
	var jobs []int
	for i, c := range calls {
		if prior, ok := memo.outcome(c.ID); ok {
			results[i] = &prior
			continue
		}

		tool := l.active.Tool(c.ToolName)
		if tool == nil {
			res := toolexecutor.UnknownTool(c.ToolName).Result(c)
			memo.recordOutcome(res)
			results[i] = &res
			continue
		}

		if tool.NeedsApproval() {
			switch decisions[c.ID] {
			case Approved:
				jobs = append(jobs, i)
			case Rejected:
				res := transcript.ToolResult{CallID: c.ID, ToolName: c.ToolName, Output: RejectionNotice, Rejected: true}
				results[i] = &res
			default:
				interruptions = append(interruptions, Interruption{
					CallID:    c.ID,
					AgentName: l.active.Name(),
					ToolName:  c.ToolName,
					Arguments: c.Arguments,
				})
			}
			continue
		}

		jobs = append(jobs, i)
	}

	outcomes := make([]toolexecutor.Outcome, len(calls))
	p := pool.New().WithMaxGoroutines(l.r.maxConcurrentTools)
	for _, i := range jobs {
		p.Go(func() {
			l.notify(ctx, Event{Kind: EventToolStart, Tool: calls[i].ToolName, CallID: calls[i].ID})
			outcomes[i] = l.r.executor.Invoke(ctx, l.active.Tool(calls[i].ToolName), calls[i], l.rc)
			if !outcomes[i].Abandoned {
				ev := Event{Kind: EventToolEnd, Tool: calls[i].ToolName, CallID: calls[i].ID, Status: "ok"}
				if e := outcomes[i].Error; e != nil {
					ev.Status, ev.Detail = string(e.Kind), e.Detail
				}
				l.notify(ctx, ev)
			}
		})
	}
	p.Wait()

	for _, i := range jobs {
		if outcomes[i].Abandoned {
			continue
		}
		res := outcomes[i].Result(calls[i])
		memo.recordOutcome(res)
		results[i] = &res
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(interruptions) > 0 {
		return l.pause(ctx, turn, results, interruptions, memo), nil
	}

	l.history = l.history.Append(turnItems(turn, results, false)...)
	return nil, nil
}

func (l *loop) pause(ctx context.Context, turn openTurn, results []*transcript.ToolResult, interruptions []Interruption, memo outcomeStore) *RunResult {
	outcomes := make(map[string]transcript.ToolResult)
	for _, c := range turn.Calls {
		if r, ok := memo.outcome(c.ID); ok {
			outcomes[c.ID] = r
		}
	}

	for _, in := range interruptions {
		observability.RecordInterruption(in.ToolName)
		l.logger.Info().
			Str("call_id", in.CallID).
			Str("tool", in.ToolName).
			Msg("Tool call awaiting approval")
		l.notify(ctx, Event{Kind: EventInterruption, Tool: in.ToolName, CallID: in.CallID})
	}

	state := &RunState{
		id:        l.runID,
		root:      l.root,
		agents:    l.agents,
		active:    l.active,
		committed: l.history.Clone(),
		turn:      turn,
		pending:   interruptions,
		decisions: make(map[string]Decision),
		outcomes:  outcomes,
		turns:     l.turns,
		usage:     l.usage,
	}

	result := l.result()
	result.History = result.History.Append(turnItems(turn, results, true)...)
	result.Interruptions = append([]Interruption(nil), interruptions...)
	result.State = state
	return result
}

// turnItems lays out a tool turn: optional assistant text, every call in
// request order, then results in the same order. With prefixOnly the results
// stop at the first unresolved call.
func turnItems(turn openTurn, results []*transcript.ToolResult, prefixOnly bool) []transcript.Item {
	items := make([]transcript.Item, 0, 1+2*len(turn.Calls))
	if turn.Text != "" {
		items = append(items, transcript.NewAssistantMessage(turn.Agent, turn.Text))
	}
	for _, c := range turn.Calls {
		items = append(items, transcript.NewToolCall(c))
	}
	for _, r := range results {
		if r == nil {
			if prefixOnly {
				break
			}
			continue
		}
		items = append(items, transcript.NewToolResult(*r))
	}
	return items
}

func (l *loop) handoff(ctx context.Context, resp *agent.ModelResponse) (*RunResult, error) {
	from := l.active
	target, ok := from.Handoff(resp.Handoff.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownHandoff, from.Name(), resp.Handoff.Target)
	}

	callID := resp.Handoff.CallID
	if callID == "" {
		callID = newCallID()
	}

	var items []transcript.Item
	if resp.Text != "" {
		items = append(items, transcript.NewAssistantMessage(from.Name(), resp.Text))
	}
	items = append(items, transcript.NewHandoff(transcript.HandoffMarker{
		CallID:    callID,
		FromAgent: from.Name(),
		ToAgent:   target.Name(),
	}))
	l.history = l.history.Append(items...)
	l.active = target

	observability.RecordHandoff(from.Name(), target.Name())
	trace.SpanFromContext(ctx).AddEvent("handoff", trace.WithAttributes(
		attribute.String("handoff.from", from.Name()),
		attribute.String("handoff.to", target.Name()),
	))
	l.logger.Info().Str("from", from.Name()).Str("to", target.Name()).Msg("Handoff")
	l.notify(ctx, Event{Kind: EventHandoff, Agent: from.Name(), Target: target.Name(), CallID: callID})

	ctx = tracing.WithAgent(ctx, target.Name())
	l.logger = tracing.LoggerFromContext(ctx, l.r.logger)
	l.notify(ctx, Event{Kind: EventAgentStart})
	return l.inputGuardrails(ctx)
}

// inputGuardrails checks the newest user message with the active agent's
// input guardrails. A trip returns the aborted result.
func (l *loop) inputGuardrails(ctx context.Context) (*RunResult, error) {
	guardrails := l.active.InputGuardrails()
	if len(guardrails) == 0 {
		return nil, nil
	}

	msg, _ := l.history.LastUserMessage()
	outcome, err := guardrail.Evaluate(ctx, guardrails, guardrail.Subject{
		Stage: guardrail.StageInput,
		Agent: l.active.Name(),
		Text:  msg.Text,
	}, l.rc)
	if err != nil {
		return nil, err
	}
	if outcome.Tripped {
		return l.aborted(ctx, guardrail.StageInput, outcome), nil
	}
	return nil, nil
}

func (l *loop) aborted(ctx context.Context, stage guardrail.Stage, outcome guardrail.Outcome) *RunResult {
	result := l.result()
	result.Aborted = &GuardrailTrip{
		Stage:     stage,
		Guardrail: outcome.Guardrail,
		Detail:    outcome.Detail,
		Agent:     l.active.Name(),
	}
	l.notify(ctx, Event{Kind: EventGuardrailTripped, Guardrail: outcome.Guardrail, Status: string(stage), Detail: outcome.Detail})
	return result
}

// complete applies the output contract and output guardrails to a final
// answer. The assistant message is appended only if both pass.
func (l *loop) complete(ctx context.Context, text string) (*RunResult, error) {
	var output any = text
	if l.active.HasOutputSchema() {
		value, err := decodeStructured(text)
		if err == nil {
			err = l.active.ValidateOutput(value)
		}
		if err != nil {
			return nil, &OutputContractViolationError{Agent: l.active.Name(), Output: text, Err: err}
		}
		output = value
	}

	outcome, err := guardrail.Evaluate(ctx, l.active.OutputGuardrails(), guardrail.Subject{
		Stage:  guardrail.StageOutput,
		Agent:  l.active.Name(),
		Text:   text,
		Output: output,
	}, l.rc)
	if err != nil {
		return nil, err
	}
	if outcome.Tripped {
		return l.aborted(ctx, guardrail.StageOutput, outcome), nil
	}

	l.history = l.history.Append(transcript.NewAssistantMessage(l.active.Name(), text))

	result := l.result()
	result.FinalOutput = output
	result.FinalText = text
	return result, nil
}

// decodeStructured parses a JSON answer, tolerating a surrounding code fence.
func decodeStructured(text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}

	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, fmt.Errorf("answer is not valid JSON: %w", err)
	}
	return value, nil
}
