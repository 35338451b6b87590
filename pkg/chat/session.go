package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/runner"
	"github.com/harun/agentloop/pkg/session"
	"github.com/harun/agentloop/pkg/transcript"
)

// ErrPendingRun is returned by Send while a stored run still waits for
// approvals. Call ResumePending first.
var ErrPendingRun = errors.New("a previous run is waiting for approval")

// Config configures a chat session. Store and Key are optional; without
// them the history lives in memory only.
type Config struct {
	Runner     *runner.Runner
	Agent      *agent.Agent
	Approver   Approver
	Store      *session.Store
	Key        string
	RunContext *runctx.RunContext
	Logger     *zerolog.Logger
}

// Reply is the outcome of one user message.
type Reply struct {
	// Text is what to show the user: the final text, or a refusal.
	Text string
	// Output is the final output, structured when the agent has a schema.
	Output  any
	Agent   string
	Refused bool
	Result  *runner.RunResult
}

// Session is a conversation with one entry agent. Every message starts a
// run at the entry agent over the whole history, so handoff markers in the
// history let it route again.
type Session struct {
	cfg      Config
	history  transcript.Transcript
	pending  *runner.RunState
	traceCtx context.Context
	logger   zerolog.Logger
}

// New opens a session, loading history and any paused run from the store.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Approver == nil {
		cfg.Approver = DenyAllApprover{}
	}
	if cfg.Store != nil {
		if err := session.ValidateKey(cfg.Key); err != nil {
			return nil, err
		}
	}

	s := &Session{
		cfg:      cfg,
		history:  transcript.Transcript{},
		traceCtx: tracing.NewSessionContext(context.Background(), cfg.Key),
		logger:   log.Logger,
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	s.logger = s.logger.With().Str("trace_id", tracing.GetTraceID(s.traceCtx)).Logger()

	if cfg.Store != nil {
		history, err := cfg.Store.Load(ctx, cfg.Key)
		if err != nil {
			return nil, err
		}
		s.history = history

		pending, err := cfg.Store.LoadPending(ctx, cfg.Key, cfg.Agent)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Discarding unusable paused run")
			if err := cfg.Store.ClearPending(ctx, cfg.Key); err != nil {
				return nil, err
			}
		}
		s.pending = pending
	}

	return s, nil
}

// History returns a copy of the conversation so far.
func (s *Session) History() transcript.Transcript {
	return s.history.Clone()
}

// Pending returns the interruptions of a stored paused run, if any.
func (s *Session) Pending() []runner.Interruption {
	if s.pending == nil {
		return nil
	}
	return s.pending.Interruptions()
}

// Send appends text as a user message and runs the entry agent until it
// completes or is refused, resolving approvals through the Approver.
func (s *Session) Send(ctx context.Context, text string) (*Reply, error) {
	return s.send(ctx, text, nil)
}

// SendStreaming is Send with text deltas forwarded to onChunk as they arrive.
func (s *Session) SendStreaming(ctx context.Context, text string, onChunk func(string)) (*Reply, error) {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	return s.send(ctx, text, onChunk)
}

// ResumePending resolves a paused run loaded from the store.
func (s *Session) ResumePending(ctx context.Context) (*Reply, error) {
	if s.pending == nil {
		return nil, fmt.Errorf("no paused run")
	}

	ctx, span := s.span(ctx, "chat.resume")
	defer span.End()

	result, err := s.resolve(ctx, s.pending, nil)
	if err == nil {
		return s.settle(ctx, result, nil)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (s *Session) send(ctx context.Context, text string, onChunk func(string)) (*Reply, error) {
	if s.pending != nil {
		return nil, ErrPendingRun
	}

	ctx, span := s.span(ctx, "chat.turn")
	defer span.End()

	input := s.history.Append(transcript.NewUserMessage(text))

	var (
		result *runner.RunResult
		err    error
	)
	if onChunk == nil {
		result, err = s.cfg.Runner.Run(ctx, s.cfg.Agent, input, s.cfg.RunContext)
	} else {
		result, err = stream(onChunk, func() (*runner.StreamedRun, error) {
			return s.cfg.Runner.RunStreaming(ctx, s.cfg.Agent, input, s.cfg.RunContext)
		})
	}
	if err == nil {
		var reply *Reply
		if reply, err = s.settle(ctx, result, onChunk); err == nil {
			return reply, nil
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// span joins the session trace unless ctx already carries one.
func (s *Session) span(ctx context.Context, name string) (context.Context, trace.Span) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.GetTraceID(s.traceCtx))
	}
	if s.cfg.Key != "" {
		ctx = tracing.WithSessionKey(ctx, s.cfg.Key)
	}
	return tracing.StartSpan(ctx, name,
		attribute.String("session_key", s.cfg.Key),
		attribute.String("agent", s.cfg.Agent.Name()),
	)
}

// settle drives a result through approvals until the run completes or is
// refused.
func (s *Session) settle(ctx context.Context, result *runner.RunResult, onChunk func(string)) (*Reply, error) {
	for result.Paused() {
		next, err := s.resolve(ctx, result.State, onChunk)
		if err != nil {
			return nil, err
		}
		result = next
	}
	return s.finish(ctx, result)
}

// resolve records the paused run, asks the Approver about every pending
// call and resumes. On error the run stays pending unless the error is
// terminal, in which case it is discarded.
func (s *Session) resolve(ctx context.Context, state *runner.RunState, onChunk func(string)) (*runner.RunResult, error) {
	s.pending = state
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SavePending(ctx, s.cfg.Key, state); err != nil {
			return nil, err
		}
	}

	for _, in := range state.Interruptions() {
		decision, err := s.cfg.Approver.Decide(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("approval of %s failed: %w", in.ToolName, err)
		}
		switch decision {
		case runner.Approved:
			err = state.Approve(in.CallID)
		default:
			err = state.Reject(in.CallID)
		}
		if err != nil {
			return nil, err
		}
		s.logger.Debug().Str("tool", in.ToolName).Str("call_id", in.CallID).Str("decision", string(decision)).Msg("Interruption decided")
	}

	var (
		result *runner.RunResult
		err    error
	)
	if onChunk == nil {
		result, err = s.cfg.Runner.Resume(ctx, state, nil, s.cfg.RunContext)
	} else {
		result, err = stream(onChunk, func() (*runner.StreamedRun, error) {
			return s.cfg.Runner.ResumeStreaming(ctx, state, nil, s.cfg.RunContext)
		})
	}
	if err != nil && runner.Terminal(err) {
		s.logger.Warn().Err(err).Str("run_id", state.ID()).Msg("Discarding paused run that cannot finish")
		if clearErr := s.clearPending(ctx); clearErr != nil {
			return nil, errors.Join(err, clearErr)
		}
	}
	return result, err
}

func (s *Session) clearPending(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	s.pending = nil
	if s.cfg.Store != nil {
		return s.cfg.Store.ClearPending(ctx, s.cfg.Key)
	}
	return nil
}

func (s *Session) finish(ctx context.Context, result *runner.RunResult) (*Reply, error) {
	if err := s.clearPending(ctx); err != nil {
		return nil, err
	}

	reply := &Reply{Result: result}
	if result.LastAgent != nil {
		reply.Agent = result.LastAgent.Name()
	}
	if result.Aborted != nil {
		reply.Refused = true
		reply.Text = result.Aborted.Message()
		s.logger.Info().Str("guardrail", result.Aborted.Guardrail).Str("stage", string(result.Aborted.Stage)).Msg("Message refused")
		return reply, nil
	}

	if err := s.commit(ctx, result.History); err != nil {
		return nil, err
	}
	reply.Text = result.FinalText
	reply.Output = result.FinalOutput
	return reply, nil
}

// commit stores history, appending when it extends what is stored.
func (s *Session) commit(ctx context.Context, history transcript.Transcript) error {
	if s.cfg.Store != nil {
		var err error
		if extends(history, s.history) {
			err = s.cfg.Store.Append(ctx, s.cfg.Key, history[len(s.history):]...)
		} else {
			err = s.cfg.Store.Replace(ctx, s.cfg.Key, history)
		}
		if err != nil {
			return err
		}
	}
	s.history = history.Clone()
	return nil
}

func extends(history, prefix transcript.Transcript) bool {
	if len(history) < len(prefix) {
		return false
	}
	for i := range prefix {
		if history[i].String() != prefix[i].String() {
			return false
		}
	}
	return true
}

func stream(onChunk func(string), start func() (*runner.StreamedRun, error)) (*runner.RunResult, error) {
	run, err := start()
	if err != nil {
		return nil, err
	}
	for chunk := range run.TextStream() {
		onChunk(chunk)
	}
	return run.Wait()
}
