package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/transcript"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 10 * 1024
	truncationMarker      = "\n... [output truncated]"
)

// Config configures an Executor.
type Config struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *zerolog.Logger
}

// Outcome is the result of one invocation. Exactly one of Output or Error is
// meaningful unless Abandoned is set.
type Outcome struct {
	Output    string
	Error     *transcript.ToolError
	Truncated bool
	// Abandoned means the caller's context ended before the outcome was
	// observed. Such an outcome must never be written to a transcript.
	Abandoned bool
	Duration  time.Duration
}

// Result converts the outcome into the transcript item answering call.
func (o Outcome) Result(call transcript.ToolCall) transcript.ToolResult {
	return transcript.ToolResult{
		CallID:   call.ID,
		ToolName: call.ToolName,
		Output:   o.Output,
		Error:    o.Error,
	}
}

// Executor invokes tools with validation, timeout and panic containment.
type Executor struct {
	timeout   time.Duration
	maxOutput int
	logger    zerolog.Logger
}

// New creates a new Executor
func New(cfg Config) *Executor {
	e := &Executor{
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutputBytes,
		logger:    log.Logger,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.maxOutput <= 0 {
		e.maxOutput = DefaultMaxOutputBytes
	}
	if cfg.Logger != nil {
		e.logger = *cfg.Logger
	}
	return e
}

// UnknownTool is the outcome for a call naming a tool the agent does not have.
func UnknownTool(name string) Outcome {
	return Outcome{Error: &transcript.ToolError{
		Kind:   transcript.KindUnknownTool,
		Detail: fmt.Sprintf("tool not found: %s", name),
	}}
}

// Invoke validates raw arguments and runs the tool. Failures are returned as
// ToolError values and never abort the caller.
func (e *Executor) Invoke(ctx context.Context, tool *Tool, call transcript.ToolCall, rc *runctx.RunContext) Outcome {
	startTime := time.Now()
	ctx = tracing.WithCallID(ctx, call.ID)
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", tool.Name()).Logger()

	ctx, span := tracing.StartSpan(ctx, "runner.tool",
		attribute.String("tool.name", tool.Name()),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	outcome := e.invoke(ctx, tool, call.Arguments, rc)
	outcome.Duration = time.Since(startTime)

	switch {
	case outcome.Abandoned:
		span.SetStatus(codes.Error, "abandoned")
		logger.Warn().Dur("duration", outcome.Duration).Msg("Tool execution abandoned")
		return outcome
	case outcome.Error != nil:
		span.SetStatus(codes.Error, outcome.Error.Detail)
		logger.Error().
			Str("kind", string(outcome.Error.Kind)).
			Str("detail", outcome.Error.Detail).
			Dur("duration", outcome.Duration).
			Msg("Tool execution failed")
		observability.RecordToolExecution(tool.Name(), outcome.Duration, string(outcome.Error.Kind))
	default:
		logger.Debug().
			Dur("duration", outcome.Duration).
			Bool("truncated", outcome.Truncated).
			Msg("Tool execution completed")
		observability.RecordToolExecution(tool.Name(), outcome.Duration, "")
	}

	if outcome.Error == nil || outcome.Error.Kind == transcript.KindExecutionFailed {
		status := "success"
		if outcome.Error != nil {
			status = "failure"
		}
		observability.RecordToolAudit(ctx, tool.Name(), tracing.GetAgent(ctx), status, map[string]interface{}{
			"call_id":     call.ID,
			"duration_ms": outcome.Duration.Milliseconds(),
		})
	}

	return outcome
}

func (e *Executor) invoke(ctx context.Context, tool *Tool, raw json.RawMessage, rc *runctx.RunContext) Outcome {
	if ctx.Err() != nil {
		return Outcome{Abandoned: true}
	}

	params, err := DecodeArguments(raw)
	if err != nil {
		return Outcome{Error: &transcript.ToolError{Kind: transcript.KindInvalidArguments, Detail: err.Error()}}
	}
	if err := tool.ValidateArguments(params); err != nil {
		return Outcome{Error: &transcript.ToolError{
			Kind:   transcript.KindInvalidArguments,
			Detail: fmt.Sprintf("parameter validation failed: %v", err),
		}}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type handlerResult struct {
		output    string
		truncated bool
		err       error
	}
	resultChan := make(chan handlerResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("tool", tool.Name()).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Tool handler panicked")
				resultChan <- handlerResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := tool.def.Handler(timeoutCtx, params, rc)
		if err != nil {
			resultChan <- handlerResult{err: err}
			return
		}
		// rendering may call into tool types, so it stays under recover
		output, truncated := e.renderOutput(value)
		resultChan <- handlerResult{output: output, truncated: truncated}
	}()

	select {
	case res := <-resultChan:
		if res.err == nil {
			return Outcome{Output: res.output, Truncated: res.truncated}
		}
		// a handler that gave up because its context ended reports the same
		// outcome as one that never returned
		if timeoutCtx.Err() != nil {
			return e.expired(ctx)
		}
		return Outcome{Error: &transcript.ToolError{Kind: transcript.KindExecutionFailed, Detail: res.err.Error()}}

	case <-timeoutCtx.Done():
		return e.expired(ctx)
	}
}

func (e *Executor) expired(parent context.Context) Outcome {
	if parent.Err() != nil {
		return Outcome{Abandoned: true}
	}
	return Outcome{Error: &transcript.ToolError{
		Kind:   transcript.KindExecutionFailed,
		Detail: fmt.Sprintf("tool execution timeout after %v", e.timeout),
	}}
}

// renderOutput converts a handler value to text and truncates it.
func (e *Executor) renderOutput(value interface{}) (string, bool) {
	var str string
	switch v := value.(type) {
	case nil:
		str = ""
	case string:
		str = v
	case []byte:
		str = string(v)
	case fmt.Stringer:
		str = v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			str = fmt.Sprintf("%v", v)
		} else {
			str = string(data)
		}
	}

	if len(str) <= e.maxOutput {
		return str, false
	}

	cut := e.maxOutput
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}

	e.logger.Warn().
		Int("original", len(str)).
		Int("truncated", cut).
		Msg("Output truncated")

	return str[:cut] + truncationMarker, true
}
