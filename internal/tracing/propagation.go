package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToNestedRun prepares the context of a run started from inside a
// tool call. It keeps the trace ID and session key and assigns a new run ID.
func PropagateToNestedRun(ctx context.Context, agent string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	nested := WithTraceID(ctx, traceID)
	nested = WithRunID(nested, NewRunID())
	nested = WithAgent(nested, agent)
	// the parent's call id does not belong to the nested run
	nested = WithCallID(nested, "")

	if sessionKey := GetSessionKey(ctx); sessionKey != "" {
		nested = WithSessionKey(nested, sessionKey)
	}

	return nested
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Agent != "" {
		lc = lc.Str("agent", tc.Agent)
	}
	if tc.SessionKey != "" {
		lc = lc.Str("session_key", tc.SessionKey)
	}
	if tc.CallID != "" {
		lc = lc.Str("call_id", tc.CallID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
