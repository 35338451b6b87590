package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey groups every run of one chat session
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies one Run or Resume invocation
	RunIDKey ContextKey = "run_id"
	// AgentKey is the name of the active agent
	AgentKey ContextKey = "agent"
	// SessionKeyKey is the persisted chat session key
	SessionKeyKey ContextKey = "session_key"
	// CallIDKey is the tool call being executed
	CallIDKey ContextKey = "call_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	RunID      string
	Agent      string
	SessionKey string
	CallID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, AgentKey, agent)
}

func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey) }

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string { return getString(ctx, RunIDKey) }

// GetAgent retrieves the active agent name from the context
func GetAgent(ctx context.Context) string { return getString(ctx, AgentKey) }

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string { return getString(ctx, SessionKeyKey) }

// GetCallID retrieves the tool call id from the context
func GetCallID(ctx context.Context) string { return getString(ctx, CallIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		Agent:      GetAgent(ctx),
		SessionKey: GetSessionKey(ctx),
		CallID:     GetCallID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.Agent != "" {
		ctx = WithAgent(ctx, tc.Agent)
	}
	if tc.SessionKey != "" {
		ctx = WithSessionKey(ctx, tc.SessionKey)
	}
	if tc.CallID != "" {
		ctx = WithCallID(ctx, tc.CallID)
	}
	return ctx
}

// NewSessionContext starts a trace shared by every run of a chat session.
func NewSessionContext(ctx context.Context, sessionKey string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	if sessionKey != "" {
		ctx = WithSessionKey(ctx, sessionKey)
	}
	return ctx
}

// NewRunContext tags ctx with a run ID, keeping an existing trace ID or
// starting a new one.
func NewRunContext(ctx context.Context, runID, agent string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	if runID == "" {
		runID = NewRunID()
	}
	ctx = WithRunID(ctx, runID)
	return WithAgent(ctx, agent)
}
