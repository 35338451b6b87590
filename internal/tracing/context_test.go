package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewRunID(t *testing.T) {
	if NewRunID() == NewRunID() {
		t.Error("NewRunID returned duplicate IDs")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithAgent(ctx, "weather")
	ctx = WithSessionKey(ctx, "session-abc")
	ctx = WithCallID(ctx, "call_1")

	tc := FromContext(ctx)

	if tc.TraceID != "trace-123" {
		t.Errorf("Expected trace ID trace-123, got %s", tc.TraceID)
	}
	if tc.RunID != "run-456" {
		t.Errorf("Expected run ID run-456, got %s", tc.RunID)
	}
	if tc.Agent != "weather" {
		t.Errorf("Expected agent weather, got %s", tc.Agent)
	}
	if tc.SessionKey != "session-abc" {
		t.Errorf("Expected session key session-abc, got %s", tc.SessionKey)
	}
	if tc.CallID != "call_1" {
		t.Errorf("Expected call id call_1, got %s", tc.CallID)
	}

	restored := NewContext(context.Background(), tc)
	if *FromContext(restored) != *tc {
		t.Errorf("NewContext did not restore %+v", tc)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetRunID(ctx) != "" || GetAgent(ctx) != "" || GetSessionKey(ctx) != "" || GetCallID(ctx) != "" {
		t.Error("Expected empty values from a bare context")
	}
}

func TestNewSessionContext(t *testing.T) {
	ctx := NewSessionContext(context.Background(), "cli:default")

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated")
	}
	if GetSessionKey(ctx) != "cli:default" {
		t.Errorf("Expected session key cli:default, got %s", GetSessionKey(ctx))
	}
}

func TestNewRunContext(t *testing.T) {
	session := WithTraceID(context.Background(), "trace-1")

	first := NewRunContext(session, "", "weather")
	second := NewRunContext(session, "run-fixed", "support")

	if GetTraceID(first) != "trace-1" || GetTraceID(second) != "trace-1" {
		t.Error("Runs of one session should share the trace ID")
	}
	if GetRunID(first) == "" {
		t.Error("Run ID not generated")
	}
	if GetRunID(second) != "run-fixed" {
		t.Errorf("Expected run-fixed, got %s", GetRunID(second))
	}
	if GetAgent(second) != "support" {
		t.Errorf("Expected agent support, got %s", GetAgent(second))
	}

	fresh := NewRunContext(context.Background(), "", "weather")
	if GetTraceID(fresh) == "" {
		t.Error("Trace ID not generated for a run without a session")
	}
}
