package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/transcript"
)

func echoTool(t *testing.T) *Tool {
	t.Helper()
	tool, err := NewTool(ToolDefinition{
		Name:        "echo",
		Description: "Echo tool",
		Parameters: []ToolParameter{
			{Name: "message", Type: "string", Description: "Message to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			return params["message"], nil
		},
	})
	require.NoError(t, err)
	return tool
}

func call(id, args string) transcript.ToolCall {
	return transcript.ToolCall{ID: id, ToolName: "echo", Arguments: json.RawMessage(args)}
}

func TestExecutor_Invoke_Success(t *testing.T) {
	exec := New(Config{})

	outcome := exec.Invoke(context.Background(), echoTool(t), call("call_1", `{"message":"Hello, World!"}`), nil)

	assert.Nil(t, outcome.Error)
	assert.False(t, outcome.Abandoned)
	assert.Equal(t, "Hello, World!", outcome.Output)

	result := outcome.Result(call("call_1", ""))
	assert.Equal(t, "call_1", result.CallID)
	assert.Equal(t, "echo", result.ToolName)
}

func TestExecutor_Invoke_InvalidArguments(t *testing.T) {
	exec := New(Config{})

	tests := []struct {
		name string
		args string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"message": 42}`},
		{"unknown field", `{"message":"hi","extra":true}`},
		{"not json", `{"message":`},
		{"not an object", `["hi"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := exec.Invoke(context.Background(), echoTool(t), call("c", tt.args), nil)
			require.NotNil(t, outcome.Error)
			assert.Equal(t, transcript.KindInvalidArguments, outcome.Error.Kind)
		})
	}

	t.Run("should never call the handler", func(t *testing.T) {
		var calls atomic.Int32
		tool := MustTool(ToolDefinition{
			Name:        "counter",
			Description: "Counts calls",
			Parameters:  []ToolParameter{{Name: "n", Type: "integer", Description: "n", Required: true}},
			Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
				calls.Add(1)
				return nil, nil
			},
		})
		outcome := exec.Invoke(context.Background(), tool, transcript.ToolCall{ID: "c", ToolName: "counter", Arguments: json.RawMessage(`{"n":"one"}`)}, nil)
		require.NotNil(t, outcome.Error)
		assert.Equal(t, int32(0), calls.Load())
	})
}

func TestExecutor_Invoke_EmptyArguments(t *testing.T) {
	tool := MustTool(ToolDefinition{
		Name:        "fetch_available_plans",
		Description: "Lists plans",
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			return []string{"basic", "pro"}, nil
		},
	})

	outcome := New(Config{}).Invoke(context.Background(), tool, transcript.ToolCall{ID: "c", ToolName: tool.Name()}, nil)

	require.Nil(t, outcome.Error)
	assert.JSONEq(t, `["basic","pro"]`, outcome.Output)
}

func TestExecutor_Invoke_HandlerError(t *testing.T) {
	tool := MustTool(ToolDefinition{
		Name:        "failing",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			return nil, errors.New("weather service unavailable")
		},
	})

	outcome := New(Config{}).Invoke(context.Background(), tool, transcript.ToolCall{ID: "c", ToolName: "failing"}, nil)

	require.NotNil(t, outcome.Error)
	assert.Equal(t, transcript.KindExecutionFailed, outcome.Error.Kind)
	assert.Equal(t, "weather service unavailable", outcome.Error.Detail)
}

func TestExecutor_Invoke_Panic(t *testing.T) {
	tool := MustTool(ToolDefinition{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			panic("boom")
		},
	})

	outcome := New(Config{}).Invoke(context.Background(), tool, transcript.ToolCall{ID: "c", ToolName: "panicky"}, nil)

	require.NotNil(t, outcome.Error)
	assert.Equal(t, transcript.KindExecutionFailed, outcome.Error.Kind)
	assert.Contains(t, outcome.Error.Detail, "boom")
}

type forecast struct {
	City string
}

func (f *forecast) String() string { return "Forecast for " + f.City }

func TestExecutor_Invoke_PanickingOutput(t *testing.T) {
	tool := MustTool(ToolDefinition{
		Name:        "forecast",
		Description: "Returns a forecast that is never filled in",
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			var f *forecast
			return f, nil
		},
	})

	outcome := New(Config{}).Invoke(context.Background(), tool, transcript.ToolCall{ID: "c", ToolName: "forecast"}, nil)

	require.NotNil(t, outcome.Error)
	assert.Equal(t, transcript.KindExecutionFailed, outcome.Error.Kind)
	assert.Contains(t, outcome.Error.Detail, "tool panicked")
}

func TestExecutor_Invoke_Timeout(t *testing.T) {
	tool := MustTool(ToolDefinition{
		Name:        "slow",
		Description: "Sleeps",
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			select {
			case <-time.After(2 * time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	outcome := New(Config{Timeout: 50 * time.Millisecond}).Invoke(context.Background(), tool, transcript.ToolCall{ID: "c", ToolName: "slow"}, nil)

	require.NotNil(t, outcome.Error)
	assert.False(t, outcome.Abandoned)
	assert.Equal(t, transcript.KindExecutionFailed, outcome.Error.Kind)
	assert.Contains(t, outcome.Error.Detail, "timeout")
}

func TestExecutor_Invoke_Cancelled(t *testing.T) {
	started := make(chan struct{})
	tool := MustTool(ToolDefinition{
		Name:        "blocking",
		Description: "Blocks until cancelled",
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	t.Run("should abandon when the caller cancels mid call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()

		outcome := New(Config{Timeout: 5 * time.Second}).Invoke(ctx, tool, transcript.ToolCall{ID: "c", ToolName: "blocking"}, nil)
		assert.True(t, outcome.Abandoned)
		assert.Nil(t, outcome.Error)
	})

	t.Run("should abandon without invoking when already cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome := New(Config{}).Invoke(ctx, echoTool(t), call("c", `{"message":"x"}`), nil)
		assert.True(t, outcome.Abandoned)
	})
}

func TestExecutor_Invoke_ForwardsRunContext(t *testing.T) {
	type user struct{ Name string }
	var seen *runctx.RunContext

	tool := MustTool(ToolDefinition{
		Name:        "whoami",
		Description: "Reads the run context",
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			seen = rc
			u, _ := runctx.Value[*user](rc)
			return u.Name, nil
		},
	})

	rc := runctx.New(&user{Name: "Ana"})
	outcome := New(Config{}).Invoke(context.Background(), tool, transcript.ToolCall{ID: "c", ToolName: "whoami"}, rc)

	assert.Equal(t, "Ana", outcome.Output)
	assert.Same(t, rc, seen)
}

func TestExecutor_RenderOutput(t *testing.T) {
	exec := New(Config{MaxOutputBytes: 16})

	t.Run("should marshal structured values as JSON", func(t *testing.T) {
		out, truncated := exec.renderOutput(map[string]int{"temp": 30})
		assert.Equal(t, `{"temp":30}`, out)
		assert.False(t, truncated)
	})

	t.Run("should truncate large output", func(t *testing.T) {
		out, truncated := exec.renderOutput(strings.Repeat("a", 100))
		assert.True(t, truncated)
		assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 16)))
		assert.True(t, strings.HasSuffix(out, "[output truncated]"))
	})

	t.Run("should not split a multi-byte rune", func(t *testing.T) {
		out, truncated := exec.renderOutput(strings.Repeat("é", 20))
		assert.True(t, truncated)
		body := strings.TrimSuffix(out, truncationMarker)
		assert.Equal(t, strings.Repeat("é", 8), body)
	})

	t.Run("should render nil as empty", func(t *testing.T) {
		out, _ := exec.renderOutput(nil)
		assert.Empty(t, out)
	})
}

func TestUnknownTool(t *testing.T) {
	outcome := UnknownTool("launch_rocket")
	require.NotNil(t, outcome.Error)
	assert.Equal(t, transcript.KindUnknownTool, outcome.Error.Kind)
	assert.Contains(t, outcome.Error.Detail, "launch_rocket")
}
