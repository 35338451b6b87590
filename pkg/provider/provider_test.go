package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/transcript"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(&StatusError{StatusCode: 429}))
	assert.True(t, IsRetryableError(&StatusError{StatusCode: 503}))
	assert.False(t, IsRetryableError(&StatusError{StatusCode: 400}))
	assert.False(t, IsRetryableError(&StatusError{StatusCode: 401}))
	assert.True(t, IsRetryableError(fmt.Errorf("wrapped: %w", &StatusError{StatusCode: 502})))
	assert.True(t, IsRetryableError(errors.New("read: connection reset by peer")))
	assert.True(t, IsRetryableError(errors.New("Rate limit reached")))
	assert.False(t, IsRetryableError(errors.New("invalid api key")))
}

func TestNew(t *testing.T) {
	_, err := New(Profile{ID: "p", Provider: "openai"})
	assert.Error(t, err)

	_, err = New(Profile{ID: "p", Provider: "gemini", APIKey: "k"})
	assert.Error(t, err)

	m, err := New(Profile{ID: "p", Provider: "openrouter", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", m.(*OpenAIModel).Provider())

	m, err = New(Profile{ID: "p", Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", m.(*AnthropicModel).Provider())
}

func TestBuildMessages(t *testing.T) {
	history := transcript.Transcript{
		transcript.NewUserMessage("What plans are there?"),
		transcript.NewAssistantMessage("reception", "Let me transfer you."),
		transcript.NewHandoff(transcript.HandoffMarker{CallID: "h1", FromAgent: "reception", ToAgent: "sales"}),
		transcript.NewAssistantMessage("sales", "Checking."),
		transcript.NewToolCall(transcript.ToolCall{ID: "c1", ToolName: "fetch_available_plans", Arguments: json.RawMessage("{}")}),
		transcript.NewToolCall(transcript.ToolCall{ID: "c2", ToolName: "get_weather", Arguments: json.RawMessage(`{"city":"Oslo"}`)}),
		transcript.NewToolResult(transcript.ToolResult{CallID: "c1", ToolName: "fetch_available_plans", Output: "basic, pro"}),
		transcript.NewToolResult(transcript.ToolResult{CallID: "c2", ToolName: "get_weather", Error: &transcript.ToolError{Kind: transcript.KindExecutionFailed, Detail: "down"}}),
	}

	msgs := buildMessages(history)
	require.Len(t, msgs, 6)

	assert.Equal(t, roleUser, msgs[0].Role)

	assert.Equal(t, roleAssistant, msgs[1].Role)
	assert.Equal(t, "Let me transfer you.", msgs[1].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "transfer_to_sales", msgs[1].ToolCalls[0].ToolName)

	assert.Equal(t, roleTool, msgs[2].Role)
	assert.Equal(t, "h1", msgs[2].ToolCallID)

	assert.Equal(t, "Checking.", msgs[3].Content)
	assert.Len(t, msgs[3].ToolCalls, 2)

	assert.Equal(t, roleTool, msgs[4].Role)
	assert.Equal(t, "c1", msgs[4].ToolCallID)
	assert.Equal(t, "basic, pro", msgs[4].Content)

	assert.Equal(t, roleTool, msgs[5].Role)
	assert.Equal(t, "c2", msgs[5].ToolCallID)
	assert.True(t, msgs[5].IsError)
	assert.Equal(t, "Error (execution_failed): down", msgs[5].Content)
}

func TestInterpret(t *testing.T) {
	req := &agent.ModelRequest{Handoffs: []agent.HandoffDeclaration{{ToolName: "transfer_to_sales", AgentName: "sales"}}}

	resp, err := interpret(req, "", []transcript.ToolCall{{ID: "h", ToolName: "transfer_to_sales"}})
	require.NoError(t, err)
	require.NotNil(t, resp.Handoff)
	assert.Equal(t, "sales", resp.Handoff.Target)
	assert.Equal(t, "h", resp.Handoff.CallID)
	assert.Empty(t, resp.ToolCalls)

	resp, err = interpret(req, "hi", []transcript.ToolCall{{ID: "c", ToolName: "get_weather"}})
	require.NoError(t, err)
	assert.Nil(t, resp.Handoff)
	assert.Len(t, resp.ToolCalls, 1)

	_, err = interpret(req, "", []transcript.ToolCall{{ID: "a", ToolName: "transfer_to_sales"}, {ID: "b", ToolName: "transfer_to_sales"}})
	assert.Error(t, err)
}

type countingModel struct {
	calls atomic.Int32
	errs  []error
	text  string
}

func (m *countingModel) Complete(ctx context.Context, req *agent.ModelRequest) (*agent.ModelResponse, error) {
	n := int(m.calls.Add(1)) - 1
	if n < len(m.errs) && m.errs[n] != nil {
		return nil, m.errs[n]
	}
	return &agent.ModelResponse{Text: m.text}, nil
}

func TestFailover(t *testing.T) {
	cfg := FailoverConfig{MaxRetries: 3, RetryDelay: time.Millisecond, Cooldown: time.Minute}
	unavailable := &StatusError{StatusCode: 503, Message: "unavailable"}

	t.Run("should retry transient errors on the same backend", func(t *testing.T) {
		primary := &countingModel{errs: []error{unavailable, unavailable}, text: "primary"}
		secondary := &countingModel{text: "secondary"}
		f, err := NewFailover(cfg,
			Candidate{ID: "b", Priority: 2, Model: secondary},
			Candidate{ID: "a", Priority: 1, Model: primary},
		)
		require.NoError(t, err)

		resp, err := f.Complete(context.Background(), &agent.ModelRequest{})
		require.NoError(t, err)
		assert.Equal(t, "primary", resp.Text)
		assert.EqualValues(t, 3, primary.calls.Load())
		assert.EqualValues(t, 0, secondary.calls.Load())
	})

	t.Run("should fail over and cool down an exhausted backend", func(t *testing.T) {
		primary := &countingModel{errs: []error{unavailable, unavailable, unavailable}, text: "primary"}
		secondary := &countingModel{text: "secondary"}
		f, err := NewFailover(cfg,
			Candidate{ID: "a", Priority: 1, Model: primary},
			Candidate{ID: "b", Priority: 2, Model: secondary},
		)
		require.NoError(t, err)

		resp, err := f.Complete(context.Background(), &agent.ModelRequest{})
		require.NoError(t, err)
		assert.Equal(t, "secondary", resp.Text)

		resp, err = f.Complete(context.Background(), &agent.ModelRequest{})
		require.NoError(t, err)
		assert.Equal(t, "secondary", resp.Text)
		assert.EqualValues(t, 3, primary.calls.Load())

		f.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		resp, err = f.Complete(context.Background(), &agent.ModelRequest{})
		require.NoError(t, err)
		assert.Equal(t, "primary", resp.Text)
	})

	t.Run("should stop on permanent errors", func(t *testing.T) {
		denied := &StatusError{StatusCode: 401, Message: "bad key"}
		primary := &countingModel{errs: []error{denied}}
		secondary := &countingModel{text: "secondary"}
		f, err := NewFailover(cfg,
			Candidate{ID: "a", Priority: 1, Model: primary},
			Candidate{ID: "b", Priority: 2, Model: secondary},
		)
		require.NoError(t, err)

		_, err = f.Complete(context.Background(), &agent.ModelRequest{})
		assert.ErrorIs(t, err, denied)
		assert.EqualValues(t, 1, primary.calls.Load())
		assert.EqualValues(t, 0, secondary.calls.Load())
	})

	t.Run("should report when every backend is cooling down", func(t *testing.T) {
		primary := &countingModel{errs: []error{unavailable, unavailable, unavailable}}
		f, err := NewFailover(cfg, Candidate{ID: "a", Model: primary})
		require.NoError(t, err)

		_, err = f.Complete(context.Background(), &agent.ModelRequest{})
		assert.ErrorIs(t, err, unavailable)

		_, err = f.Complete(context.Background(), &agent.ModelRequest{})
		assert.ErrorIs(t, err, ErrNoCandidates)
	})

	t.Run("should stream from backends without streaming support", func(t *testing.T) {
		f, err := NewFailover(cfg, Candidate{ID: "a", Model: &countingModel{text: "whole"}})
		require.NoError(t, err)

		stream, err := f.Stream(context.Background(), &agent.ModelRequest{})
		require.NoError(t, err)
		defer stream.Close()

		require.True(t, stream.Next())
		assert.Equal(t, "whole", stream.Event().Delta)
		require.True(t, stream.Next())
		assert.True(t, stream.Event().Done)
		assert.Equal(t, "whole", stream.Event().Response.Text)
		assert.False(t, stream.Next())
	})

	t.Run("should reject an empty candidate list", func(t *testing.T) {
		_, err := NewFailover(cfg)
		assert.Error(t, err)
	})
}

func openAIServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]interface{})) *OpenAIModel {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &body))
		handler(w, body)
	}))
	t.Cleanup(server.Close)

	return NewOpenAI(Profile{APIKey: "test", BaseURL: server.URL, Model: "gpt-test"}, option.WithMaxRetries(0))
}

func TestOpenAIComplete(t *testing.T) {
	var sent map[string]interface{}
	m := openAIServer(t, func(w http.ResponseWriter, body map[string]interface{}) {
		sent = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-test",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]
				}
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	})

	req := &agent.ModelRequest{
		Instructions: "Be brief.",
		Transcript:   transcript.Transcript{transcript.NewUserMessage("Weather in Paris?")},
		Tools: []agent.ToolDeclaration{{
			Name:        "get_weather",
			Description: "Weather",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}}},
		}},
		Handoffs: []agent.HandoffDeclaration{{ToolName: "transfer_to_sales", AgentName: "sales", Description: "Sales"}},
	}

	resp, err := m.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].ToolName)
	assert.JSONEq(t, `{"city":"Paris"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, agent.Usage{InputTokens: 10, OutputTokens: 5, Requests: 1}, resp.Usage)
	assert.Equal(t, "openai", resp.Provider)

	assert.Equal(t, "gpt-test", sent["model"])
	tools, ok := sent["tools"].([]interface{})
	require.True(t, ok)
	assert.Len(t, tools, 2)
	messages, ok := sent["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestOpenAIStream(t *testing.T) {
	m := openAIServer(t, func(w http.ResponseWriter, body map[string]interface{}) {
		assert.Equal(t, true, body["stream"])
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := m.Stream(context.Background(), &agent.ModelRequest{Transcript: transcript.Transcript{transcript.NewUserMessage("Hi")}})
	require.NoError(t, err)
	defer stream.Close()

	var deltas []string
	var final *agent.ModelResponse
	for stream.Next() {
		ev := stream.Event()
		if ev.Done {
			final = ev.Response
			continue
		}
		deltas = append(deltas, ev.Delta)
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	require.NotNil(t, final)
	assert.Equal(t, "Hello", final.Text)
}

func TestAnthropicComplete(t *testing.T) {
	var sent map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &sent)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "Transferring you."},
				{"type": "tool_use", "id": "toolu_1", "name": "transfer_to_sales", "input": {}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 3}
		}`)
	}))
	defer server.Close()

	m := NewAnthropic(Profile{APIKey: "test", BaseURL: server.URL, Model: "claude-test"}, anthropicoption.WithMaxRetries(0))
	req := &agent.ModelRequest{
		Instructions: "Route the user.",
		Transcript:   transcript.Transcript{transcript.NewUserMessage("I want to buy")},
		Handoffs:     []agent.HandoffDeclaration{{ToolName: "transfer_to_sales", AgentName: "sales", Description: "Sales"}},
		OutputSchema: nil,
	}

	resp, err := m.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Transferring you.", resp.Text)
	require.NotNil(t, resp.Handoff)
	assert.Equal(t, "sales", resp.Handoff.Target)
	assert.Equal(t, "toolu_1", resp.Handoff.CallID)
	assert.Equal(t, agent.Usage{InputTokens: 12, OutputTokens: 3, Requests: 1}, resp.Usage)

	assert.Equal(t, "claude-test", sent["model"])
	assert.EqualValues(t, defaultAnthropicMaxTokens, sent["max_tokens"])
}
