package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/transcript"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicModel implements agent.StreamingModel over the messages API.
type AnthropicModel struct {
	client anthropic.Client
	model  string
}

var _ agent.StreamingModel = (*AnthropicModel)(nil)

// NewAnthropic creates a new Anthropic model
func NewAnthropic(profile Profile, opts ...option.RequestOption) *AnthropicModel {
	options := []option.RequestOption{option.WithAPIKey(profile.APIKey)}
	if profile.BaseURL != "" {
		options = append(options, option.WithBaseURL(profile.BaseURL))
	}
	options = append(options, opts...)

	return &AnthropicModel{
		client: anthropic.NewClient(options...),
		model:  profile.Model,
	}
}

// Provider returns the provider name
func (m *AnthropicModel) Provider() string {
	return "anthropic"
}

func (m *AnthropicModel) params(req *agent.ModelRequest) anthropic.MessageNewParams {
	anthropicMessages := []anthropic.MessageParam{}

	// consecutive blocks of the same role are merged; tool results travel in user turns
	push := func(r anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if n := len(anthropicMessages); n > 0 && anthropicMessages[n-1].Role == r {
			anthropicMessages[n-1].Content = append(anthropicMessages[n-1].Content, blocks...)
			return
		}
		anthropicMessages = append(anthropicMessages, anthropic.MessageParam{Role: r, Content: blocks})
	}

	for _, msg := range buildMessages(req.Transcript) {
		switch msg.Role {
		case roleUser:
			push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.Content))
		case roleTool:
			push(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case roleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.ToolName))
			}
			if len(blocks) > 0 {
				push(anthropic.MessageParamRoleAssistant, blocks...)
			}
		}
	}

	model := m.model
	if model == "" {
		model = req.Settings.Model
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages,
		MaxTokens: int64(maxTokens),
	}

	system := req.Instructions
	if req.OutputSchema != nil {
		system = strings.TrimSpace(system + "\n\n" + schemaInstruction(req.OutputSchema))
	}
	if system != "" {
		reqParams.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Settings.Temperature > 0 {
		reqParams.Temperature = anthropic.Float(req.Settings.Temperature)
	}

	tools := []anthropic.ToolUnionParam{}
	for _, t := range req.Tools {
		tools = append(tools, anthropicTool(t.Name, t.Description, t.Parameters))
	}
	for _, h := range req.Handoffs {
		tools = append(tools, anthropicTool(h.ToolName, h.Description, emptyParameters()))
	}
	if len(tools) > 0 {
		reqParams.Tools = tools
	}

	return reqParams
}

func anthropicTool(name, description string, schema map[string]interface{}) anthropic.ToolUnionParam {
	toolParam := anthropic.ToolParam{
		Name:        name,
		Description: anthropic.String(description),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
		},
	}

	switch required := schema["required"].(type) {
	case []string:
		toolParam.InputSchema.Required = required
	case []interface{}:
		strSlice := make([]string, 0, len(required))
		for _, v := range required {
			if s, ok := v.(string); ok {
				strSlice = append(strSlice, s)
			}
		}
		toolParam.InputSchema.Required = strSlice
	}

	return anthropic.ToolUnionParam{OfTool: &toolParam}
}

// Complete makes a messages API call
func (m *AnthropicModel) Complete(ctx context.Context, req *agent.ModelRequest) (*agent.ModelResponse, error) {
	response, err := m.client.Messages.New(ctx, m.params(req))
	if err != nil {
		return nil, err
	}
	return m.interpret(req, response)
}

func (m *AnthropicModel) interpret(req *agent.ModelRequest, response *anthropic.Message) (*agent.ModelResponse, error) {
	var text strings.Builder
	calls := []transcript.ToolCall{}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := json.RawMessage(b.JSON.Input.Raw())
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, transcript.ToolCall{ID: b.ID, ToolName: b.Name, Arguments: args})
		}
	}

	resp, err := interpret(req, text.String(), calls)
	if err != nil {
		return nil, err
	}
	resp.Provider = "anthropic"
	resp.Usage = agent.Usage{
		InputTokens:  int(response.Usage.InputTokens),
		OutputTokens: int(response.Usage.OutputTokens),
		Requests:     1,
	}
	return resp, nil
}

// Stream starts a streamed messages API call
func (m *AnthropicModel) Stream(ctx context.Context, req *agent.ModelRequest) (agent.ModelStream, error) {
	stream := m.client.Messages.NewStreaming(ctx, m.params(req))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}
	return &anthropicStream{model: m, req: req, stream: stream}, nil
}

type anthropicStream struct {
	model   *AnthropicModel
	req     *agent.ModelRequest
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	message anthropic.Message
	event   agent.StreamEvent
	err     error
	done    bool
}

func (s *anthropicStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for s.stream.Next() {
		ev := s.stream.Current()
		if err := s.message.Accumulate(ev); err != nil {
			s.err = err
			return false
		}
		if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if td, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
				s.event = agent.StreamEvent{Delta: td.Text}
				return true
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.err = err
		return false
	}

	s.done = true
	resp, err := s.model.interpret(s.req, &s.message)
	if err != nil {
		s.err = err
		return false
	}
	s.event = agent.StreamEvent{Done: true, Response: resp}
	return true
}

func (s *anthropicStream) Event() agent.StreamEvent { return s.event }
func (s *anthropicStream) Err() error               { return s.err }
func (s *anthropicStream) Close() error             { return s.stream.Close() }
