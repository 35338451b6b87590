package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/transcript"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIModel implements agent.StreamingModel over the chat completions API.
// OpenRouter and other compatible endpoints work through Profile.BaseURL.
type OpenAIModel struct {
	client openai.Client
	name   string
	model  string
}

var _ agent.StreamingModel = (*OpenAIModel)(nil)

// NewOpenAI creates an OpenAI-compatible model
func NewOpenAI(profile Profile, opts ...option.RequestOption) *OpenAIModel {
	options := []option.RequestOption{option.WithAPIKey(profile.APIKey)}
	if profile.BaseURL != "" {
		options = append(options, option.WithBaseURL(profile.BaseURL))
	}
	options = append(options, opts...)

	return &OpenAIModel{
		client: openai.NewClient(options...),
		name:   "openai",
		model:  profile.Model,
	}
}

// Provider returns the provider name
func (m *OpenAIModel) Provider() string {
	return m.name
}

func (m *OpenAIModel) params(req *agent.ModelRequest) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, msg := range buildMessages(req.Transcript) {
		switch msg.Role {
		case roleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case roleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.ToolName,
						Arguments: string(tc.Arguments),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case roleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	model := m.model
	if model == "" {
		model = req.Settings.Model
	}
	if model == "" {
		model = defaultOpenAIModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Settings.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Settings.MaxTokens))
	}
	if req.Settings.Temperature > 0 {
		params.Temperature = openai.Float(req.Settings.Temperature)
	}

	tools := []openai.ChatCompletionToolParam{}
	for _, t := range req.Tools {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}
	for _, h := range req.Handoffs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        h.ToolName,
				Description: openai.String(h.Description),
				Parameters:  openai.FunctionParameters(emptyParameters()),
			},
		})
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	if req.OutputSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "final_output",
					Schema: req.OutputSchema,
				},
			},
		}
	}

	return params, nil
}

// Complete makes a chat completion call
func (m *OpenAIModel) Complete(ctx context.Context, req *agent.ModelRequest) (*agent.ModelResponse, error) {
	params, err := m.params(req)
	if err != nil {
		return nil, err
	}

	response, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	return m.interpret(req, response.Choices[0].Message, response.Usage)
}

func (m *OpenAIModel) interpret(req *agent.ModelRequest, msg openai.ChatCompletionMessage, usage openai.CompletionUsage) (*agent.ModelResponse, error) {
	calls := make([]transcript.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, transcript.ToolCall{ID: tc.ID, ToolName: tc.Function.Name, Arguments: args})
	}

	resp, err := interpret(req, msg.Content, calls)
	if err != nil {
		return nil, err
	}
	resp.Provider = m.name
	resp.Usage = agent.Usage{
		InputTokens:  int(usage.PromptTokens),
		OutputTokens: int(usage.CompletionTokens),
		Requests:     1,
	}
	return resp, nil
}

// Stream starts a streamed chat completion
func (m *OpenAIModel) Stream(ctx context.Context, req *agent.ModelRequest) (agent.ModelStream, error) {
	params, err := m.params(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}
	return &openAIStream{model: m, req: req, stream: stream}, nil
}

type openAIStream struct {
	model  *OpenAIModel
	req    *agent.ModelRequest
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	acc    openai.ChatCompletionAccumulator
	event  agent.StreamEvent
	err    error
	done   bool
}

func (s *openAIStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for s.stream.Next() {
		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			s.event = agent.StreamEvent{Delta: chunk.Choices[0].Delta.Content}
			return true
		}
	}
	if err := s.stream.Err(); err != nil {
		s.err = err
		return false
	}

	s.done = true
	if len(s.acc.Choices) == 0 {
		s.err = fmt.Errorf("no response choices returned")
		return false
	}
	resp, err := s.model.interpret(s.req, s.acc.Choices[0].Message, s.acc.Usage)
	if err != nil {
		s.err = err
		return false
	}
	s.event = agent.StreamEvent{Done: true, Response: resp}
	return true
}

func (s *openAIStream) Event() agent.StreamEvent { return s.event }
func (s *openAIStream) Err() error               { return s.err }
func (s *openAIStream) Close() error             { return s.stream.Close() }
