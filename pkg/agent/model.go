package agent

import (
	"context"
	"errors"

	"github.com/harun/agentloop/pkg/transcript"
)

// ErrHandoffWithToolCalls is returned by model adapters and the runner when a
// response asks for a handoff and tool calls at the same time.
var ErrHandoffWithToolCalls = errors.New("model response requested a handoff together with tool calls")

// Model is the completion backend bound to an agent.
type Model interface {
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
}

// StreamingModel is a Model that can deliver text incrementally.
type StreamingModel interface {
	Model
	Stream(ctx context.Context, req *ModelRequest) (ModelStream, error)
}

// ModelStream yields events until a Done event or an error. Close releases
// the underlying connection and must be safe to call more than once.
type ModelStream interface {
	Next() bool
	Event() StreamEvent
	Err() error
	Close() error
}

// StreamEvent is one text delta, or the terminal event carrying the full
// response when Done is set.
type StreamEvent struct {
	Delta    string
	Done     bool
	Response *ModelResponse
}

// ModelSettings tunes a completion.
type ModelSettings struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ToolDeclaration describes a callable tool to the model.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// HandoffDeclaration describes a delegation target to the model. Providers
// expose it as a parameterless tool named ToolName.
type HandoffDeclaration struct {
	ToolName    string
	AgentName   string
	Description string
}

// ModelRequest is everything a backend needs for one completion.
type ModelRequest struct {
	Agent        string
	Instructions string
	Transcript   transcript.Transcript
	Tools        []ToolDeclaration
	Handoffs     []HandoffDeclaration
	OutputSchema map[string]interface{}
	Settings     ModelSettings
}

// HandoffRequest names the agent the model wants to delegate to.
type HandoffRequest struct {
	CallID string
	Target string
}

// ModelResponse is the interpreted completion: plain text, tool calls, or a
// handoff request.
type ModelResponse struct {
	Text      string
	ToolCalls []transcript.ToolCall
	Handoff   *HandoffRequest
	Usage     Usage
	Provider  string
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Requests     int `json:"requests"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Requests += other.Requests
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

func (f ModelFunc) Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	return f(ctx, req)
}
