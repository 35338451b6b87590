package transcript

import (
	"encoding/json"
	"fmt"
)

// Kind tags the payload carried by an Item.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindHandoff          Kind = "handoff"
)

// UserMessage is a turn typed by the caller.
type UserMessage struct {
	Text string `json:"text"`
}

// AssistantMessage is text produced by the model on behalf of an agent.
type AssistantMessage struct {
	Text  string `json:"text"`
	Agent string `json:"agent,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Agent     string          `json:"agent,omitempty"`
}

// ErrorKind classifies a tool failure recorded in the transcript.
type ErrorKind string

const (
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindUnknownTool      ErrorKind = "unknown_tool"
)

// ToolError is a tool-local failure. It never aborts a run.
type ToolError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// ToolResult is the observed outcome of a ToolCall.
type ToolResult struct {
	CallID   string     `json:"call_id"`
	ToolName string     `json:"tool_name"`
	Output   string     `json:"output,omitempty"`
	Error    *ToolError `json:"error,omitempty"`
	Rejected bool       `json:"rejected,omitempty"`
}

// Content renders the result the way it is shown to the model.
func (r ToolResult) Content() string {
	if r.Error != nil {
		return "Error (" + string(r.Error.Kind) + "): " + r.Error.Detail
	}
	return r.Output
}

// HandoffMarker records a transfer of control between agents.
type HandoffMarker struct {
	CallID    string `json:"call_id,omitempty"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
}

// Item is one entry of a transcript. Exactly one payload matching Kind is set.
type Item struct {
	Kind       Kind              `json:"kind"`
	User       *UserMessage      `json:"user,omitempty"`
	Assistant  *AssistantMessage `json:"assistant,omitempty"`
	ToolCall   *ToolCall         `json:"tool_call,omitempty"`
	ToolResult *ToolResult       `json:"tool_result,omitempty"`
	Handoff    *HandoffMarker    `json:"handoff,omitempty"`
}

func NewUserMessage(text string) Item {
	return Item{Kind: KindUserMessage, User: &UserMessage{Text: text}}
}

func NewAssistantMessage(agent, text string) Item {
	return Item{Kind: KindAssistantMessage, Assistant: &AssistantMessage{Text: text, Agent: agent}}
}

func NewToolCall(call ToolCall) Item {
	return Item{Kind: KindToolCall, ToolCall: &call}
}

func NewToolResult(result ToolResult) Item {
	return Item{Kind: KindToolResult, ToolResult: &result}
}

func NewHandoff(marker HandoffMarker) Item {
	return Item{Kind: KindHandoff, Handoff: &marker}
}

// Check reports whether the item carries exactly the payload its Kind names.
func (it Item) Check() error {
	set := 0
	for _, present := range []bool{it.User != nil, it.Assistant != nil, it.ToolCall != nil, it.ToolResult != nil, it.Handoff != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: kind %q carries %d payloads", ErrMalformedItem, it.Kind, set)
	}

	var ok bool
	switch it.Kind {
	case KindUserMessage:
		ok = it.User != nil
	case KindAssistantMessage:
		ok = it.Assistant != nil
	case KindToolCall:
		ok = it.ToolCall != nil && it.ToolCall.ID != "" && it.ToolCall.ToolName != ""
	case KindToolResult:
		ok = it.ToolResult != nil && it.ToolResult.CallID != ""
	case KindHandoff:
		ok = it.Handoff != nil && it.Handoff.ToAgent != ""
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedItem, it.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: incomplete %s payload", ErrMalformedItem, it.Kind)
	}
	return nil
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := Item{Kind: it.Kind}
	if it.User != nil {
		u := *it.User
		out.User = &u
	}
	if it.Assistant != nil {
		a := *it.Assistant
		out.Assistant = &a
	}
	if it.ToolCall != nil {
		c := *it.ToolCall
		c.Arguments = append(json.RawMessage(nil), it.ToolCall.Arguments...)
		out.ToolCall = &c
	}
	if it.ToolResult != nil {
		r := *it.ToolResult
		if it.ToolResult.Error != nil {
			e := *it.ToolResult.Error
			r.Error = &e
		}
		out.ToolResult = &r
	}
	if it.Handoff != nil {
		h := *it.Handoff
		out.Handoff = &h
	}
	return out
}

// String renders a single line summary, used by the CLI transcript dump.
func (it Item) String() string {
	switch it.Kind {
	case KindUserMessage:
		return "user: " + it.User.Text
	case KindAssistantMessage:
		return it.Assistant.Agent + ": " + it.Assistant.Text
	case KindToolCall:
		return fmt.Sprintf("call %s %s(%s)", it.ToolCall.ID, it.ToolCall.ToolName, string(it.ToolCall.Arguments))
	case KindToolResult:
		status := "ok"
		switch {
		case it.ToolResult.Rejected:
			status = "rejected"
		case it.ToolResult.Error != nil:
			status = "error"
		}
		return fmt.Sprintf("result %s [%s] %s", it.ToolResult.CallID, status, it.ToolResult.Content())
	case KindHandoff:
		return fmt.Sprintf("handoff %s -> %s", it.Handoff.FromAgent, it.Handoff.ToAgent)
	}
	return string(it.Kind)
}
