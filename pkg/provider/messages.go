package provider

import (
	"encoding/json"
	"fmt"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/transcript"
)

type role string

const (
	roleUser      role = "user"
	roleAssistant role = "assistant"
	roleTool      role = "tool"
)

// message is the provider-neutral shape of a chat message.
type message struct {
	Role       role
	Content    string
	ToolCalls  []transcript.ToolCall
	ToolCallID string
	IsError    bool
}

// buildMessages folds a transcript into chat messages. Assistant text and the
// tool calls that follow it share one message. A handoff marker becomes a
// call to its transfer tool answered by a tool message.
func buildMessages(t transcript.Transcript) []message {
	var out []message

	assistant := func() *message {
		if n := len(out); n > 0 && out[n-1].Role == roleAssistant {
			return &out[n-1]
		}
		out = append(out, message{Role: roleAssistant})
		return &out[len(out)-1]
	}

	for _, it := range t {
		switch it.Kind {
		case transcript.KindUserMessage:
			out = append(out, message{Role: roleUser, Content: it.User.Text})

		case transcript.KindAssistantMessage:
			out = append(out, message{Role: roleAssistant, Content: it.Assistant.Text})

		case transcript.KindToolCall:
			m := assistant()
			m.ToolCalls = append(m.ToolCalls, *it.ToolCall)

		case transcript.KindToolResult:
			r := it.ToolResult
			out = append(out, message{
				Role:       roleTool,
				Content:    r.Content(),
				ToolCallID: r.CallID,
				IsError:    r.Error != nil,
			})

		case transcript.KindHandoff:
			h := it.Handoff
			m := assistant()
			m.ToolCalls = append(m.ToolCalls, transcript.ToolCall{
				ID:        h.CallID,
				ToolName:  agent.HandoffToolName(h.ToAgent),
				Arguments: json.RawMessage("{}"),
			})
			out = append(out, message{
				Role:       roleTool,
				Content:    fmt.Sprintf(`{"assistant": %q}`, h.ToAgent),
				ToolCallID: h.CallID,
			})
		}
	}

	return out
}

// interpret splits model tool calls into regular calls and a handoff.
func interpret(req *agent.ModelRequest, text string, calls []transcript.ToolCall) (*agent.ModelResponse, error) {
	resp := &agent.ModelResponse{Text: text}
	for _, c := range calls {
		if target, ok := handoffTarget(req, c.ToolName); ok {
			if resp.Handoff != nil {
				return nil, fmt.Errorf("model requested more than one handoff")
			}
			resp.Handoff = &agent.HandoffRequest{CallID: c.ID, Target: target}
			continue
		}
		resp.ToolCalls = append(resp.ToolCalls, c)
	}
	return resp, nil
}

func handoffTarget(req *agent.ModelRequest, toolName string) (string, bool) {
	for _, h := range req.Handoffs {
		if h.ToolName == toolName {
			return h.AgentName, true
		}
	}
	return "", false
}

func emptyParameters() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{},
		"additionalProperties": false,
	}
}

func schemaInstruction(schema map[string]interface{}) string {
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return "Respond only with a JSON value that satisfies this JSON schema, without any other text:\n" + string(data)
}
