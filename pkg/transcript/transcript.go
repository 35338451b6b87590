package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedItem   = errors.New("malformed transcript item")
	ErrOrphanResult    = errors.New("tool result without preceding tool call")
	ErrDuplicateCallID = errors.New("duplicate tool call id")
	ErrDuplicateResult = errors.New("tool call answered more than once")
)

// Transcript is the ordered conversation log of a run.
type Transcript []Item

// Clone returns a deep copy that can be appended to without aliasing t.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	for i, it := range t {
		out[i] = it.Clone()
	}
	return out
}

// Append returns a new transcript with items added after the existing ones.
// The receiver is never modified.
func (t Transcript) Append(items ...Item) Transcript {
	out := make(Transcript, 0, len(t)+len(items))
	out = append(out, t...)
	return append(out, items...)
}

// LastUserMessage returns the newest user item.
func (t Transcript) LastUserMessage() (UserMessage, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Kind == KindUserMessage && t[i].User != nil {
			return *t[i].User, true
		}
	}
	return UserMessage{}, false
}

// LastAssistantMessage returns the newest assistant item.
func (t Transcript) LastAssistantMessage() (AssistantMessage, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Kind == KindAssistantMessage && t[i].Assistant != nil {
			return *t[i].Assistant, true
		}
	}
	return AssistantMessage{}, false
}

// ToolCalls returns the tool calls in transcript order.
func (t Transcript) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, it := range t {
		if it.Kind == KindToolCall && it.ToolCall != nil {
			calls = append(calls, *it.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results in transcript order.
func (t Transcript) ToolResults() []ToolResult {
	var results []ToolResult
	for _, it := range t {
		if it.Kind == KindToolResult && it.ToolResult != nil {
			results = append(results, *it.ToolResult)
		}
	}
	return results
}

// Validate checks item shapes and that every tool result answers exactly one
// earlier tool call.
func (t Transcript) Validate() error {
	calls := make(map[string]bool)
	answered := make(map[string]bool)

	for i, it := range t {
		if err := it.Check(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}

		switch it.Kind {
		case KindToolCall:
			id := it.ToolCall.ID
			if _, seen := calls[id]; seen {
				return fmt.Errorf("item %d: %w: %s", i, ErrDuplicateCallID, id)
			}
			calls[id] = true
		case KindToolResult:
			id := it.ToolResult.CallID
			if !calls[id] {
				return fmt.Errorf("item %d: %w: %s", i, ErrOrphanResult, id)
			}
			if answered[id] {
				return fmt.Errorf("item %d: %w: %s", i, ErrDuplicateResult, id)
			}
			answered[id] = true
		}
	}

	return nil
}

// PendingCalls returns the ids of tool calls that have no result yet, in
// request order.
func (t Transcript) PendingCalls() []string {
	answered := make(map[string]bool)
	for _, r := range t.ToolResults() {
		answered[r.CallID] = true
	}
	var pending []string
	for _, c := range t.ToolCalls() {
		if !answered[c.ID] {
			pending = append(pending, c.ID)
		}
	}
	return pending
}

// EncodeArguments renders tool arguments to the raw JSON stored on a ToolCall.
func EncodeArguments(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	return data, nil
}
