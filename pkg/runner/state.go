package runner

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/transcript"
)

const stateVersion = 1

// Decision is the caller's verdict on an interrupted tool call.
type Decision string

const (
	Approved Decision = "approved"
	Rejected Decision = "rejected"
)

// RejectionNotice is the tool output recorded for a rejected call.
const RejectionNotice = "The user rejected this tool call. It was not executed."

// Interruption is one tool call withheld pending an approve or reject decision.
type Interruption struct {
	CallID    string          `json:"call_id"`
	AgentName string          `json:"agent_name"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// openTurn is the model response whose tool calls are not all resolved.
type openTurn struct {
	Agent string                `json:"agent"`
	Text  string                `json:"text,omitempty"`
	Calls []transcript.ToolCall `json:"calls"`
}

// RunState is a paused run. It is produced by Run or Resume when a tool call
// needs approval and is consumed by Resume. Resuming the same state again
// replays recorded tool outcomes instead of executing tools twice.
type RunState struct {
	mu   sync.Mutex
	busy bool

	id        string
	root      *agent.Agent
	agents    map[string]*agent.Agent
	active    *agent.Agent
	committed transcript.Transcript
	turn      openTurn
	pending   []Interruption
	decisions map[string]Decision
	outcomes  map[string]transcript.ToolResult
	turns     int
	usage     agent.Usage
}

// ID identifies the run that produced the state.
func (s *RunState) ID() string { return s.id }

// ActiveAgent is the agent whose tool calls are pending.
func (s *RunState) ActiveAgent() *agent.Agent { return s.active }

// Turns is the number of model calls made so far.
func (s *RunState) Turns() int { return s.turns }

// Interruptions returns the pending calls in request order.
func (s *RunState) Interruptions() []Interruption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Interruption(nil), s.pending...)
}

// Approve records an approval for a pending call.
func (s *RunState) Approve(callID string) error {
	return s.decide(callID, Approved)
}

// Reject records a rejection for a pending call.
func (s *RunState) Reject(callID string) error {
	return s.decide(callID, Rejected)
}

func (s *RunState) decide(callID string, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isPending(callID) {
		return fmt.Errorf("%w: %s", ErrUnknownInterruption, callID)
	}
	s.decisions[callID] = d
	return nil
}

func (s *RunState) isPending(callID string) bool {
	for _, p := range s.pending {
		if p.CallID == callID {
			return true
		}
	}
	return false
}

// acquire marks the state busy for one Resume and returns the decisions
// merged with extra. It fails if another Resume holds the state or if any
// pending call lacks a decision.
func (s *RunState) acquire(extra map[string]Decision) (map[string]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return nil, ErrStateBusy
	}

	merged := make(map[string]Decision, len(s.decisions)+len(extra))
	for id, d := range s.decisions {
		merged[id] = d
	}
	for id, d := range extra {
		if d != Approved && d != Rejected {
			return nil, fmt.Errorf("%w: %q for %s", ErrInvalidDecision, d, id)
		}
		if !s.isPending(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownInterruption, id)
		}
		merged[id] = d
	}

	var missing []string
	for _, p := range s.pending {
		if _, ok := merged[p.CallID]; !ok {
			missing = append(missing, p.CallID)
		}
	}
	if len(missing) > 0 {
		return nil, &UnresolvedInterruptionError{Missing: missing}
	}

	s.busy = true
	return merged, nil
}

func (s *RunState) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// recordOutcome memoizes an observed tool result. Caller holds the state via acquire.
func (s *RunState) recordOutcome(result transcript.ToolResult) {
	s.mu.Lock()
	s.outcomes[result.CallID] = result
	s.mu.Unlock()
}

func (s *RunState) outcome(callID string) (transcript.ToolResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outcomes[callID]
	return r, ok
}

type stateSnapshot struct {
	Version     int                              `json:"version"`
	ID          string                           `json:"id"`
	RootAgent   string                           `json:"root_agent"`
	ActiveAgent string                           `json:"active_agent"`
	Committed   transcript.Transcript            `json:"committed"`
	Turn        openTurn                         `json:"turn"`
	Pending     []Interruption                   `json:"pending"`
	Decisions   map[string]Decision              `json:"decisions,omitempty"`
	Outcomes    map[string]transcript.ToolResult `json:"outcomes,omitempty"`
	Turns       int                              `json:"turns"`
	Usage       agent.Usage                      `json:"usage"`
}

// MarshalJSON encodes the state with agents referenced by name.
func (s *RunState) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return json.Marshal(stateSnapshot{
		Version:     stateVersion,
		ID:          s.id,
		RootAgent:   s.root.Name(),
		ActiveAgent: s.active.Name(),
		Committed:   s.committed,
		Turn:        s.turn,
		Pending:     s.pending,
		Decisions:   s.decisions,
		Outcomes:    s.outcomes,
		Turns:       s.turns,
		Usage:       s.usage,
	})
}

// RestoreState decodes a state produced by MarshalJSON and binds its agents
// by name to the handoff graph reachable from root.
func RestoreState(data []byte, root *agent.Agent) (*RunState, error) {
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode run state: %w", err)
	}
	if snap.Version != stateVersion {
		return nil, fmt.Errorf("unsupported run state version %d", snap.Version)
	}
	if root == nil {
		return nil, fmt.Errorf("root agent is required")
	}

	agents, err := indexAgents(root)
	if err != nil {
		return nil, err
	}
	if snap.RootAgent != root.Name() {
		return nil, fmt.Errorf("%w: state was produced by root agent %s, not %s", ErrUnknownAgent, snap.RootAgent, root.Name())
	}
	active, ok := agents[snap.ActiveAgent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, snap.ActiveAgent)
	}

	if err := snap.Committed.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTranscript, err)
	}
	if len(snap.Pending) == 0 {
		return nil, fmt.Errorf("run state has no pending interruptions")
	}
	for _, p := range snap.Pending {
		if !callInTurn(snap.Turn, p.CallID) {
			return nil, fmt.Errorf("pending call %s is not part of the open turn", p.CallID)
		}
	}

	if snap.Decisions == nil {
		snap.Decisions = make(map[string]Decision)
	}
	if snap.Outcomes == nil {
		snap.Outcomes = make(map[string]transcript.ToolResult)
	}

	return &RunState{
		id:        snap.ID,
		root:      root,
		agents:    agents,
		active:    active,
		committed: snap.Committed,
		turn:      snap.Turn,
		pending:   snap.Pending,
		decisions: snap.Decisions,
		outcomes:  snap.Outcomes,
		turns:     snap.Turns,
		usage:     snap.Usage,
	}, nil
}

func callInTurn(turn openTurn, callID string) bool {
	for _, c := range turn.Calls {
		if c.ID == callID {
			return true
		}
	}
	return false
}

// indexAgents maps every agent reachable from root by name and freezes the graph.
func indexAgents(root *agent.Agent) (map[string]*agent.Agent, error) {
	agents := make(map[string]*agent.Agent)
	err := root.Walk(func(a *agent.Agent) error {
		if existing, ok := agents[a.Name()]; ok && existing != a {
			return fmt.Errorf("%w: %s", ErrDuplicateAgentName, a.Name())
		}
		agents[a.Name()] = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agents, nil
}
