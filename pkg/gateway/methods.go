package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/chat"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/runner"
	"github.com/harun/agentloop/pkg/session"
)

// errAwaitingDecision leaves a run paused until a client sends decisions.
var errAwaitingDecision = errors.New("awaiting approval decision")

// decisionApprover answers from decisions sent by the client and defers
// every call it has no decision for.
type decisionApprover map[string]runner.Decision

func (d decisionApprover) Decide(_ context.Context, in runner.Interruption) (runner.Decision, error) {
	if decision, ok := d[in.CallID]; ok {
		return decision, nil
	}
	return "", errAwaitingDecision
}

// Run statuses reported by agent.send and agent.resume.
const (
	StatusCompleted = "completed"
	StatusPaused    = "paused"
	StatusRefused   = "refused"
)

// RunReply is the result of agent.send and agent.resume.
type RunReply struct {
	Status  string                `json:"status"`
	Session string                `json:"session"`
	Agent   string                `json:"agent,omitempty"`
	Text    string                `json:"text,omitempty"`
	Output  any                   `json:"output,omitempty"`
	RunID   string                `json:"run_id,omitempty"`
	Pending []runner.Interruption `json:"pending,omitempty"`
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("agent.send", s.handleAgentSend)
	_ = s.RegisterMethod("agent.resume", s.handleAgentResume)
	_ = s.RegisterMethod("agent.pending", s.handleAgentPending)
	_ = s.RegisterMethod("agents.list", s.handleAgentsList)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.history", s.handleSessionsHistory)
	_ = s.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	_ = s.RegisterMethod("clients.list", func(context.Context, map[string]interface{}) (interface{}, error) {
		return s.GetConnectedClients(), nil
	})
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", invalidParams("%s parameter is required", name)
		}
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", invalidParams("%s parameter must be a string", name)
	}
	v = strings.TrimSpace(v)
	if required && v == "" {
		return "", invalidParams("%s parameter is required", name)
	}
	return v, nil
}

func sessionParam(params map[string]interface{}) (string, error) {
	key, err := stringParam(params, "session", true)
	if err != nil {
		return "", err
	}
	if err := session.ValidateKey(key); err != nil {
		return "", invalidParams("%s", err.Error())
	}
	return key, nil
}

// entryAgent returns the named agent, building it on first use.
func (s *Server) entryAgent(params map[string]interface{}) (*agent.Agent, error) {
	name, err := stringParam(params, "agent", false)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = s.defaultAgent
	}

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()

	if a, ok := s.agents[name]; ok {
		return a, nil
	}
	a, err := s.factory(s.runner, name)
	if err != nil {
		return nil, invalidParams("%s", err.Error())
	}
	s.agents[name] = a
	return a, nil
}

// openSession opens the chat session for key with approver answering
// interruptions.
func (s *Server) openSession(ctx context.Context, key string, a *agent.Agent, approver chat.Approver) (*chat.Session, error) {
	var rc *runctx.RunContext
	if s.runContext != nil {
		rc = s.runContext(key)
	}
	logger := s.logger.With().Str("session_key", key).Str("client_id", clientIDFromContext(ctx)).Logger()
	return chat.New(ctx, chat.Config{
		Runner:     s.runner,
		Agent:      a,
		Approver:   approver,
		Store:      s.store,
		Key:        key,
		RunContext: rc,
		Logger:     &logger,
	})
}

// inSession runs fn in the session's queue lane so runs of one session
// never overlap.
func (s *Server) inSession(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return s.queue.Enqueue(ctx, "session:"+key, fn, nil)
}

func (s *Server) handleAgentSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	text, err := stringParam(params, "text", true)
	if err != nil {
		return nil, err
	}
	a, err := s.entryAgent(params)
	if err != nil {
		return nil, err
	}

	return s.inSession(ctx, key, func(ctx context.Context) (interface{}, error) {
		sess, err := s.openSession(ctx, key, a, decisionApprover(nil))
		if err != nil {
			return nil, err
		}
		reply, err := sess.Send(ctx, text)
		return s.reply(key, sess, reply, err)
	})
}

func (s *Server) handleAgentResume(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	decisions, err := decisionsParam(params)
	if err != nil {
		return nil, err
	}
	a, err := s.entryAgent(params)
	if err != nil {
		return nil, err
	}

	return s.inSession(ctx, key, func(ctx context.Context) (interface{}, error) {
		sess, err := s.openSession(ctx, key, a, decisions)
		if err != nil {
			return nil, err
		}
		if len(sess.Pending()) == 0 {
			return nil, invalidParams("session %s has no paused run", key)
		}
		reply, err := sess.ResumePending(ctx)
		return s.reply(key, sess, reply, err)
	})
}

func decisionsParam(params map[string]interface{}) (decisionApprover, error) {
	raw, ok := params["decisions"].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil, invalidParams("decisions parameter is required")
	}
	out := make(decisionApprover, len(raw))
	for callID, v := range raw {
		switch v {
		case "approve", "approved", true:
			out[callID] = runner.Approved
		case "reject", "rejected", false:
			out[callID] = runner.Rejected
		default:
			return nil, invalidParams("decision for %s must be approve or reject", callID)
		}
	}
	return out, nil
}

// reply turns the outcome of a chat call into a RunReply. A run left
// waiting for decisions is a paused reply, not an error.
func (s *Server) reply(key string, sess *chat.Session, reply *chat.Reply, err error) (interface{}, error) {
	if errors.Is(err, errAwaitingDecision) {
		return RunReply{Status: StatusPaused, Session: key, Pending: sess.Pending()}, nil
	}
	if errors.Is(err, chat.ErrPendingRun) {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: err.Error(),
			Data:    map[string]interface{}{"pending": sess.Pending()},
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session_key", key).Msg("Run failed")
		return nil, errors.New(runner.UserMessage(err))
	}

	out := RunReply{
		Status:  StatusCompleted,
		Session: key,
		Agent:   reply.Agent,
		Text:    reply.Text,
		Output:  reply.Output,
	}
	if reply.Refused {
		out.Status = StatusRefused
	}
	if reply.Result != nil {
		out.RunID = reply.Result.RunID
	}
	return out, nil
}

func (s *Server) handleAgentPending(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	a, err := s.entryAgent(params)
	if err != nil {
		return nil, err
	}
	sess, err := s.openSession(ctx, key, a, nil)
	if err != nil {
		return nil, err
	}
	pending := sess.Pending()
	if pending == nil {
		pending = []runner.Interruption{}
	}
	return map[string]interface{}{"session": key, "pending": pending}, nil
}

func (s *Server) handleAgentsList(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"agents": s.agentNames, "default": s.defaultAgent}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	keys, err := s.store.List()
	if err != nil {
		return nil, err
	}
	infos := make([]session.Info, 0, len(keys))
	for _, key := range keys {
		info, err := s.store.Info(ctx, key)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return map[string]interface{}{"sessions": infos}, nil
}

func (s *Server) handleSessionsHistory(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	history, err := s.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(history))
	for _, it := range history {
		lines = append(lines, it.String())
	}
	return map[string]interface{}{"session": key, "items": history, "lines": lines}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	_, err = s.inSession(ctx, key, func(ctx context.Context) (interface{}, error) {
		return nil, s.store.Delete(ctx, key)
	})
	if errors.Is(err, session.ErrNotFound) {
		return nil, invalidParams("session %s not found", key)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": key}, nil
}
