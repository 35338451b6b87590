package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/pkg/runner"
)

const (
	DefaultTimeout = 10 * time.Second
	// DefaultQueueSize bounds events waiting for the hook worker.
	DefaultQueueSize = 64
)

// Hook runs a shell script when a run lifecycle event fires.
type Hook struct {
	ID      string
	Event   runner.EventKind
	Script  string
	Timeout time.Duration
}

// Config configures a hook Manager.
type Config struct {
	Hooks     []Hook
	QueueSize int
	Logger    *zerolog.Logger
}

// Manager executes configured hooks for run lifecycle events. It implements
// runner.Hooks: OnEvent queues the scripts for a background worker, which
// runs them one at a time in event order.
type Manager struct {
	logger zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[runner.EventKind][]Hook
	closed       bool

	queue chan job
	wg    sync.WaitGroup
}

type job struct {
	ctx   context.Context
	event runner.EventKind
	runID string
	data  map[string]interface{}
}

var _ runner.Hooks = (*Manager)(nil)

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	manager := &Manager{
		logger:       logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[runner.EventKind][]Hook),
		queue:        make(chan job, queueSize),
	}

	for _, hook := range cfg.Hooks {
		event := runner.EventKind(strings.TrimSpace(string(hook.Event)))
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if !knownEvent(event) {
			return nil, fmt.Errorf("unknown hook event %q", event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = DefaultTimeout
		}
		hook.Event = event
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	manager.wg.Add(1)
	go manager.work()

	return manager, nil
}

func (m *Manager) work() {
	defer m.wg.Done()
	for j := range m.queue {
		if err := m.Trigger(j.ctx, j.event, j.data); err != nil {
			m.logger.Warn().Err(err).Str("event", string(j.event)).Str("run_id", j.runID).Msg("Hook failed")
		}
	}
}

func knownEvent(event runner.EventKind) bool {
	for _, k := range runner.EventKinds {
		if k == event {
			return true
		}
	}
	return false
}

// Len reports how many hooks are registered.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hooks := range m.hooksByEvent {
		n += len(hooks)
	}
	return n
}

// OnEvent queues the hooks for ev and returns without waiting for them.
// Scripts outlive the run's cancellation but keep its values. When the queue
// is full the event is dropped and logged. Failures never reach the run.
func (m *Manager) OnEvent(ctx context.Context, ev runner.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed || len(m.hooksByEvent[ev.Kind]) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	j := job{ctx: context.WithoutCancel(ctx), event: ev.Kind, runID: ev.RunID, data: eventData(ev)}
	select {
	case m.queue <- j:
	default:
		m.logger.Warn().Str("event", string(ev.Kind)).Str("run_id", ev.RunID).Msg("Hook queue full, dropping event")
	}
}

// Close stops accepting events and waits for queued hooks to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func eventData(ev runner.Event) map[string]interface{} {
	data := map[string]interface{}{}
	for k, v := range map[string]string{
		"run_id":    ev.RunID,
		"agent":     ev.Agent,
		"tool":      ev.Tool,
		"call_id":   ev.CallID,
		"target":    ev.Target,
		"guardrail": ev.Guardrail,
		"status":    ev.Status,
		"detail":    ev.Detail,
	} {
		if v != "" {
			data[k] = v
		}
	}
	return data
}

// Trigger executes hooks registered for an event.
func (m *Manager) Trigger(ctx context.Context, event runner.EventKind, data map[string]interface{}) error {
	if m == nil {
		return nil
	}
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, hook Hook, data map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = string(hook.Event)
	}

	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(string(hook.Event), data)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	if outputText != "" {
		m.logger.Debug().
			Str("event", string(hook.Event)).
			Str("hook_id", hookID).
			Str("output", outputText).
			Msg("Hook executed")
	}

	return nil
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "AGENTLOOP_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "AGENTLOOP_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
