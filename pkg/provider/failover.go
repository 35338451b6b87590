package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultCooldown   = time.Minute
)

// ErrNoCandidates is returned when every backend is cooling down.
var ErrNoCandidates = errors.New("no model backend available")

// Candidate is one backend tried by Failover.
type Candidate struct {
	ID       string
	Provider string
	Priority int
	Model    agent.Model
}

type candidateState struct {
	Candidate
	failures      int
	cooldownUntil time.Time
}

// FailoverConfig tunes retries and cooldowns.
type FailoverConfig struct {
	MaxRetries int
	// RetryDelay doubles after each failed attempt.
	RetryDelay time.Duration
	// Cooldown is multiplied by the consecutive failure count of a backend.
	Cooldown time.Duration
	Logger   *zerolog.Logger
}

// Failover tries backends in priority order, retrying transient errors with
// exponential backoff and cooling down backends that keep failing.
type Failover struct {
	mu         sync.Mutex
	candidates []*candidateState
	maxRetries int
	retryDelay time.Duration
	cooldown   time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

var _ agent.StreamingModel = (*Failover)(nil)

// NewFailover creates a failover model over candidates
func NewFailover(cfg FailoverConfig, candidates ...Candidate) (*Failover, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("at least one candidate is required")
	}

	f := &Failover{
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		cooldown:   cfg.Cooldown,
		logger:     log.Logger,
		now:        time.Now,
	}
	if f.maxRetries <= 0 {
		f.maxRetries = DefaultMaxRetries
	}
	if f.retryDelay <= 0 {
		f.retryDelay = DefaultRetryDelay
	}
	if f.cooldown <= 0 {
		f.cooldown = DefaultCooldown
	}
	if cfg.Logger != nil {
		f.logger = *cfg.Logger
	}

	for _, c := range candidates {
		if c.Model == nil {
			return nil, fmt.Errorf("candidate %s has no model", c.ID)
		}
		f.candidates = append(f.candidates, &candidateState{Candidate: c})
	}
	sort.SliceStable(f.candidates, func(i, j int) bool {
		return f.candidates[i].Priority < f.candidates[j].Priority
	})

	return f, nil
}

// FromProfiles builds a failover model with one backend per profile.
func FromProfiles(cfg FailoverConfig, profiles ...Profile) (*Failover, error) {
	candidates := make([]Candidate, 0, len(profiles))
	for _, p := range profiles {
		m, err := New(p)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{ID: p.ID, Provider: p.Provider, Priority: p.Priority, Model: m})
	}
	return NewFailover(cfg, candidates...)
}

// available returns the candidates not cooling down, in priority order.
func (f *Failover) available() []*candidateState {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var out []*candidateState
	for _, c := range f.candidates {
		if now.Before(c.cooldownUntil) {
			observability.SetProviderCooldown(c.Provider, true)
			continue
		}
		observability.SetProviderCooldown(c.Provider, false)
		out = append(out, c)
	}
	return out
}

func (f *Failover) markSuccess(c *candidateState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.failures = 0
	c.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(c.Provider, false)
}

func (f *Failover) markFailure(c *candidateState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.failures++
	c.cooldownUntil = f.now().Add(f.cooldown * time.Duration(c.failures))
	observability.SetProviderCooldown(c.Provider, true)
}

// Complete tries each available backend in turn
func (f *Failover) Complete(ctx context.Context, req *agent.ModelRequest) (*agent.ModelResponse, error) {
	var resp *agent.ModelResponse
	err := f.each(ctx, func(ctx context.Context, m agent.Model) error {
		var err error
		resp, err = m.Complete(ctx, req)
		return err
	})
	return resp, err
}

// Stream opens a stream on the first backend that accepts the request.
// Failures after the stream is open are not retried.
func (f *Failover) Stream(ctx context.Context, req *agent.ModelRequest) (agent.ModelStream, error) {
	var stream agent.ModelStream
	err := f.each(ctx, func(ctx context.Context, m agent.Model) error {
		sm, ok := m.(agent.StreamingModel)
		if !ok {
			resp, err := m.Complete(ctx, req)
			if err != nil {
				return err
			}
			stream = singleResponse(resp)
			return nil
		}
		var err error
		stream, err = sm.Stream(ctx, req)
		return err
	})
	return stream, err
}

func (f *Failover) each(ctx context.Context, call func(context.Context, agent.Model) error) error {
	logger := tracing.LoggerFromContext(ctx, f.logger)
	candidates := f.available()
	if len(candidates) == 0 {
		return ErrNoCandidates
	}

	var lastErr error
	for _, c := range candidates {
		logger.Debug().Str("profile", c.ID).Msg("Trying model backend")

		err := f.withRetry(ctx, logger, func() error { return call(ctx, c.Model) })
		if err == nil {
			f.markSuccess(c)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		lastErr = err
		f.markFailure(c)
		logger.Warn().Str("profile", c.ID).Err(err).Msg("Model backend failed")

		if !IsRetryableError(err) {
			return err
		}
	}

	logger.Error().Err(lastErr).Msg("All model backends failed")
	return fmt.Errorf("all model backends failed: %w", lastErr)
}

// withRetry repeats fn on retryable errors with exponential backoff.
func (f *Failover) withRetry(ctx context.Context, logger zerolog.Logger, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}
		if attempt == f.maxRetries-1 {
			break
		}

		delay := f.retryDelay * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", f.maxRetries, lastErr)
}

// singleResponse wraps a complete response as a stream of at most one delta.
func singleResponse(resp *agent.ModelResponse) agent.ModelStream {
	s := &responseStream{}
	if resp.Text != "" {
		s.events = append(s.events, agent.StreamEvent{Delta: resp.Text})
	}
	s.events = append(s.events, agent.StreamEvent{Done: true, Response: resp})
	return s
}

type responseStream struct {
	events []agent.StreamEvent
	pos    int
}

func (s *responseStream) Next() bool {
	if s.pos >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *responseStream) Event() agent.StreamEvent { return s.events[s.pos-1] }
func (s *responseStream) Err() error               { return nil }
func (s *responseStream) Close() error             { return nil }
