package runner

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/transcript"
)

// StreamedRun is a run in progress whose text deltas can be consumed while
// it executes. Deltas are buffered, so a slow or absent consumer never stalls
// the run.
type StreamedRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	notify chan struct{}

	mu       sync.Mutex
	queue    []string
	closed   bool
	consumed bool

	result *RunResult
	err    error
}

// RunStreaming starts a run in the background and forwards the text deltas
// of the final answer to TextStream. Concatenated, they equal the text of
// the final AssistantMessage.
func (r *Runner) RunStreaming(ctx context.Context, a *agent.Agent, input transcript.Transcript, rc *runctx.RunContext) (*StreamedRun, error) {
	if a == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTranscript, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newStreamedRun(cancel)
	go func() {
		result, err := r.run(ctx, a, input, rc, s.push)
		s.finish(result, err)
	}()
	return s, nil
}

// ResumeStreaming is Resume with streamed text deltas. Decision errors are
// reported by Wait.
func (r *Runner) ResumeStreaming(ctx context.Context, state *RunState, decisions map[string]Decision, rc *runctx.RunContext) (*StreamedRun, error) {
	if state == nil {
		return nil, fmt.Errorf("run state is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newStreamedRun(cancel)
	go func() {
		result, err := r.resume(ctx, state, decisions, rc, s.push)
		s.finish(result, err)
	}()
	return s, nil
}

func newStreamedRun(cancel context.CancelFunc) *StreamedRun {
	return &StreamedRun{
		cancel: cancel,
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (s *StreamedRun) push(chunk string) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, chunk)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *StreamedRun) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *StreamedRun) finish(result *RunResult, err error) {
	s.mu.Lock()
	s.result = result
	s.err = err
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	s.wake()
}

// TextStream yields text deltas in order until the run ends. It can be
// ranged over once; later calls yield nothing. Stopping the iteration early
// cancels the run.
func (s *StreamedRun) TextStream() iter.Seq[string] {
	return func(yield func(string) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			return
		}
		s.consumed = true
		s.mu.Unlock()

		for {
			s.mu.Lock()
			if len(s.queue) > 0 {
				chunk := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()
				if !yield(chunk) {
					s.Cancel()
					return
				}
				continue
			}
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.notify
		}
	}
}

// Cancel stops the run. Wait then reports the context error.
func (s *StreamedRun) Cancel() {
	s.cancel()
}

// Done is closed when the run has ended.
func (s *StreamedRun) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the run ends and returns its result.
func (s *StreamedRun) Wait() (*RunResult, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}
