package guardrail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/pkg/runctx"
)

type mockGuardrail struct {
	mock.Mock
	name string
}

func (m *mockGuardrail) Name() string { return m.name }

func (m *mockGuardrail) Check(ctx context.Context, subject Subject, rc *runctx.RunContext) (Verdict, error) {
	args := m.Called(ctx, subject, rc)
	return args.Get(0).(Verdict), args.Error(1)
}

func inputSubject(text string) Subject {
	return Subject{Stage: StageInput, Agent: "support", Text: text}
}

func TestEvaluate(t *testing.T) {
	t.Run("should pass when no guardrails are declared", func(t *testing.T) {
		outcome, err := Evaluate(context.Background(), nil, inputSubject("hi"), nil)
		require.NoError(t, err)
		assert.False(t, outcome.Tripped)
		assert.Equal(t, 0, outcome.Evaluated)
	})

	t.Run("should stop at the first trip", func(t *testing.T) {
		first := &mockGuardrail{name: "first"}
		second := &mockGuardrail{name: "second"}
		third := &mockGuardrail{name: "third"}

		first.On("Check", mock.Anything, mock.Anything, mock.Anything).Return(Verdict{}, nil).Once()
		second.On("Check", mock.Anything, mock.Anything, mock.Anything).Return(Verdict{Tripped: true, Detail: "homework"}, nil).Once()

		outcome, err := Evaluate(context.Background(), []Guardrail{first, second, third}, inputSubject("solve 2x=4"), nil)
		require.NoError(t, err)

		assert.True(t, outcome.Tripped)
		assert.Equal(t, "second", outcome.Guardrail)
		assert.Equal(t, "homework", outcome.Detail)
		assert.Equal(t, 2, outcome.Evaluated)

		first.AssertExpectations(t)
		second.AssertExpectations(t)
		third.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should forward subject and run context", func(t *testing.T) {
		rc := runctx.New("user-1")
		g := &mockGuardrail{name: "inspect"}
		g.On("Check", mock.Anything, inputSubject("hello"), rc).Return(Verdict{}, nil).Once()

		outcome, err := Evaluate(context.Background(), []Guardrail{g}, inputSubject("hello"), rc)
		require.NoError(t, err)
		assert.False(t, outcome.Tripped)
		g.AssertExpectations(t)
	})

	t.Run("should fail closed on guardrail errors", func(t *testing.T) {
		g := &mockGuardrail{name: "classifier"}
		g.On("Check", mock.Anything, mock.Anything, mock.Anything).Return(Verdict{}, errors.New("classifier offline")).Once()

		outcome, err := Evaluate(context.Background(), []Guardrail{g}, inputSubject("hi"), nil)
		require.NoError(t, err)
		assert.True(t, outcome.Tripped)
		assert.Equal(t, "classifier", outcome.Guardrail)
		assert.Contains(t, outcome.Detail, "classifier offline")
	})

	t.Run("should fail closed on panics", func(t *testing.T) {
		g := New("panicky", func(ctx context.Context, subject Subject, rc *runctx.RunContext) (Verdict, error) {
			panic("nil map")
		})

		outcome, err := Evaluate(context.Background(), []Guardrail{g}, inputSubject("hi"), nil)
		require.NoError(t, err)
		assert.True(t, outcome.Tripped)
		assert.Contains(t, outcome.Detail, "nil map")
	})

	t.Run("should return the context error when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		g := &mockGuardrail{name: "never"}
		_, err := Evaluate(ctx, []Guardrail{g}, inputSubject("hi"), nil)
		assert.ErrorIs(t, err, context.Canceled)
		g.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should not treat cancellation inside a check as a trip", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		g := New("slow", func(ctx context.Context, subject Subject, rc *runctx.RunContext) (Verdict, error) {
			cancel()
			return Verdict{}, ctx.Err()
		})

		outcome, err := Evaluate(ctx, []Guardrail{g}, inputSubject("hi"), nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, outcome.Tripped)
	})
}

func TestContentFilter(t *testing.T) {
	filter, err := NewContentFilter(config.ModerationConfig{
		Enabled:         true,
		BlockedKeywords: []string{"Password"},
		BlockedPatterns: []string{`\b\d{16}\b`},
	})
	require.NoError(t, err)
	assert.Equal(t, "content_filter", filter.Name())

	tests := []struct {
		name    string
		text    string
		tripped bool
	}{
		{"clean text", "What is the weather in Pune?", false},
		{"keyword any case", "my PASSWORD is hunter2", true},
		{"pattern", "card 4111111111111111 please", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := filter.Check(context.Background(), inputSubject(tt.text), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.tripped, verdict.Tripped)
		})
	}

	t.Run("should pass everything when disabled", func(t *testing.T) {
		off, err := NewContentFilter(config.ModerationConfig{BlockedKeywords: []string{"password"}})
		require.NoError(t, err)
		verdict, err := off.Check(context.Background(), inputSubject("password"), nil)
		require.NoError(t, err)
		assert.False(t, verdict.Tripped)
	})

	t.Run("should reject invalid patterns", func(t *testing.T) {
		_, err := NewContentFilter(config.ModerationConfig{Enabled: true, BlockedPatterns: []string{"("}})
		assert.Error(t, err)
	})

	t.Run("should apply updated rules", func(t *testing.T) {
		f, err := NewContentFilter(config.ModerationConfig{Enabled: true, BlockedKeywords: []string{"refund"}})
		require.NoError(t, err)

		require.NoError(t, f.Update(config.ModerationConfig{Enabled: true, BlockedKeywords: []string{"lawsuit"}}))

		verdict, err := f.Check(context.Background(), inputSubject("I want a refund"), nil)
		require.NoError(t, err)
		assert.False(t, verdict.Tripped)

		verdict, err = f.Check(context.Background(), inputSubject("expect a lawsuit"), nil)
		require.NoError(t, err)
		assert.True(t, verdict.Tripped)
	})

	t.Run("should keep the old rules when an update is invalid", func(t *testing.T) {
		f, err := NewContentFilter(config.ModerationConfig{Enabled: true, BlockedKeywords: []string{"refund"}})
		require.NoError(t, err)

		assert.Error(t, f.Update(config.ModerationConfig{Enabled: true, BlockedPatterns: []string{"("}}))

		verdict, err := f.Check(context.Background(), inputSubject("I want a refund"), nil)
		require.NoError(t, err)
		assert.True(t, verdict.Tripped)
	})
}
