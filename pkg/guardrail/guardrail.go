package guardrail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/runctx"
)

// Stage says which side of the model a guardrail protects.
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

// Subject is what a guardrail inspects: the newest user message for input
// guardrails, the candidate final answer for output guardrails.
type Subject struct {
	Stage Stage
	Agent string
	Text  string
	// Output is the decoded structured answer when the agent declares an
	// output schema, otherwise nil.
	Output any
}

// Verdict is the result of one check.
type Verdict struct {
	Tripped bool
	Detail  string
}

// Guardrail is a named check that may stop a run.
type Guardrail interface {
	Name() string
	Check(ctx context.Context, subject Subject, rc *runctx.RunContext) (Verdict, error)
}

// CheckFunc adapts a function to the Check method.
type CheckFunc func(ctx context.Context, subject Subject, rc *runctx.RunContext) (Verdict, error)

type funcGuardrail struct {
	name  string
	check CheckFunc
}

// New wraps fn as a guardrail named name.
func New(name string, fn CheckFunc) Guardrail {
	return &funcGuardrail{name: name, check: fn}
}

func (g *funcGuardrail) Name() string { return g.name }

func (g *funcGuardrail) Check(ctx context.Context, subject Subject, rc *runctx.RunContext) (Verdict, error) {
	return g.check(ctx, subject, rc)
}

// Outcome reports the first tripped guardrail, or that all passed.
type Outcome struct {
	Tripped   bool
	Guardrail string
	Detail    string
	// Evaluated counts checks that actually ran.
	Evaluated int
}

// Evaluate runs guardrails in order and stops at the first trip. A guardrail
// that returns an error counts as tripped with the error text as detail. The
// returned error is non-nil only when ctx ended.
func Evaluate(ctx context.Context, guardrails []Guardrail, subject Subject, rc *runctx.RunContext) (Outcome, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	var outcome Outcome

	for _, g := range guardrails {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		verdict, err := check(ctx, g, subject, rc)
		outcome.Evaluated++

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return outcome, ctxErr
			}
			logger.Warn().
				Err(err).
				Str("guardrail", g.Name()).
				Str("stage", string(subject.Stage)).
				Msg("Guardrail check failed, treating as tripped")
			verdict = Verdict{Tripped: true, Detail: fmt.Sprintf("guardrail check failed: %v", err)}
		}

		if verdict.Tripped {
			logger.Info().
				Str("guardrail", g.Name()).
				Str("stage", string(subject.Stage)).
				Str("detail", verdict.Detail).
				Msg("Guardrail tripped")
			observability.RecordGuardrailAudit(ctx, g.Name(), string(subject.Stage), subject.Agent, verdict.Detail)

			outcome.Tripped = true
			outcome.Guardrail = g.Name()
			outcome.Detail = verdict.Detail
			return outcome, nil
		}
	}

	return outcome, nil
}

func check(ctx context.Context, g Guardrail, subject Subject, rc *runctx.RunContext) (verdict Verdict, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "runner.guardrail",
		attribute.String("guardrail.name", g.Name()),
		attribute.String("guardrail.stage", string(subject.Stage)),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guardrail panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("guardrail.tripped", verdict.Tripped || err != nil))
		span.End()
		observability.RecordGuardrail(g.Name(), string(subject.Stage), time.Since(start), verdict.Tripped || err != nil)
	}()

	return g.Check(ctx, subject, rc)
}
