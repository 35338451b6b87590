// Package guardrail evaluates ordered safety checks against a run's input or
// candidate output.
//
// Invariants:
// - Guardrails run sequentially in declared order and stop at the first trip.
// - A failing or panicking guardrail is treated as tripped.
//
// Usage:
//
//	noHomework := guardrail.New("math_homework", func(ctx context.Context, s guardrail.Subject, rc *runctx.RunContext) (guardrail.Verdict, error) {
//		return guardrail.Verdict{Tripped: strings.Contains(s.Text, "solve for x")}, nil
//	})
//	outcome, err := guardrail.Evaluate(ctx, []guardrail.Guardrail{noHomework}, subject, rc)
package guardrail
