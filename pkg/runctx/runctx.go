// Package runctx holds the caller value threaded through instructions, tools
// and guardrails of a run. The runtime forwards it by pointer and never reads it.
package runctx

// RunContext wraps an opaque caller value for the lifetime of one run or one
// chain of resumed runs.
type RunContext struct {
	Value any
}

// New wraps v.
func New(v any) *RunContext {
	return &RunContext{Value: v}
}

// Value returns the wrapped value as T.
func Value[T any](rc *RunContext) (T, bool) {
	var zero T
	if rc == nil || rc.Value == nil {
		return zero, false
	}
	v, ok := rc.Value.(T)
	return v, ok
}
