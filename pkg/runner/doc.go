// Package runner drives agents through the run loop: model call, tool
// execution, handoff and final answer, repeated until the run completes,
// pauses for approval or is stopped by a guardrail.
//
// Invariants:
// - Every tool result in a returned history answers an earlier tool call.
// - A tool that needs approval never runs before an Approved decision.
// - Resuming a RunState twice with the same decisions executes each tool once.
// - Model calls are bounded by Config.MaxTurns across resumes and handoffs.
//
// Usage:
//
//	r, _ := runner.New(runner.Config{})
//	result, err := r.Run(ctx, support, transcript.Transcript{transcript.NewUserMessage("Email Ana the report")}, nil)
//	if err == nil && result.Paused() {
//		for _, in := range result.Interruptions {
//			_ = result.State.Approve(in.CallID)
//		}
//		result, err = r.Resume(ctx, result.State, nil, nil)
//	}
package runner
