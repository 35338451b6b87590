// Package transcript models the ordered conversation log threaded through a run.
//
// Invariants:
// - A transcript is append-only while a run is in progress.
// - Every tool result refers to exactly one earlier tool call in the same transcript.
// - Item order is the model's conversational context and is preserved by encoding.
//
// Usage:
//
//	history := transcript.Transcript{transcript.NewUserMessage("Weather in Mumbai?")}
//	if err := history.Validate(); err != nil {
//		return err
//	}
package transcript
