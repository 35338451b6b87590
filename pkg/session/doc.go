// Package session persists chat transcripts as JSONL files, one item per
// line, next to an optional JSON snapshot of a paused run.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Writes for the same session are serialized.
// - A transcript file only grows, except through Replace and Repair.
// - At most one paused run is stored per session.
//
// Usage:
//
//	store, _ := session.New("/tmp/agentloop/sessions")
//	_ = store.Append(ctx, "support-1", transcript.NewUserMessage("hello"))
//	history, _ := store.Load(ctx, "support-1")
//	_ = history
package session
