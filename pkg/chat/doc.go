// Package chat runs multi-message conversations on top of the runner. A
// Session keeps the history, resolves approvals through an Approver and
// optionally persists everything in a session.Store, including runs that
// are still waiting for a decision.
package chat
