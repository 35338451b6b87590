// Package agent defines agents and the model port they are bound to.
//
// Invariants:
// - An agent's tools, guardrails, model and output schema never change after New.
// - Tool names and handoff tool names are unique per agent.
// - Handoffs can be added, including cyclic ones, until the agent takes part in a run.
//
// Usage:
//
//	weather := agent.MustNew(agent.Config{
//		Name:         "weather",
//		Instructions: agent.StaticInstructions("Report the weather."),
//		Model:        model,
//		Tools:        []*toolexecutor.Tool{getWeather},
//	})
package agent
