// Package toolexecutor compiles tool definitions and invokes them for agents.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Arguments are schema-validated before the handler runs; invalid input is never coerced.
// - Handler errors, panics and timeouts become ToolError values, never run failures.
// - An invocation whose caller context ends first is reported as Abandoned.
//
// Usage:
//
//	tool := toolexecutor.MustTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	outcome := toolexecutor.New(toolexecutor.Config{}).Invoke(ctx, tool, call, rc)
package toolexecutor
