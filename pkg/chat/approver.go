package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/pkg/runner"
)

// Approver decides interrupted tool calls on behalf of a user.
type Approver interface {
	Decide(ctx context.Context, in runner.Interruption) (runner.Decision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, in runner.Interruption) (runner.Decision, error)

func (f ApproverFunc) Decide(ctx context.Context, in runner.Interruption) (runner.Decision, error) {
	return f(ctx, in)
}

// AutoApprover approves every call.
type AutoApprover struct{}

func (AutoApprover) Decide(context.Context, runner.Interruption) (runner.Decision, error) {
	return runner.Approved, nil
}

// DenyAllApprover rejects every call.
type DenyAllApprover struct{}

func (DenyAllApprover) Decide(context.Context, runner.Interruption) (runner.Decision, error) {
	return runner.Rejected, nil
}

// CLIApprover prompts on a terminal. Anything but y or yes rejects the call.
// Pass the same *bufio.Reader that reads chat input so buffered lines are
// not lost between prompts.
type CLIApprover struct {
	reader *bufio.Reader
	writer io.Writer
}

// NewCLIApprover creates a terminal approver
func NewCLIApprover(reader io.Reader, writer io.Writer) *CLIApprover {
	br, ok := reader.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(reader)
	}
	return &CLIApprover{reader: br, writer: writer}
}

// Decide prints the pending call and waits for an answer or ctx.
func (c *CLIApprover) Decide(ctx context.Context, in runner.Interruption) (runner.Decision, error) {
	c.displayRequest(in)

	type answer struct {
		line string
		err  error
	}
	answers := make(chan answer, 1)
	go func() {
		line, err := c.reader.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		answers <- answer{line: line, err: err}
	}()

	select {
	case a := <-answers:
		if a.err == io.EOF {
			fmt.Fprintln(c.writer, "\n  No input, rejecting.")
			return runner.Rejected, nil
		}
		if a.err != nil {
			return "", fmt.Errorf("failed to read input: %w", a.err)
		}
		return c.parse(in, strings.TrimSpace(strings.ToLower(a.line))), nil

	case <-ctx.Done():
		fmt.Fprintln(c.writer, "\n  Approval cancelled.")
		return "", ctx.Err()
	}
}

func (c *CLIApprover) displayRequest(in runner.Interruption) {
	fmt.Fprintln(c.writer)
	fmt.Fprintln(c.writer, "  Approval required")
	fmt.Fprintf(c.writer, "  Agent:      %s\n", in.AgentName)
	fmt.Fprintf(c.writer, "  Tool:       %s\n", in.ToolName)
	if len(in.Arguments) > 0 {
		fmt.Fprintf(c.writer, "  Arguments:  %s\n", formatArguments(in.Arguments))
	}
	fmt.Fprint(c.writer, "  Approve this call? [y/N]: ")
}

func (c *CLIApprover) parse(in runner.Interruption, input string) runner.Decision {
	switch input {
	case "y", "yes":
		fmt.Fprintln(c.writer, "  Approved.")
		log.Info().Str("tool", in.ToolName).Str("call_id", in.CallID).Msg("Tool call approved via CLI")
		return runner.Approved
	case "n", "no", "":
		fmt.Fprintln(c.writer, "  Rejected.")
	default:
		fmt.Fprintf(c.writer, "  Invalid input %q, rejecting.\n", input)
		log.Warn().Str("tool", in.ToolName).Str("input", input).Msg("Invalid input for approval")
	}
	log.Info().Str("tool", in.ToolName).Str("call_id", in.CallID).Msg("Tool call rejected via CLI")
	return runner.Rejected
}

func formatArguments(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(data)
}
