package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harun/agentloop/internal/demo"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/runner"
)

var agentsYAML bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Describe the bundled agents",
	Long: `Describe every bundled agent graph: the agents reachable through
handoffs, their tools, which tools need approval and their guardrails.`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsYAML, "yaml", false, "print the catalog as YAML")
	rootCmd.AddCommand(agentsCmd)
}

// offlineModel stands in for a backend when agents are only described.
type offlineModel struct{}

func (offlineModel) Complete(context.Context, *agent.ModelRequest) (*agent.ModelResponse, error) {
	return nil, fmt.Errorf("no model backend in describe mode")
}

func runAgents(cmd *cobra.Command, args []string) error {
	r, err := runner.New(runner.Config{})
	if err != nil {
		return err
	}
	catalog, err := demo.Describe(demo.Deps{Runner: r, Model: offlineModel{}})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if agentsYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(catalog); err != nil {
			return fmt.Errorf("failed to encode catalog: %w", err)
		}
		return enc.Close()
	}

	for _, name := range demo.Names {
		fmt.Fprintf(out, "%s\n", name)
		for _, info := range catalog[name] {
			fmt.Fprintf(out, "  %s\n", info.Name)
			if info.Description != "" {
				fmt.Fprintf(out, "    description: %s\n", info.Description)
			}
			printList(out, "tools", info.Tools)
			printList(out, "needs approval", info.ApprovalTools)
			printList(out, "handoffs", info.Handoffs)
			printList(out, "input guardrails", info.InputGuardrails)
			printList(out, "output guardrails", info.OutputGuardrails)
			if info.OutputSchema {
				fmt.Fprintln(out, "    structured output: yes")
			}
		}
	}
	return nil
}

func printList(out io.Writer, label string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(out, "    %s: %s\n", label, strings.Join(values, ", "))
}
