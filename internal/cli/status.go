package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and stored sessions",
	Long:  `Show where agentloop reads its configuration, which model backends are set up and the state of stored sessions.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	path := loader.GetConfigPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(out, "Config: %s (not found, using defaults)\n", path)
	} else {
		fmt.Fprintf(out, "Config: %s\n", path)
	}
	fmt.Fprintf(out, "Data directory: %s\n", cfg.DataDir)

	if len(cfg.AI.Profiles) == 0 {
		fmt.Fprintln(out, "Model backends: none (run agentloop configure)")
	} else {
		fmt.Fprintln(out, "Model backends:")
		for _, p := range cfg.AI.Profiles {
			model := p.Model
			if model == "" {
				model = "default"
			}
			fmt.Fprintf(out, "  %s (%s, model %s, priority %d)\n", p.ID, p.Provider, model, p.Priority)
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	keys, err := store.List()
	if err != nil {
		return err
	}

	var paused int
	var latest time.Time
	for _, key := range keys {
		info, err := store.Info(cmd.Context(), key)
		if err != nil {
			continue
		}
		if info.Paused {
			paused++
		}
		if info.LastModified.After(latest) {
			latest = info.LastModified
		}
	}

	fmt.Fprintf(out, "Sessions: %d (%d awaiting approval)\n", len(keys), paused)
	if !latest.IsZero() {
		fmt.Fprintf(out, "Last activity: %s ago\n", formatDuration(time.Since(latest)))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, h)
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
