package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentloop/pkg/session"
)

var pruneOlderThan time.Duration

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show KEY",
	Short: "Print the transcript of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Delete a conversation and its paused run",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair KEY",
	Short: "Drop unreadable lines from a conversation file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRepair,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete conversations idle for longer than --older-than",
	Long: `Delete conversations whose last message is older than --older-than.
Conversations with a run waiting for approval are kept.`,
	Args: cobra.NoArgs,
	RunE: runSessionsPrune,
}

func init() {
	sessionsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "minimum idle time")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsRepairCmd, sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionStore(cmd *cobra.Command) (*session.Store, error) {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := sessionStore(cmd)
	if err != nil {
		return err
	}
	keys, err := store.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tITEMS\tSIZE\tLAST ACTIVE\tSTATUS")
	for _, key := range keys {
		info, err := store.Info(cmd.Context(), key)
		if err != nil {
			return err
		}
		status := "idle"
		if info.Paused {
			status = "awaiting approval"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s ago\t%s\n", info.Key, info.Items, info.Size, formatDuration(time.Since(info.LastModified)), status)
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := sessionStore(cmd)
	if err != nil {
		return err
	}
	history, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("%w: %s", session.ErrNotFound, args[0])
	}

	out := cmd.OutOrStdout()
	for _, item := range history {
		fmt.Fprintln(out, item.String())
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := sessionStore(cmd)
	if err != nil {
		return err
	}
	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runSessionsRepair(cmd *cobra.Command, args []string) error {
	store, err := sessionStore(cmd)
	if err != nil {
		return err
	}
	kept, err := store.Repair(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Repaired %s, %d items kept\n", args[0], kept)
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	if pruneOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	store, err := sessionStore(cmd)
	if err != nil {
		return err
	}
	removed, err := store.Prune(cmd.Context(), pruneOlderThan)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, key := range removed {
		fmt.Fprintf(out, "Deleted %s\n", key)
	}
	fmt.Fprintf(out, "Pruned %d sessions\n", len(removed))
	return nil
}
