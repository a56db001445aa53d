package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhuxuwei88-bot/openclaw/internal/sessions"
)

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset conversation sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsResetCmd())
	return cmd
}

func openSessionStore(configPath string) (*sessions.SQLiteStore, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return sessions.NewSQLiteStore(cfg.Gateway.SessionDB)
}

func buildSessionsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known sessions and their directive state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore(configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			fmt.Fprintln(out, "Sessions:")
			for _, sess := range list {
				fmt.Fprintf(out, "  - %s (agent: %s, channel: %s)\n", sess.Key, sess.AgentID, sess.Channel)
				if sess.QueueMode != "" {
					fmt.Fprintf(out, "    queue mode: %s\n", sess.QueueMode)
				}
				if sess.PinnedProfile != "" {
					fmt.Fprintf(out, "    pinned profile: %s\n", sess.PinnedProfile)
				}
				if sess.Provider != "" || sess.Model != "" {
					fmt.Fprintf(out, "    model: %s/%s\n", sess.Provider, sess.Model)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildSessionsResetCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "reset [session-key]",
		Short: "Clear directive state for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore(configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session reset: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
