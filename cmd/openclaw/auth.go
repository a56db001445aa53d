package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhuxuwei88-bot/openclaw/internal/auth"
)

// buildAuthCmd creates the "auth" command group for managing auth profiles.
func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage auth profiles",
		Long: `Manage the auth profiles the gateway rotates through on provider failures.

Profiles live in auth-profiles.json under the agent state directory and are
picked up by a running gateway without a restart.`,
	}
	cmd.AddCommand(
		buildAuthAddCmd(),
		buildAuthListCmd(),
		buildAuthRemoveCmd(),
		buildAuthOrderCmd(),
	)
	return cmd
}

func authStateDir(configPath string) (string, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Auth.StateDir != "" {
		return cfg.Auth.StateDir, nil
	}
	return cfg.Gateway.StateDir, nil
}

func buildAuthAddCmd() *cobra.Command {
	var (
		configPath string
		provider   string
		key        string
		token      string
		email      string
	)
	cmd := &cobra.Command{
		Use:   "add [profile-id]",
		Short: "Add or update an auth profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profileID := strings.TrimSpace(args[0])
			if profileID == "" {
				return fmt.Errorf("profile id is required")
			}
			if key == "" && token == "" {
				return fmt.Errorf("one of --key or --token is required")
			}

			stateDir, err := authStateDir(configPath)
			if err != nil {
				return err
			}
			store, err := auth.LoadProfileStore(stateDir)
			if err != nil {
				return err
			}

			cred := auth.Credential{Provider: provider, Email: email}
			if key != "" {
				cred.Type = auth.CredentialAPIKey
				cred.Key = key
			} else {
				cred.Type = auth.CredentialToken
				cred.Token = token
			}

			store.AddProfile(profileID, cred)
			if err := store.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile saved: %s (%s)\n", profileID, provider)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&provider, "provider", "anthropic", "Provider the profile belongs to")
	cmd.Flags().StringVar(&key, "key", "", "API key credential")
	cmd.Flags().StringVar(&token, "token", "", "Token credential")
	cmd.Flags().StringVar(&email, "email", "", "Account email (informational)")
	return cmd
}

func buildAuthListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List auth profiles and their rotation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, err := authStateDir(configPath)
			if err != nil {
				return err
			}
			store, err := auth.LoadProfileStore(stateDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			providers := store.ListProviders()
			if len(providers) == 0 {
				fmt.Fprintln(out, "No profiles configured.")
				return nil
			}
			sort.Strings(providers)

			for _, provider := range providers {
				fmt.Fprintf(out, "%s:\n", provider)
				for _, id := range store.Candidates(provider, "") {
					cred, err := store.GetProfile(id)
					if err != nil {
						continue
					}
					stats := store.GetStats(id)
					state := "ready"
					if store.InCooldown(id) {
						until := time.Unix(stats.CooldownUntil, 0)
						state = fmt.Sprintf("cooldown until %s", until.Format(time.RFC3339))
					}
					fmt.Fprintf(out, "  - %s (%s) %s\n", id, cred.Type, state)
					if stats.FailCount > 0 {
						fmt.Fprintf(out, "    consecutive failures: %d\n", stats.FailCount)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildAuthRemoveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "remove [profile-id]",
		Short: "Remove an auth profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, err := authStateDir(configPath)
			if err != nil {
				return err
			}
			store, err := auth.LoadProfileStore(stateDir)
			if err != nil {
				return err
			}
			if err := store.RemoveProfile(args[0]); err != nil {
				return err
			}
			if err := store.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile removed: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildAuthOrderCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "order [provider] [profile-id...]",
		Short: "Set the rotation order for a provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, err := authStateDir(configPath)
			if err != nil {
				return err
			}
			store, err := auth.LoadProfileStore(stateDir)
			if err != nil {
				return err
			}
			store.SetOrder(args[0], args[1:])
			if err := store.Save(); err != nil {
				return err
			}
			if len(args) == 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "Rotation order cleared for %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Rotation order set for %s: %s\n", args[0], strings.Join(args[1:], ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
