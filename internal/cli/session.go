package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/cropadvisor/internal/daemon"
	"github.com/harun/cropadvisor/pkg/session"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and reset stored farmer sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users with a stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store session.Store) error {
			ids, err := store.List(commandContext(cmd))
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print a user's session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store session.Store) error {
			s, err := store.Load(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		})
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <user-id>",
	Short: "Forget a user's profile and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store session.Store) error {
			if err := store.Reset(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s reset\n", args[0])
			return nil
		})
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionResetCmd)
	rootCmd.AddCommand(sessionCmd)
}

// withStore opens the configured store for the duration of fn.
func withStore(fn func(session.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := daemon.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()
	return fn(store)
}
