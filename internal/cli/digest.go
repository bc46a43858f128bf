package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/cropadvisor/internal/daemon"
	"github.com/harun/cropadvisor/pkg/cron"
	"github.com/spf13/cobra"
)

var digestForce bool

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Manage the daily digest",
}

var digestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send today's digest now",
	Long: `Send today's digest to every opted-in user with a complete profile.
A day that already completed is skipped unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runDigest,
}

func init() {
	digestRunCmd.Flags().BoolVar(&digestForce, "force", false, "send even if today's digest already completed")
	digestCmd.AddCommand(digestRunCmd)
	rootCmd.AddCommand(digestCmd)
}

func runDigest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.Telegram.Enabled {
		return fmt.Errorf("the digest is delivered over Telegram, enable telegram in the configuration")
	}
	// Run regardless of the schedule toggle.
	cfg.Digest.Enabled = true
	cfg.Server.Enabled = false

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	mode := cron.RunModeDue
	if digestForce {
		mode = cron.RunModeForce
	}
	report, runErr := d.Digest().Run(commandContext(cmd), mode)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return runErr
}
