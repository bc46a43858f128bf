package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/cropadvisor/internal/daemon"
	"github.com/harun/cropadvisor/pkg/cron"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Long:  `Show whether the advisor service is running and the outcome of the last daily digest.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	if !daemon.IsRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		pid, err := daemon.ReadPID(pidFile)
		if err != nil {
			return fmt.Errorf("failed to read PID file: %w", err)
		}
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		// The PID file is written at startup.
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	}

	state, err := readDigestState(cfg.Digest.StatePath)
	if err != nil {
		return err
	}
	printDigestState(out, state)
	return nil
}

// readDigestState returns nil when no digest has run yet.
func readDigestState(path string) (*cron.RunState, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read digest state: %w", err)
	}
	var state cron.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse digest state: %w", err)
	}
	return &state, nil
}

func printDigestState(out io.Writer, state *cron.RunState) {
	if state == nil || state.LastRunDate == "" {
		fmt.Fprintln(out, "Digest: never run")
		return
	}
	fmt.Fprintf(out, "Digest: %s on %s (%s)\n", state.LastStatus, state.LastRunDate, formatDuration(state.LastDuration))
	if state.LastError != "" {
		fmt.Fprintf(out, "Digest error: %s\n", state.LastError)
	}
	if state.NextRunAt != nil {
		fmt.Fprintf(out, "Next digest: %s\n", state.NextRunAt.Format(time.RFC3339))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
