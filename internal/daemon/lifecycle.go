package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned when a live process owns the PID file.
var ErrAlreadyRunning = errors.New("daemon already running")

// LifecycleManager owns the PID file of a running daemon
type LifecycleManager struct {
	daemon  *Daemon
	pidFile string
	pid     int
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		daemon:  d,
		pidFile: PIDFilePath(d.config.DataDir),
		pid:     os.Getpid(),
	}
}

// Start claims the PID file. A file left by a dead process is replaced.
func (l *LifecycleManager) Start() error {
	log := l.daemon.logger.Zerolog()

	if owner, err := ReadPID(l.pidFile); err == nil && owner != l.pid {
		if alive(owner) {
			return fmt.Errorf("%w with PID %d", ErrAlreadyRunning, owner)
		}
		log.Warn().Int("stale_pid", owner).Msg("Replacing stale PID file")
	}

	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	tmp := l.pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(l.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmp, l.pidFile); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	log.Info().Str("pid_file", l.pidFile).Int("pid", l.pid).Msg("PID file written")
	return nil
}

// Stop removes the PID file if this process still owns it.
func (l *LifecycleManager) Stop() error {
	owner, err := ReadPID(l.pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && owner != l.pid {
		zl := l.daemon.logger.Zerolog()
		zl.Warn().Int("owner", owner).Msg("PID file belongs to another process, leaving it")
		return nil
	}
	if err := os.Remove(l.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// PIDFilePath is where a daemon using dataDir records its PID.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cropadvisor.pid")
}

// ReadPID returns the PID recorded in pidFile.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", pidFile)
	}
	return pid, nil
}

// IsRunning reports whether the process recorded in pidFile is alive.
func IsRunning(pidFile string) bool {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return false
	}
	return alive(pid)
}

// alive probes pid with signal 0; FindProcess always succeeds on Unix.
func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
