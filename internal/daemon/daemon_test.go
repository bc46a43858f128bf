package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/cropadvisor/internal/config"
	"github.com/harun/cropadvisor/internal/logger"
	"github.com/harun/cropadvisor/pkg/guardrail"
	"github.com/harun/cropadvisor/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config with Telegram disabled and the HTTP server on
// an ephemeral port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Store.Backend = "file"
	cfg.Store.Path = filepath.Join(dir, "sessions")
	cfg.Guardrail.AuditLog = filepath.Join(cfg.DataDir, "audit.log")
	cfg.Digest.StatePath = filepath.Join(cfg.DataDir, "digest.json")
	cfg.LLM.Profiles = []config.LLMProfile{{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 1}}
	cfg.Telegram.Enabled = false
	cfg.Server.Enabled = true
	cfg.Server.Addr = "127.0.0.1:0"
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.Close()

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.agentRunner)
	assert.NotNil(t, d.orchestrator)
	assert.NotNil(t, d.Service())
	assert.NotNil(t, d.httpServer)
	assert.Nil(t, d.telegramBot)
	assert.Nil(t, d.rulesWatcher)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
}

func TestNew_Errors(t *testing.T) {
	t.Run("no model profiles", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LLM.Profiles = nil
		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		_, err = New(cfg, log)
		assert.ErrorContains(t, err, "agent runner")
	})

	t.Run("unknown store backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store.Backend = "redis"
		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		_, err = New(cfg, log)
		assert.ErrorContains(t, err, "session store")
	})

	t.Run("broken rules file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Guardrail.RulesFile = filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(cfg.Guardrail.RulesFile, []byte("rules: [oops"), 0o644))
		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		_, err = New(cfg, log)
		assert.ErrorContains(t, err, "guardrail rules")
	})
}

func TestNew_DigestNeedsTelegram(t *testing.T) {
	cfg := testConfig(t)
	cfg.Digest.Enabled = true
	d := createTestDaemon(t, cfg)
	defer d.Close()

	assert.Nil(t, d.Digest())
}

func TestNew_WatchesRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Guardrail.RulesFile = filepath.Join(t.TempDir(), "rules.yaml")
	cfg.Guardrail.Watch = true
	require.NoError(t, os.WriteFile(cfg.Guardrail.RulesFile, guardrail.DefaultRulesYAML(), 0o644))

	d := createTestDaemon(t, cfg)
	defer d.Close()

	assert.NotNil(t, d.rulesWatcher)
	assert.Equal(t, len(guardrail.DefaultRules().Rules), len(d.guard.Rules().Rules))
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	pidFile := PIDFilePath(d.config.DataDir)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())
	assert.Error(t, d.Close(), "a running daemon must be stopped")

	status := d.Status()
	assert.True(t, status.Running)
	assert.True(t, status.HTTP)
	assert.False(t, status.Telegram)
	assert.Nil(t, status.Digest)

	pid, err := ReadPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsRunning(pidFile))

	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, d.Status().Uptime, time.Duration(0))

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, IsRunning(pidFile))
}

func TestLifecycle_PIDFileOwnership(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.Close()
	pidFile := PIDFilePath(d.config.DataDir)

	t.Run("stale file is replaced", func(t *testing.T) {
		// PIDs are far below this on Linux, so the process cannot exist.
		require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0o644))
		require.NoError(t, d.lifecycle.Start())

		pid, err := ReadPID(pidFile)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		require.NoError(t, d.lifecycle.Stop())
	})

	t.Run("live owner is refused", func(t *testing.T) {
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getppid())), 0o644))
		err := d.lifecycle.Start()
		assert.ErrorIs(t, err, ErrAlreadyRunning)

		require.NoError(t, d.lifecycle.Stop())
		_, err = os.Stat(pidFile)
		assert.NoError(t, err, "a foreign PID file is left in place")
		require.NoError(t, os.Remove(pidFile))
	})

	t.Run("stop without file", func(t *testing.T) {
		assert.NoError(t, d.lifecycle.Stop())
	})
}

func TestDaemonServesCommands(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.Close()

	ctx := context.Background()
	resp, err := d.Service().Submit(ctx, orchestrator.Event{
		ID:     "e1",
		UserID: "farmer-1",
		Kind:   orchestrator.EventText,
		Text:   "/start",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Text)
	assert.NotEmpty(t, resp.Buttons)

	sess, err := d.Service().Session(ctx, "farmer-1")
	require.NoError(t, err)
	assert.True(t, sess.DigestEnabled)

	users, err := d.Service().Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"farmer-1"}, users)
}

func TestWaitStopsOnCancel(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Wait(ctx))
	assert.False(t, d.Status().Running)
}

func TestLoadRules(t *testing.T) {
	cfg := testConfig(t)
	rules, err := LoadRules(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, rules.Rules)

	cfg.Guardrail.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = LoadRules(cfg)
	assert.Error(t, err)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	pidFile := PIDFilePath(dir)

	_, err := ReadPID(pidFile)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(pidFile, []byte("12345\n"), 0o644))
	pid, err := ReadPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	for _, bad := range []string{"abc", "0", "-4"} {
		require.NoError(t, os.WriteFile(pidFile, []byte(bad), 0o644))
		_, err = ReadPID(pidFile)
		assert.Error(t, err, bad)
	}
}

func TestEventLoopRun(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.Close()

	loop := NewEventLoop(d)
	loop.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}

	loop.grace = 10 * time.Millisecond
	loop.HandleShutdown()
}
