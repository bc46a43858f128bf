package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/harun/cropadvisor/internal/config"
	"github.com/harun/cropadvisor/internal/logger"
	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/internal/server"
	"github.com/harun/cropadvisor/internal/telegram"
	"github.com/harun/cropadvisor/internal/tracing"
	"github.com/harun/cropadvisor/pkg/agent"
	"github.com/harun/cropadvisor/pkg/commandqueue"
	"github.com/harun/cropadvisor/pkg/cron"
	"github.com/harun/cropadvisor/pkg/guardrail"
	"github.com/harun/cropadvisor/pkg/orchestrator"
	"github.com/harun/cropadvisor/pkg/session"
	"github.com/harun/cropadvisor/pkg/toolgateway"
)

// Daemon owns every long-lived component of the advisor process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store        session.Store
	queue        *commandqueue.Queue
	agentRunner  *agent.Runner
	tools        *toolgateway.Gateway
	guard        *guardrail.Engine
	rulesWatcher *guardrail.Watcher
	orchestrator *orchestrator.Orchestrator
	service      *orchestrator.Service

	// Ingress and scheduling
	telegramBot *telegram.Bot
	httpServer  *server.Server
	digest      *cron.Service

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	shutdownTracing tracing.ShutdownFunc
}

// Status is a snapshot of the daemon for the status command.
type Status struct {
	Running   bool           `json:"running"`
	StartTime time.Time      `json:"start_time"`
	Uptime    time.Duration  `json:"uptime"`
	Lanes     int            `json:"lanes"`
	Telegram  bool           `json:"telegram"`
	HTTP      bool           `json:"http"`
	Digest    *cron.RunState `json:"digest,omitempty"`
}

var newAgentRunner = func(cfg agent.Config) (*agent.Runner, error) {
	return agent.NewRunner(cfg)
}

var newTelegramBot = func(cfg *config.TelegramConfig, log *logger.Logger, sub telegram.Submitter) (*telegram.Bot, error) {
	return telegram.New(cfg, log, sub)
}

// New creates a daemon. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(cfg.Tracing.ServiceName)
		if err != nil {
			zl := log.Zerolog()
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		}
		d.shutdownTracing = shutdown
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.rulesWatcher != nil {
		_ = d.rulesWatcher.Stop()
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.shutdownTracing != nil {
		_ = d.shutdownTracing(context.Background())
		d.shutdownTracing = nil
	}
}

// OpenStore opens the configured session store backend.
func OpenStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return session.NewFileStore(cfg.Store.Path)
	case "sqlite", "":
		return session.NewSQLiteStore(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// LoadRules reads the configured rules file, or the built-in rules when
// none is set.
func LoadRules(cfg *config.Config) (*guardrail.RuleSet, error) {
	if cfg.Guardrail.RulesFile == "" {
		return guardrail.DefaultRules(), nil
	}
	return guardrail.LoadFile(cfg.Guardrail.RulesFile)
}

func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.Zerolog()

	if err := observability.InitAuditLogger(d.config.Guardrail.AuditLog); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		zl.Info().Str("path", d.config.Guardrail.AuditLog).Msg("Audit logger initialized")
	}

	store, err := OpenStore(d.config)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = store
	zl.Info().Str("backend", d.config.Store.Backend).Str("path", d.config.Store.Path).Msg("Session store initialized")

	d.queue = commandqueue.New()

	runner, err := newAgentRunner(agent.Config{
		Profiles:    convertProfiles(d.config.LLM.Profiles),
		Temperature: d.config.LLM.Temperature,
		MaxTokens:   d.config.LLM.MaxTokens,
		Timeout:     d.config.LLM.Timeout,
		Cooldown:    d.config.LLM.Cooldown,
		Logger:      &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.agentRunner = runner
	zl.Info().Int("profiles", len(d.config.LLM.Profiles)).Msg("Agent runner initialized")

	d.tools = toolgateway.FromConfig(d.config)

	rules, err := LoadRules(d.config)
	if err != nil {
		return fmt.Errorf("failed to load guardrail rules: %w", err)
	}
	d.guard = guardrail.NewEngine(rules, guardrail.Config{
		EscalateThreshold:   d.config.Guardrail.EscalateThreshold,
		UnavailableDiscount: d.config.Guardrail.UnavailableDiscount,
	})
	zl.Info().Int("rules", len(rules.Rules)).Msg("Guardrail engine initialized")

	if d.config.Guardrail.Watch && d.config.Guardrail.RulesFile != "" {
		w, err := guardrail.NewWatcher(guardrail.WatcherConfig{
			Path:   d.config.Guardrail.RulesFile,
			Engine: d.guard,
		})
		if err != nil {
			return fmt.Errorf("failed to create rules watcher: %w", err)
		}
		d.rulesWatcher = w
	}

	d.orchestrator = orchestrator.New(store, runner, d.tools,
		orchestrator.WithGuardrail(d.guard),
		orchestrator.WithLogger(zl),
		orchestrator.WithConfig(orchestrator.ConfigFrom(d.config)),
	)
	d.service = orchestrator.NewService(d.orchestrator, store, d.queue, d.config.Orchestrator.TurnTimeout)
	zl.Info().Msg("Orchestrator initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	zl := d.logger.Zerolog()

	if d.config.Telegram.Enabled {
		bot, err := newTelegramBot(&d.config.Telegram, d.logger, d.service)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.telegramBot = bot
	}

	if d.config.Server.Enabled {
		srv, err := server.New(server.Options{
			Addr:               d.config.Server.Addr,
			RateLimitPerMinute: d.config.Server.RateLimitPerMinute,
			Metrics:            d.config.Metrics.Enabled,
			Logger:             zl,
		}, d.service)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		d.httpServer = srv
	}

	if d.config.Digest.Enabled {
		if d.telegramBot == nil {
			zl.Warn().Msg("Daily digest needs the Telegram channel, digest disabled")
			return nil
		}
		digest, err := cron.NewService(cron.ServiceOptions{
			Schedule:    d.config.Digest.Schedule,
			Timezone:    d.config.Digest.Timezone,
			StatePath:   d.config.Digest.StatePath,
			Concurrency: d.config.Digest.Concurrency,
			Advisor:     d.service,
			Sender:      d.telegramBot,
		})
		if err != nil {
			return fmt.Errorf("failed to create digest service: %w", err)
		}
		d.digest = digest
	}
	return nil
}

func convertProfiles(profiles []config.LLMProfile) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return out
}

// Start brings up ingress, the rules watcher and the digest timer.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}
	zl := d.logger.Zerolog()

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.rulesWatcher != nil {
		if err := d.rulesWatcher.Start(); err != nil {
			zl.Warn().Err(err).Msg("Failed to watch rules file, hot reload disabled")
		}
	}

	if d.telegramBot != nil {
		if err := d.telegramBot.Start(d.ctx); err != nil {
			_ = d.lifecycle.Stop()
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
	}

	if d.httpServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.httpServer.Serve(d.ctx); err != nil {
				zl.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	if d.digest != nil {
		d.digest.Start()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	d.startTime = time.Now()
	d.running = true
	zl.Info().
		Bool("telegram", d.telegramBot != nil).
		Bool("http", d.httpServer != nil).
		Bool("digest", d.digest != nil).
		Msg("Daemon started")
	return nil
}

// Stop shuts everything down in reverse order. In-flight turns get a short
// grace period before the queue closes.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return fmt.Errorf("daemon is not running")
	}
	zl := d.logger.Zerolog()
	zl.Info().Msg("Stopping daemon")

	var errs []error
	if d.digest != nil {
		errs = append(errs, d.digest.Stop())
	}
	if d.telegramBot != nil && d.telegramBot.IsRunning() {
		errs = append(errs, d.telegramBot.Stop())
	}
	if d.rulesWatcher != nil {
		errs = append(errs, d.rulesWatcher.Stop())
	}

	d.eventLoop.HandleShutdown()
	d.cancel()
	d.wg.Wait()

	errs = append(errs, d.queue.Close(), d.store.Close())
	if err := observability.GetAuditLogger().Close(); err != nil {
		zl.Warn().Err(err).Msg("Failed to close audit log")
	}
	if d.shutdownTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.shutdownTracing(shutdownCtx))
		cancel()
		d.shutdownTracing = nil
	}
	errs = append(errs, d.lifecycle.Stop())

	d.running = false
	zl.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Close releases a daemon that was never started, as used by one-shot
// commands.
func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is running, use Stop")
	}
	var err error
	if d.digest != nil {
		err = d.digest.Stop()
	}
	d.abort()
	return err
}

// Status returns a snapshot of the daemon.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{
		Running:  d.running,
		Lanes:    d.queue.Lanes(),
		Telegram: d.telegramBot != nil,
		HTTP:     d.httpServer != nil,
	}
	if d.running {
		st.StartTime = d.startTime
		st.Uptime = time.Since(d.startTime)
	}
	if d.digest != nil {
		state := d.digest.State()
		st.Digest = &state
	}
	return st
}

// Wait blocks until ctx is done, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	<-ctx.Done()
	zl := d.logger.Zerolog()
	zl.Info().Msg("Shutdown signal received")
	return d.Stop()
}

// Service returns the conversation service shared by every channel.
func (d *Daemon) Service() *orchestrator.Service {
	return d.service
}

// Digest returns the digest service, or nil when the digest is disabled.
func (d *Daemon) Digest() *cron.Service {
	return d.digest
}
