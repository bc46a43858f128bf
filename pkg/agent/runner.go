package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Config configures a Runner.
type Config struct {
	Profiles    []AuthProfile
	Factory     ProviderFactory
	Temperature float64
	MaxTokens   int
	// Timeout bounds each provider call.
	Timeout time.Duration
	// Cooldown is the base cooldown after a failure; it grows linearly with
	// consecutive failures.
	Cooldown time.Duration
	Logger   *zerolog.Logger
	Now      func() time.Time
}

// Runner calls the highest-priority healthy profile and fails over on
// retryable errors.
type Runner struct {
	factory     ProviderFactory
	temperature float64
	maxTokens   int
	timeout     time.Duration
	cooldown    time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	profiles  []AuthProfile
	providers map[string]Provider
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	seen := make(map[string]bool, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("auth profile id is required")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate auth profile id: %s", p.ID)
		}
		seen[p.ID] = true
	}

	r := &Runner{
		factory:     cfg.Factory,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
		profiles:    append([]AuthProfile(nil), cfg.Profiles...),
		providers:   make(map[string]Provider),
	}
	if r.factory == nil {
		r.factory = DefaultProviderFactory
	}
	if r.timeout <= 0 {
		r.timeout = 45 * time.Second
	}
	if r.cooldown <= 0 {
		r.cooldown = time.Minute
	}
	if r.now == nil {
		r.now = time.Now
	}
	if cfg.Logger != nil {
		r.logger = *cfg.Logger
	} else {
		r.logger = log.Logger
	}
	sortProfilesByPriority(r.profiles)

	return r, nil
}

// Call sends request to the first healthy profile, failing over on
// retryable errors. Request.Model, Temperature and MaxTokens default to the
// profile and runner settings when zero.
func (r *Runner) Call(ctx context.Context, request Request) (*Response, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	var lastErr error
	for _, profile := range r.snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if profile.InCooldown(r.now()) {
			observability.SetProviderCooldown(profile.ID, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("skipping profile in cooldown")
			continue
		}

		provider, err := r.provider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("failed to create provider")
			continue
		}

		resp, err := r.callProfile(ctx, provider, profile, request)
		if err == nil {
			r.markSuccess(profile.ID)
			return resp, nil
		}

		lastErr = err
		logger.Warn().Str("profile_id", profile.ID).Str("provider", profile.Provider).Err(err).Msg("model call failed")

		// The caller's own deadline is not the provider's fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.markFailure(profile.ID)
		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("every profile is cooling down")
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

func (r *Runner) callProfile(ctx context.Context, provider Provider, profile AuthProfile, request Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "cropadvisor.agent", "agent.call",
		attribute.String("profile_id", profile.ID),
		attribute.String("provider", provider.Provider()),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if request.Model == "" {
		request.Model = profile.Model
	}
	if request.Temperature == 0 {
		request.Temperature = r.temperature
	}
	if request.MaxTokens == 0 {
		request.MaxTokens = r.maxTokens
	}

	start := time.Now()
	resp, err := provider.Call(callCtx, request)
	observability.RecordModelCall(provider.Provider(), time.Since(start), err == nil)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("model call timed out after %s: %w", r.timeout, context.DeadlineExceeded)
		}
		tracing.FailSpan(span, err)
		return nil, err
	}

	resp.ProfileID = profile.ID
	if resp.Provider == "" {
		resp.Provider = provider.Provider()
	}
	return resp, nil
}

func (r *Runner) snapshot() []AuthProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuthProfile(nil), r.profiles...)
}

func (r *Runner) provider(profile AuthProfile) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := r.factory(profile)
	if err != nil {
		return nil, err
	}
	r.providers[profile.ID] = p
	return p, nil
}

func (r *Runner) markSuccess(profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.profiles {
		if r.profiles[i].ID == profileID {
			r.profiles[i].FailureCount = 0
			r.profiles[i].CooldownUntil = time.Time{}
			observability.SetProviderCooldown(profileID, false)
			return
		}
	}
}

func (r *Runner) markFailure(profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.profiles {
		if r.profiles[i].ID == profileID {
			r.profiles[i].FailureCount++
			r.profiles[i].CooldownUntil = r.now().Add(r.cooldown * time.Duration(r.profiles[i].FailureCount))
			observability.SetProviderCooldown(profileID, true)
			return
		}
	}
}

// Profiles returns a copy of the profiles with their current health.
func (r *Runner) Profiles() []AuthProfile {
	return r.snapshot()
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
