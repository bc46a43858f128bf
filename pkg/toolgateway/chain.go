package toolgateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrProviderUnavailable marks any tier failure: auth, rate limit,
	// server error, timeout or missing configuration.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrAmbiguousLocation is returned when location text does not resolve
	// to exactly one place.
	ErrAmbiguousLocation = errors.New("ambiguous location")
)

// Tier is one provider attempt within a Chain.
type Tier[T any] struct {
	Name    string
	Timeout time.Duration
	Fetch   func(ctx context.Context) (T, error)
}

// Chain runs tiers in order until one succeeds.
type Chain[T any] struct {
	Source string
	Tiers  []Tier[T]
	Now    func() time.Time
}

// Outcome is what a Chain run produced.
type Outcome[T any] struct {
	Value       T
	Tier        int
	Provider    string
	FetchedAt   time.Time
	Unavailable bool
	Err         error
}

// Run tries each tier once. A cancelled parent context stops the chain.
func (c Chain[T]) Run(ctx context.Context) Outcome[T] {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("source", c.Source).Logger()

	var errs []error
	for i, tier := range c.Tiers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n := i + 1

		v, err := c.attempt(ctx, n, tier)
		if err == nil {
			if n > 1 {
				logger.Info().Str("tier", tier.Name).Int("tier_index", n).Msg("fallback tier succeeded")
			}
			return Outcome[T]{Value: v, Tier: n, Provider: tier.Name, FetchedAt: now().UTC()}
		}

		logger.Warn().Err(err).Str("tier", tier.Name).Int("tier_index", n).Msg("tier failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", tier.Name, err))
	}

	err := errors.Join(errs...)
	if err == nil {
		err = fmt.Errorf("%w: no tiers configured", ErrProviderUnavailable)
	}
	observability.RecordToolUnavailable(c.Source)
	logger.Error().Err(err).Msg("all tiers failed")

	var zero T
	return Outcome[T]{Value: zero, Unavailable: true, Err: err}
}

func (c Chain[T]) attempt(ctx context.Context, n int, tier Tier[T]) (v T, err error) {
	ctx, span := tracing.StartSpan(ctx, "cropadvisor.toolgateway", "toolgateway.tier",
		attribute.String("source", c.Source),
		attribute.String("tier", tier.Name),
		attribute.Int("tier_index", n),
	)
	defer span.End()

	if tier.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tier.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: tier panicked: %v", ErrProviderUnavailable, r)
		}
	}()

	start := time.Now()
	v, err = tier.Fetch(ctx)
	if err == nil && ctx.Err() != nil {
		// Result arrived after the deadline; treat it as a timeout.
		err = ctx.Err()
	}
	observability.RecordToolTier(c.Source, strconv.Itoa(n), time.Since(start), err == nil)
	tracing.FailSpan(span, err)
	return v, err
}
