package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/crafter-station/cadence-sub000/internal/adapters/circuitbreaker"
	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/adapters/retry"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var _ ports.LLMProvider = (*Guarded)(nil)

type GuardConfig struct {
	// RequestsPerSecond of zero disables rate limiting
	RequestsPerSecond float64
	Burst             int
	MaxFailures       int
	Cooldown          time.Duration
	Retry             retry.Policy
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RequestsPerSecond: 5,
		Burst:             5,
		MaxFailures:       5,
		Cooldown:          30 * time.Second,
		Retry:             retry.ProviderPolicy(),
	}
}

// Guarded wraps a provider with rate limiting, retries and a circuit breaker.
// Every failure it returns is a *domain.ProviderError.
type Guarded struct {
	inner   ports.LLMProvider
	name    string
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	retrier *retry.Retrier
}

func NewGuarded(inner ports.LLMProvider, name string, cfg GuardConfig) *Guarded {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Guarded{
		inner:   inner,
		name:    name,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: circuitbreaker.New(name, cfg.MaxFailures, cfg.Cooldown),
		retrier: retry.New(cfg.Retry),
	}
}

func (g *Guarded) Model() string {
	return g.inner.Model()
}

func (g *Guarded) GenerateText(ctx context.Context, systemPrompt string, history []ports.ChatMessage) (*ports.Completion, error) {
	var completion *ports.Completion
	err := g.call(ctx, "generate_text", func(ctx context.Context) error {
		var err error
		completion, err = g.inner.GenerateText(ctx, systemPrompt, history)
		return err
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func (g *Guarded) GenerateStructured(ctx context.Context, req ports.StructuredRequest, out any) (*ports.Usage, error) {
	var usage *ports.Usage
	err := g.call(ctx, "generate_structured:"+req.Name, func(ctx context.Context) error {
		var err error
		usage, err = g.inner.GenerateStructured(ctx, req, out)
		return err
	})
	return usage, err
}

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.NewProviderError(g.name, op, fmt.Errorf("rate limiter: %w", err))
	}

	start := time.Now()
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.retrier.Do(ctx, fn)
	})
	metrics.ObserveProvider(g.name, op, time.Since(start).Seconds(), err)

	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	slog.Warn("llm: provider call failed", "provider", g.name, "op", op, "error", err)
	return domain.NewProviderError(g.name, op, err)
}
