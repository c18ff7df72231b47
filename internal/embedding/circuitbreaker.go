package embedding

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"alfredmem/internal/domain"
)

// Default circuit breaker settings for the remote provider.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures breaker behavior around the remote provider.
type CircuitBreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// circuitBreakerProvider wraps a domain.EmbeddingProvider with circuit
// breaker protection. When the remote API fails repeatedly, the circuit
// opens and subsequent calls fail fast without reaching the provider,
// preventing retry storms against a down embedding endpoint.
type circuitBreakerProvider struct {
	inner   domain.EmbeddingProvider
	breaker *gobreaker.CircuitBreaker[[][]float32]
	logger  *slog.Logger
}

// withCircuitBreaker wraps inner with a circuit breaker. If cfg is zero-valued,
// sensible defaults are used.
func withCircuitBreaker(inner domain.EmbeddingProvider, cfg CircuitBreakerConfig, logger *slog.Logger) domain.EmbeddingProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[[][]float32](gobreaker.Settings{
		Name:        "embed:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(cbName string, from, to gobreaker.State) {
			logger.Warn("embedding circuit breaker state change",
				"breaker", cbName, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool { return err == nil },
	})

	return &circuitBreakerProvider{inner: inner, breaker: cb, logger: logger}
}

// Embed implements domain.EmbeddingProvider. Calls are routed through the
// circuit breaker; an open circuit surfaces as ErrEmbedTransport so callers
// treat it the same as any other transport failure.
func (p *circuitBreakerProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.breaker.Execute(func() ([][]float32, error) {
		return p.inner.Embed(ctx, texts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewSubSystemError("embed", "circuitBreakerProvider.Embed", domain.ErrEmbedTransport, err.Error())
		}
		return nil, err
	}
	return vecs, nil
}

// Dimensions implements domain.EmbeddingProvider.
func (p *circuitBreakerProvider) Dimensions() int { return p.inner.Dimensions() }

// Name implements domain.EmbeddingProvider.
func (p *circuitBreakerProvider) Name() string { return p.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (p *circuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }

var _ domain.EmbeddingProvider = (*circuitBreakerProvider)(nil)
