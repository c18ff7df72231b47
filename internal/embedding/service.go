package embedding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"alfredmem/internal/domain"
	"alfredmem/internal/infra/config"
)

// State is a value in the embedding service's warm-up state machine.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	embedTimeout = 30 * time.Second
	warmUpSFKey  = "warm_up"
	defaultCache = 256
	probeText    = "warm up"
)

// Service is the process-wide embedding singleton: a warm-up gated state
// machine wrapping exactly one of a local or remote domain.EmbeddingProvider.
// embed() blocks on warm_up() if the service is not yet ready; warm_up()
// and cold-start embed() calls are collapsed via singleflight so concurrent
// callers triggering the same underlying work produce one model/HTTP call.
type Service struct {
	provider   domain.EmbeddingProvider
	dimensions int
	logger     *slog.Logger

	mu      sync.RWMutex
	state   State
	failErr error
	sf      singleflight.Group
}

var (
	globalMu      sync.Mutex
	globalService *Service
)

// NewService builds the embedding service's provider stack: local or remote
// base provider (chosen by whether remote credentials are configured),
// wrapped in a circuit breaker (remote only) and an LRU query cache.
func NewService(cfg config.Config, logger *slog.Logger) *Service {
	var base domain.EmbeddingProvider
	if cfg.UsesRemoteEmbedding() {
		remote := NewRemoteProvider(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		base = withCircuitBreaker(remote, CircuitBreakerConfig{}, logger)
	} else {
		base = NewLocalProvider(cfg.ModelCacheDir(), cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	}

	cacheSize := cfg.EmbeddingQueryCacheSize
	if cacheSize == 0 {
		cacheSize = defaultCache
	}

	return &Service{
		provider:   withQueryCache(base, cacheSize),
		dimensions: cfg.EmbeddingDimensions,
		logger:     logger,
		state:      StateUnloaded,
	}
}

// Global returns the process-wide Service, constructing it on first call so
// repeated plugin loads within one runtime converge on the same instance.
func Global(cfg config.Config, logger *slog.Logger) *Service {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalService == nil {
		globalService = NewService(cfg, logger)
	}
	return globalService
}

// ResetGlobal clears the process-wide singleton. Test-only.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalService = nil
}

// State reports the current warm-up state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dimensions reports the vector length this service produces.
func (s *Service) Dimensions() int { return s.dimensions }

// WarmUp moves the service unloaded → loading → ready (or → failed on
// error), probing the underlying provider once. Concurrent callers
// collapse onto a single probe via singleflight. A failed warm-up clears
// the in-flight promise so a later call can retry.
func (s *Service) WarmUp(ctx context.Context) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateReady {
		return nil
	}

	_, err, _ := s.sf.Do(warmUpSFKey, func() (interface{}, error) {
		s.mu.Lock()
		if s.state == StateReady {
			s.mu.Unlock()
			return nil, nil
		}
		s.state = StateLoading
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(ctx, embedTimeout)
		defer cancel()
		_, err := s.provider.Embed(ctx, []string{probeText})

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.state = StateFailed
			s.failErr = err
			return nil, err
		}
		s.state = StateReady
		s.failErr = nil
		return nil, nil
	})
	return err
}

// Embed produces a unit-norm vector for a single text, blocking on warm-up
// if the service is not yet ready. Cold calls for identical text collapse
// via singleflight so concurrent identical queries trigger one model call.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	v, err, _ := s.sf.Do("embed:"+text, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, embedTimeout)
		defer cancel()
		vecs, err := s.provider.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return []float32(nil), nil
		}
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]float32), nil
}

// EmbedBatch embeds multiple texts (e.g. content plus a flattened tag list)
// in one call. It does not participate in singleflight collapsing since
// batches are rarely identical across concurrent callers.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	return s.provider.Embed(ctx, texts)
}

func (s *Service) ensureReady(ctx context.Context) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	if state == StateReady {
		return nil
	}
	// Unloaded, loading, or failed: warm_up() retries on every call once a
	// prior attempt has failed, per the "in-flight promise cleared" transition.
	return s.WarmUp(ctx)
}

var _ domain.EmbeddingProvider = embeddingProviderAdapter{}

// embeddingProviderAdapter lets a *Service satisfy domain.EmbeddingProvider
// for components (hybrid search, ingestion) that depend on the interface
// rather than the concrete singleton.
type embeddingProviderAdapter struct {
	svc *Service
}

// AsProvider adapts s to domain.EmbeddingProvider.
func (s *Service) AsProvider() domain.EmbeddingProvider {
	return embeddingProviderAdapter{svc: s}
}

func (a embeddingProviderAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return a.svc.EmbedBatch(ctx, texts)
}

func (a embeddingProviderAdapter) Dimensions() int { return a.svc.Dimensions() }

func (a embeddingProviderAdapter) Name() string { return "embedding.Service" }
