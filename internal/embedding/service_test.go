package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfredmem/internal/infra/config"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.Defaults()
	cfg.EmbeddingDimensions = 2

	svc := &Service{
		provider:   withQueryCache(NewLocalProvider("/tmp/cache", cfg.EmbeddingModel, 2, WithLocalBaseURL(server.URL)), 4),
		dimensions: 2,
		logger:     testLogger(),
		state:      StateUnloaded,
	}
	return svc
}

func TestServiceWarmUpTransitionsToReady(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[1,0]]}`))
	})

	assert.Equal(t, StateUnloaded, svc.State())
	require.NoError(t, svc.WarmUp(context.Background()))
	assert.Equal(t, StateReady, svc.State())
}

func TestServiceWarmUpFailureSetsFailedAndAllowsRetry(t *testing.T) {
	attempt := 0
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"embeddings":[[1,0]]}`))
	})

	err := svc.WarmUp(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, svc.State())

	// Retry succeeds.
	require.NoError(t, svc.WarmUp(context.Background()))
	assert.Equal(t, StateReady, svc.State())
}

func TestServiceEmbedWarmsUpImplicitly(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[3,4]]}`))
	})

	vec, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 2)
	assert.Equal(t, StateReady, svc.State())
}

func TestServiceEmbedConcurrentIdenticalTextCollapses(t *testing.T) {
	var calls int
	var mu sync.Mutex
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Write([]byte(`{"embeddings":[[1,1]]}`))
	})
	require.NoError(t, svc.WarmUp(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Embed(context.Background(), "same text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "one warm-up probe plus a single call for the shared text")
}

func TestServiceEmbedBatch(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[1,0],[0,1]]}`))
	})

	vecs, err := svc.EmbedBatch(context.Background(), []string{"content", "tag1 tag2"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

func TestServiceAsProviderAdaptsInterface(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[1,0]]}`))
	})
	p := svc.AsProvider()
	assert.Equal(t, 2, p.Dimensions())
	vecs, err := p.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
}
