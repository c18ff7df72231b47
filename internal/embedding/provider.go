// Package embedding implements the Embedding Service (C3): a process-wide
// singleton that produces unit-norm vectors from either a local or a remote
// provider, gated behind an explicit warm-up state machine.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"alfredmem/internal/domain"
)

const maxResponseBytes = 10 * 1024 * 1024

// LocalOption configures the local embedding provider.
type LocalOption func(*LocalProvider)

// WithLocalModel sets the model identifier reported by Name/shard metadata.
func WithLocalModel(model string) LocalOption {
	return func(p *LocalProvider) { p.model = model }
}

// WithLocalBaseURL points the provider at a model-serving endpoint other
// than the default local one (used in tests).
func WithLocalBaseURL(url string) LocalOption {
	return func(p *LocalProvider) { p.baseURL = url }
}

// WithLocalClient overrides the HTTP client.
func WithLocalClient(client *http.Client) LocalOption {
	return func(p *LocalProvider) { p.client = client }
}

// LocalProvider implements domain.EmbeddingProvider against a local
// feature-extraction model served over HTTP from the process's model cache
// (storage_path/.cache), the same way the teacher's Ollama provider talks
// to a local inference daemon. Output is mean-pooled and L2-normalized
// server-side; this provider renormalizes defensively on the way out.
type LocalProvider struct {
	model      string
	dimensions int
	baseURL    string
	cacheDir   string
	client     *http.Client
}

// NewLocalProvider creates a local embedding provider. cacheDir identifies
// the model cache root; it is passed through to the local server as a
// header so a single daemon can serve multiple cache roots.
func NewLocalProvider(cacheDir, model string, dimensions int, opts ...LocalOption) *LocalProvider {
	p := &LocalProvider{
		model:      model,
		dimensions: dimensions,
		baseURL:    "http://127.0.0.1:11535",
		cacheDir:   cacheDir,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type localEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements domain.EmbeddingProvider.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(localEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, domain.NewSubSystemError("embed", "LocalProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewSubSystemError("embed", "LocalProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Model-Cache-Dir", p.cacheDir)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewSubSystemError("embed", "LocalProvider.Embed", domain.ErrEmbedTimeout, err.Error())
		}
		return nil, domain.NewSubSystemError("embed", "LocalProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewSubSystemError("embed", "LocalProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.TransportError{Code: resp.StatusCode}
	}

	var parsed localEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, domain.NewSubSystemError("embed", "LocalProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}

	for i := range parsed.Embeddings {
		if len(parsed.Embeddings[i]) != p.dimensions {
			return nil, domain.NewSubSystemError("embed", "LocalProvider.Embed", domain.ErrEmbedDimensionMismatch,
				fmt.Sprintf("got %d dims, want %d", len(parsed.Embeddings[i]), p.dimensions))
		}
		normalizeInPlace(parsed.Embeddings[i])
	}
	return parsed.Embeddings, nil
}

// Dimensions implements domain.EmbeddingProvider.
func (p *LocalProvider) Dimensions() int { return p.dimensions }

// Name implements domain.EmbeddingProvider.
func (p *LocalProvider) Name() string { return "local:" + p.model }

// RemoteOption configures the remote embedding provider.
type RemoteOption func(*RemoteProvider)

// WithRemoteClient overrides the HTTP client.
func WithRemoteClient(client *http.Client) RemoteOption {
	return func(p *RemoteProvider) { p.client = client }
}

// WithRemoteRateLimit caps outbound requests to the remote embedding API,
// so a bulk migration re-embed pass doesn't overrun a rate-limited
// provider. ratePerSecond <= 0 disables limiting.
func WithRemoteRateLimit(ratePerSecond float64, burst int) RemoteOption {
	return func(p *RemoteProvider) {
		if ratePerSecond <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// RemoteProvider implements domain.EmbeddingProvider over the wire format of
// §6: POST {apiUrl}/embeddings, body {input, model}, bearer auth, response
// {data:[{embedding}]}.
type RemoteProvider struct {
	apiURL     string
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
	limiter    *rate.Limiter
}

// NewRemoteProvider creates a remote HTTP embedding provider. By default it
// throttles outbound calls to 20/s with a burst of 5 -- generous for
// interactive queries but enough to keep a bulk migration re-embed pass from
// hammering a rate-limited provider; override with WithRemoteRateLimit.
func NewRemoteProvider(apiURL, apiKey, model string, dimensions int, opts ...RemoteOption) *RemoteProvider {
	p := &RemoteProvider{
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(20), 5),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type remoteEmbedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements domain.EmbeddingProvider. The wire contract is one text
// per request (§6); callers with a batch fan out one request per text.
func (p *RemoteProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *RemoteProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, domain.NewSubSystemError("embed", "RemoteProvider.Embed", domain.ErrEmbedTimeout, err.Error())
		}
	}

	body, err := json.Marshal(remoteEmbedRequest{Input: text, Model: p.model})
	if err != nil {
		return nil, domain.NewSubSystemError("embed", "RemoteProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewSubSystemError("embed", "RemoteProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewSubSystemError("embed", "RemoteProvider.Embed", domain.ErrEmbedTimeout, err.Error())
		}
		return nil, &domain.TransportError{Code: 0}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewSubSystemError("embed", "RemoteProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.TransportError{Code: resp.StatusCode}
	}

	var parsed remoteEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, domain.NewSubSystemError("embed", "RemoteProvider.Embed", domain.ErrEmbedModelLoad, err.Error())
	}
	if len(parsed.Data) == 0 {
		return nil, domain.NewSubSystemError("embed", "RemoteProvider.Embed", domain.ErrEmbedModelLoad, "empty data array")
	}

	vec := parsed.Data[0].Embedding
	if len(vec) != p.dimensions {
		return nil, domain.NewSubSystemError("embed", "RemoteProvider.Embed", domain.ErrEmbedDimensionMismatch,
			fmt.Sprintf("got %d dims, want %d", len(vec), p.dimensions))
	}
	// The response is assumed unit-norm per §4.3; renormalize defensively.
	normalizeInPlace(vec)
	return vec, nil
}

// Dimensions implements domain.EmbeddingProvider.
func (p *RemoteProvider) Dimensions() int { return p.dimensions }

// Name implements domain.EmbeddingProvider.
func (p *RemoteProvider) Name() string { return "remote:" + p.model }

// normalizeInPlace L2-normalizes v. A zero vector is left unchanged (there
// is nothing meaningful to normalize to).
func normalizeInPlace(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}

var (
	_ domain.EmbeddingProvider = (*LocalProvider)(nil)
	_ domain.EmbeddingProvider = (*RemoteProvider)(nil)
)
