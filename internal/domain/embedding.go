package domain

import "context"

// EmbeddingProvider is the interface every embedding backend satisfies:
// the local model server, the remote HTTP API, and the caching/breaker
// decorators stacked on top of them.
type EmbeddingProvider interface {
	// Embed produces one unit-norm vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the length of every vector Embed returns.
	Dimensions() int
	// Name identifies the provider, e.g. "local:minilm" or "remote:text-embedding-3-small".
	Name() string
}
