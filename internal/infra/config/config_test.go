package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 384, cfg.EmbeddingDimensions)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 0.6, cfg.VectorWeight)
	assert.Equal(t, 0.4, cfg.FTSWeight)
	assert.False(t, cfg.UsesRemoteEmbedding())
	require.NoError(t, Validate(&cfg))
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg := Load("/tmp/nonexistent-opencode-mem-config-12345.jsonc")
	assert.NoError(t, cfg.LoadError())
	assert.Equal(t, Defaults().EmbeddingDimensions, cfg.EmbeddingDimensions)
}

func TestLoadJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	content := `{
		// a comment, stripped by hujson before decoding
		"storage_path": "/data/mem",
		"embedding_dimensions": 768,
		"embedding_model": "text-embedding-3-small",
		"similarity_threshold": 0.3,
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := Load(path)
	require.NoError(t, cfg.LoadError())
	assert.Equal(t, "/data/mem", cfg.StoragePath)
	assert.Equal(t, 768, cfg.EmbeddingDimensions)
	assert.Equal(t, 0.3, cfg.SimilarityThreshold)
	// Unset fields keep their defaults.
	assert.Equal(t, Defaults().MaxVectorsPerShard, cfg.MaxVectorsPerShard)
}

func TestLoadMalformedFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json at all"), 0o644))

	cfg := Load(path)
	assert.Error(t, cfg.LoadError())
	assert.Equal(t, Defaults().StoragePath, cfg.StoragePath)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("ALFREDMEM_EMBEDDING_API_KEY", "sk-test-123")
	t.Setenv("ALFREDMEM_EMBEDDING_API_URL", "https://embed.example.com")

	cfg := Load("")
	assert.Equal(t, "sk-test-123", cfg.EmbeddingAPIKey)
	assert.Equal(t, "https://embed.example.com", cfg.EmbeddingAPIURL)
	assert.True(t, cfg.UsesRemoteEmbedding())
}

func TestPathHelpers(t *testing.T) {
	cfg := Defaults()
	cfg.StoragePath = "/root/mem-data"
	assert.Equal(t, "/root/mem-data/shards", cfg.ShardsDir())
	assert.Equal(t, "/root/mem-data/registry.db", cfg.RegistryPath())
	assert.Equal(t, "/root/mem-data/.cache", cfg.ModelCacheDir())
	assert.Equal(t, "/root/mem-data/user-prompts.db", cfg.AuxPath("user-prompts.db"))
	assert.Equal(t, "/root/webserver.lock", cfg.LockPath())
}
