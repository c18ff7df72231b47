// Package config loads the single immutable runtime settings snapshot for
// the memory store: hard-coded defaults overlaid by a JSONC file in the
// user config directory, overlaid by environment variables for secret
// fields. The snapshot is resolved once at process start and handed out by
// value from then on (see internal/infra/config.Load).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"

	"alfredmem/internal/security"
)

// LoggerConfig configures the ambient structured logger.
type LoggerConfig struct {
	Level  string `json:"level"`  // debug|info|warn|error
	Format string `json:"format"` // json|text
	Output string `json:"output"` // stdout|stderr|path
}

// TracerConfig configures the ambient OpenTelemetry tracer.
type TracerConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter"` // stdout|noop
}

// RetentionConfig tunes the retention/cleanup maintenance job (C7).
type RetentionConfig struct {
	RetentionDays       int `json:"retention_days"`
	MaxMemoriesPerScope int `json:"max_memories_per_scope"`
}

// DedupConfig tunes the deduplication maintenance job (C8).
type DedupConfig struct {
	NearDupThreshold float64 `json:"near_dup_threshold"`
	AutoMerge        bool    `json:"auto_merge"`
	BatchSize        int     `json:"batch_size"`
}

// MaintenanceConfig schedules the background jobs that run on the process
// holding the web lock's owner role (see internal/lock).
type MaintenanceConfig struct {
	RetentionSchedule string `json:"retention_schedule"` // cron expr or Go duration
	DedupSchedule     string `json:"dedup_schedule"`
	MigrationSchedule string `json:"migration_detect_schedule"`
}

// Config is the fully resolved, immutable runtime configuration. Construct
// it with Defaults() or Load(); never mutate a Config after it is handed out
// -- copy-and-replace instead.
type Config struct {
	StoragePath string `json:"storage_path"`

	EmbeddingModel      string `json:"embedding_model"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	EmbeddingAPIURL     string `json:"embedding_api_url"`
	EmbeddingAPIKey     string `json:"embedding_api_key"`
	// EmbeddingQueryCacheSize bounds the LRU cache of single-text query
	// embeddings kept in front of the provider. 0 uses the service default.
	EmbeddingQueryCacheSize int `json:"embedding_query_cache_size"`

	SimilarityThreshold float64 `json:"similarity_threshold"`
	MaxMemories         int     `json:"max_memories"`
	MaxProjectMemories  int     `json:"max_project_memories"`
	MaxProfileItems     int     `json:"max_profile_items"`
	MaxVectorsPerShard  int     `json:"max_vectors_per_shard"`

	ContainerTagPrefix string `json:"container_tag_prefix"`
	KeywordPatterns    string `json:"keyword_patterns"`

	VectorWeight float64 `json:"vector_weight"` // RRF weight, default 0.6
	FTSWeight    float64 `json:"fts_weight"`    // RRF weight, default 0.4

	Retention   RetentionConfig   `json:"retention"`
	Dedup       DedupConfig       `json:"dedup"`
	Maintenance MaintenanceConfig `json:"maintenance"`

	Logger LoggerConfig `json:"logger"`
	Tracer TracerConfig `json:"tracer"`

	WebLockPort int    `json:"web_lock_port"`
	WebLockHost string `json:"web_lock_host"`

	// AdminAPIRateLimit bounds requests per minute per client IP against the
	// admin API; AdminAPIRateBurst is the token-bucket burst size.
	AdminAPIRateLimit int `json:"admin_api_rate_limit"`
	AdminAPIRateBurst int `json:"admin_api_rate_burst"`

	EmbedTimeout   time.Duration `json:"-"`
	RequestTimeout time.Duration `json:"-"`

	// loadError records why Load() fell back to defaults (bad JSONC,
	// schema mismatch) or why embedding_api_key could not be decrypted; a
	// missing file is not an error. Never serialized; inspected via
	// LoadError() once the ambient logger exists.
	loadError error `json:"-"`
}

// Defaults returns the hard-coded baseline configuration, matching §4.1 and
// §6 of the spec (default storage root, shard seal threshold, fusion
// weights, etc).
func Defaults() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		StoragePath: filepath.Join(home, ".opencode-mem", "data"),

		EmbeddingModel:      "local-minilm",
		EmbeddingDimensions: 384,

		SimilarityThreshold: 0.25,
		MaxMemories:         50,
		MaxProjectMemories:  200,
		MaxProfileItems:     50,
		MaxVectorsPerShard:  5000,

		ContainerTagPrefix: "opencode",

		VectorWeight: 0.6,
		FTSWeight:    0.4,

		Retention: RetentionConfig{
			RetentionDays:       365,
			MaxMemoriesPerScope: 10000,
		},
		Dedup: DedupConfig{
			NearDupThreshold: 0.95,
			AutoMerge:        false,
			BatchSize:        500,
		},
		Maintenance: MaintenanceConfig{
			RetentionSchedule: "0 3 * * *",
			DedupSchedule:     "0 4 * * *",
			MigrationSchedule: "@every 1h",
		},

		Logger: LoggerConfig{Level: "info", Format: "json", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},

		WebLockPort: 8787,
		WebLockHost: "127.0.0.1",

		AdminAPIRateLimit: 600,
		AdminAPIRateBurst: 50,

		EmbedTimeout:   30 * time.Second,
		RequestTimeout: 60 * time.Second,
	}
}

// Load resolves the configuration from defaults, overlaid by the JSONC file
// at path (if it exists and parses), overlaid by environment variables for
// the API key/URL fields. A missing or unparsable file falls back silently
// to defaults, per §4.1 ("invalid JSON falls back to defaults").
func Load(path string) Config {
	cfg := Defaults()

	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			if err := mergeJSONC(&cfg, raw); err != nil {
				cfg = Defaults()
				cfg.loadError = err
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg
}

// LoadError reports the error that caused Load to fall back to defaults, if
// any. Returns nil when the config file loaded cleanly or was absent.
func (c Config) LoadError() error { return c.loadError }

func mergeJSONC(cfg *Config, raw []byte) error {
	std, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("config: parse jsonc: %w", err)
	}
	// Decode into a copy so a partially-valid file never leaves cfg half
	// overwritten; then atomically assign on full success. Unknown fields
	// in the file are ignored deliberately (forward compatible).
	merged := *cfg
	if err := json.Unmarshal(std, &merged); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	*cfg = merged
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALFREDMEM_EMBEDDING_API_KEY"); v != "" {
		cfg.EmbeddingAPIKey = v
	}
	if v := os.Getenv("ALFREDMEM_EMBEDDING_API_URL"); v != "" {
		cfg.EmbeddingAPIURL = v
	}
	if v := os.Getenv("ALFREDMEM_STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}

	// ALFREDMEM_CONFIG_KEY gates optional at-rest encryption of
	// embedding_api_key in the JSONC config file, mirroring the teacher's
	// ALFREDAI_CONFIG_KEY convention. A value without the "enc:" prefix is
	// plaintext and passes through unchanged.
	if passphrase := os.Getenv("ALFREDMEM_CONFIG_KEY"); passphrase != "" && security.IsEncrypted(cfg.EmbeddingAPIKey) {
		plain, err := security.DecryptValue(cfg.EmbeddingAPIKey, passphrase)
		if err != nil {
			cfg.loadError = fmt.Errorf("config: decrypt embedding_api_key: %w", err)
			return
		}
		cfg.EmbeddingAPIKey = plain
	}
}

// UsesRemoteEmbedding reports whether both remote embedding fields are
// present, per §4.1: "if both present, route embedding through the remote
// API instead of the local model."
func (c Config) UsesRemoteEmbedding() bool {
	return c.EmbeddingAPIURL != "" && c.EmbeddingAPIKey != ""
}

// ShardsDir is the directory under StoragePath holding per-shard databases.
func (c Config) ShardsDir() string { return filepath.Join(c.StoragePath, "shards") }

// RegistryPath is the shard registry database file path.
func (c Config) RegistryPath() string { return filepath.Join(c.StoragePath, "registry.db") }

// ModelCacheDir is the local embedding model cache directory.
func (c Config) ModelCacheDir() string { return filepath.Join(c.StoragePath, ".cache") }

// AuxPath returns the path of one of the auxiliary (non-search-engine) DB
// files: user-prompts.db, user-profiles.db, ai-sessions.db.
func (c Config) AuxPath(name string) string { return filepath.Join(c.StoragePath, name) }

// LockPath is the multi-process web lock file path, rooted one directory
// above StoragePath per §6.
func (c Config) LockPath() string {
	return filepath.Join(filepath.Dir(c.StoragePath), "webserver.lock")
}
