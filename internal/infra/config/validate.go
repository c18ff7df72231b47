package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors so a caller sees
// every problem in one pass instead of stopping at the first.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers to
// inspect all issues at once rather than failing on the first.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateStorage(cfg, ve)
	validateEmbedding(cfg, ve)
	validateLimits(cfg, ve)
	validateRetention(cfg, ve)
	validateDedup(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateStorage(cfg *Config, ve *ValidationError) {
	if cfg.StoragePath == "" {
		ve.Add("storage_path must not be empty")
	}
	if cfg.ContainerTagPrefix == "" {
		ve.Add("container_tag_prefix must not be empty")
	} else if strings.Contains(cfg.ContainerTagPrefix, "_") {
		ve.Add("container_tag_prefix %q must not contain '_' (it is the first segment of {prefix}_{scope}_{hash})", cfg.ContainerTagPrefix)
	}
}

func validateEmbedding(cfg *Config, ve *ValidationError) {
	if cfg.EmbeddingDimensions <= 0 {
		ve.Add("embedding_dimensions must be > 0")
	}
	if cfg.EmbeddingModel == "" {
		ve.Add("embedding_model must not be empty")
	}
	hasURL := cfg.EmbeddingAPIURL != ""
	hasKey := cfg.EmbeddingAPIKey != ""
	if hasURL != hasKey {
		ve.Add("embedding_api_url and embedding_api_key must both be set or both be empty (got url=%v key=%v)", hasURL, hasKey)
	}
	if cfg.VectorWeight < 0 || cfg.FTSWeight < 0 {
		ve.Add("vector_weight and fts_weight must be >= 0")
	}
}

func validateLimits(cfg *Config, ve *ValidationError) {
	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		ve.Add("similarity_threshold must be between 0 and 1")
	}
	if cfg.MaxMemories <= 0 {
		ve.Add("max_memories must be > 0")
	}
	if cfg.MaxProjectMemories <= 0 {
		ve.Add("max_project_memories must be > 0")
	}
	if cfg.MaxVectorsPerShard <= 0 {
		ve.Add("max_vectors_per_shard must be > 0")
	}
}

func validateRetention(cfg *Config, ve *ValidationError) {
	if cfg.Retention.RetentionDays <= 0 {
		ve.Add("retention.retention_days must be > 0")
	}
	if cfg.Retention.MaxMemoriesPerScope <= 0 {
		ve.Add("retention.max_memories_per_scope must be > 0")
	}
}

func validateDedup(cfg *Config, ve *ValidationError) {
	if cfg.Dedup.NearDupThreshold < 0 || cfg.Dedup.NearDupThreshold > 1 {
		ve.Add("dedup.near_dup_threshold must be between 0 and 1")
	}
	if cfg.Dedup.BatchSize <= 0 {
		ve.Add("dedup.batch_size must be > 0")
	}
}
