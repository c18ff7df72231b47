package domain

import (
	"strings"
	"time"
)

// Scope partitions memories into the two routing namespaces the engine
// understands. Every container tag resolves to exactly one.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
)

// MemoryType is an optional free-form classification tag on a Memory.
// The set below is advisory, not enforced — callers may supply any string.
type MemoryType string

const (
	TypePreference    MemoryType = "preference"
	TypeArchitecture  MemoryType = "architecture"
	TypeBugFix        MemoryType = "bug-fix"
	TypeFeature       MemoryType = "feature"
	TypeConfiguration MemoryType = "configuration"
	TypeDiscussion    MemoryType = "discussion"
	TypeOther         MemoryType = "other"
)

// Memory is the core persisted entity. Invariants:
// len(Vector) == D and ||Vector||2 ~= 1; ContainerTag never changes after
// insert; UpdatedAt >= CreatedAt; pinned memories are exempt from retention.
type Memory struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Type         MemoryType        `json:"type,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	ContainerTag string            `json:"container_tag"`
	Vector       []float32         `json:"-"`
	TagsVector   []float32         `json:"-"`
	DisplayName  string            `json:"display_name,omitempty"`
	UserName     string            `json:"user_name,omitempty"`
	UserEmail    string            `json:"user_email,omitempty"`
	ProjectPath  string            `json:"project_path,omitempty"`
	ProjectName  string            `json:"project_name,omitempty"`
	GitRepoURL   string            `json:"git_repo_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    int64             `json:"created_at"` // ms epoch
	UpdatedAt    int64             `json:"updated_at"` // ms epoch
	IsPinned     bool              `json:"is_pinned"`
}

// ScopedResult decorates a Memory with its fused search score for the
// hybrid search response (C6) and the shard it was read from.
type ScopedResult struct {
	Memory     Memory  `json:"memory"`
	Similarity float64 `json:"similarity"` // integer-percent friendly, 0..1
	ShardID    int64   `json:"shard_id"`
}

// ShardRecord is one row of the shard registry (C4), mirroring the
// registry.db schema of §6.
type ShardRecord struct {
	ID          int64  `json:"id"`
	Scope       Scope  `json:"scope"`
	Hash        string `json:"hash"`
	DBPath      string `json:"db_path"`
	VectorCount int    `json:"vector_count"`
	CreatedAt   int64  `json:"created_at"`
}

// Sealed reports whether the shard is no longer eligible as a write target.
func (s ShardRecord) Sealed(maxVectorsPerShard int) bool {
	return s.VectorCount >= maxVectorsPerShard
}

// ShardMetadata is the per-shard key/value table (shard_metadata) tracking
// the embedding configuration the shard's vectors were produced under.
type ShardMetadata struct {
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	EmbeddingModel      string `json:"embedding_model"`
}

// LockFile is the JSON body of the multi-process web lock (C11), serialized
// at the well-known lock path.
type LockFile struct {
	PIDs      []int  `json:"pids"`
	Port      int    `json:"port"`
	Host      string `json:"host"`
	StartedAt int64  `json:"started_at"`
}

// ContainerTagPrefix, Scope and Hash decompose a container tag of the form
// "{prefix}_{scope}_{hash}". ParseContainerTag never errors: malformed tags
// default to (ScopeUser, the whole input as hash) per the spec's fixed
// resolution of the extract_scope_from_tag inconsistency — callers that
// need strict validation (the Admin API write path) should use
// ValidateContainerTag instead.
func ParseContainerTag(tag string) (prefix string, scope Scope, hash string) {
	parts := strings.SplitN(tag, "_", 3)
	if len(parts) != 3 {
		return "", ScopeUser, tag
	}
	switch Scope(parts[1]) {
	case ScopeUser, ScopeProject:
		return parts[0], Scope(parts[1]), parts[2]
	default:
		return "", ScopeUser, tag
	}
}

// ValidateContainerTag reports whether tag has the well-formed
// "{prefix}_{scope}_{hash}" shape with scope in {user, project} and all
// three segments non-empty. The Admin API write boundary (add_memory)
// rejects malformed tags using this, per the Open Question decision in
// DESIGN.md: reads stay lenient (ParseContainerTag), writes are strict.
func ValidateContainerTag(tag string) bool {
	parts := strings.SplitN(tag, "_", 3)
	if len(parts) != 3 {
		return false
	}
	if parts[0] == "" || parts[2] == "" {
		return false
	}
	switch Scope(parts[1]) {
	case ScopeUser, ScopeProject:
		return true
	default:
		return false
	}
}

// NowMillis returns the current time as a millisecond epoch, the unit used
// throughout Memory's timestamps.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
