package maintenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"

	"alfredmem/internal/domain"
	"alfredmem/internal/infra/config"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/shard"
	"alfredmem/internal/store/vecstore"
)

// ProposedGroup is a candidate near-duplicate cluster surfaced by the
// dedup pass: Keep is the row the tie-break rule would retain, Duplicates
// the rest.
type ProposedGroup struct {
	ContainerTag string
	Keep         string
	Duplicates   []string
	Similarity   float64
}

// DedupResult summarizes one deduplication pass across every shard.
type DedupResult struct {
	ExactDeleted   int
	NearDeleted    int
	Repaired       int // rows whose memories.vector / vec_memories pair was rewritten
	ProposedGroups []ProposedGroup
}

// Dedup runs the exact and near-duplicate passes described in §4.8.
type Dedup struct {
	shards *shard.Manager
	conns  *connmgr.Manager
	dims   int
	cfg    config.DedupConfig
	logger *slog.Logger
}

// NewDedup builds a deduplication pass over every shard shards tracks.
func NewDedup(shards *shard.Manager, conns *connmgr.Manager, dims int, cfg config.DedupConfig, logger *slog.Logger) *Dedup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dedup{shards: shards, conns: conns, dims: dims, cfg: cfg, logger: logger}
}

// Run performs, per shard: an exact pass (group by sha256(content), keep
// the pinned-or-oldest row, delete the rest) followed by a near-duplicate
// pass over the exact pass's survivors (cosine similarity >=
// NearDupThreshold within the same container tag). Near-duplicate groups
// are always reported; they are only deleted when AutoMerge is set.
func (d *Dedup) Run(ctx context.Context) (DedupResult, error) {
	recs, err := d.shards.AllShards(ctx)
	if err != nil {
		return DedupResult{}, err
	}

	var result DedupResult
	for _, rec := range recs {
		if err := d.runShard(ctx, rec, &result); err != nil {
			d.logger.Warn("dedup: shard pass failed, skipping", "shard_id", rec.ID, "error", err)
		}
	}
	return result, nil
}

func (d *Dedup) runShard(ctx context.Context, rec domain.ShardRecord, result *DedupResult) error {
	db, err := d.conns.Get(rec.DBPath, vecstore.Schema)
	if err != nil {
		return err
	}
	store := vecstore.New(db, d.dims)

	// Repair any row whose memories.vector and vec_memories.embedding
	// disagree before comparing vectors: the near-duplicate pass must see
	// the same vector the search path sees.
	repaired, err := store.RepairVectorColumns(ctx)
	if err != nil {
		d.logger.Warn("dedup: vector column repair failed, continuing", "shard_id", rec.ID, "error", err)
	} else if repaired > 0 {
		d.logger.Info("dedup: repaired inconsistent vector rows", "shard_id", rec.ID, "repaired", repaired)
		result.Repaired += repaired
	}

	all, err := store.ListAll(ctx)
	if err != nil {
		return err
	}

	byHash := make(map[string][]domain.Memory)
	for _, m := range all {
		key := m.ContainerTag + "|" + contentHash(m.Content)
		byHash[key] = append(byHash[key], m)
	}

	var toDeleteExact []string
	survivors := make([]domain.Memory, 0, len(all))
	for _, group := range byHash {
		if len(group) < 2 {
			survivors = append(survivors, group[0])
			continue
		}
		keep := pickKeep(group)
		survivors = append(survivors, keep)
		for _, m := range group {
			if m.ID != keep.ID {
				toDeleteExact = append(toDeleteExact, m.ID)
			}
		}
	}
	if len(toDeleteExact) > 0 {
		if err := store.DeleteBatch(ctx, toDeleteExact); err != nil {
			return err
		}
		if err := d.shards.DecrementVectorCountBy(ctx, rec.ID, len(toDeleteExact)); err != nil {
			d.logger.Warn("dedup: vector count update failed", "shard_id", rec.ID, "error", err)
		}
		result.ExactDeleted += len(toDeleteExact)
	}

	byTag := make(map[string][]domain.Memory)
	for _, m := range survivors {
		if len(m.Vector) == 0 {
			continue
		}
		byTag[m.ContainerTag] = append(byTag[m.ContainerTag], m)
	}

	var toDeleteNear []string
	for tag, rows := range byTag {
		for _, g := range nearDupGroups(rows, d.cfg.NearDupThreshold) {
			keep := pickKeep(g.members)
			var dupIDs []string
			for _, m := range g.members {
				if m.ID != keep.ID {
					dupIDs = append(dupIDs, m.ID)
				}
			}
			result.ProposedGroups = append(result.ProposedGroups, ProposedGroup{
				ContainerTag: tag,
				Keep:         keep.ID,
				Duplicates:   dupIDs,
				Similarity:   g.similarity,
			})
			if d.cfg.AutoMerge {
				toDeleteNear = append(toDeleteNear, dupIDs...)
			}
		}
	}
	if len(toDeleteNear) > 0 {
		if err := store.DeleteBatch(ctx, toDeleteNear); err != nil {
			return err
		}
		if err := d.shards.DecrementVectorCountBy(ctx, rec.ID, len(toDeleteNear)); err != nil {
			d.logger.Warn("dedup: vector count update failed", "shard_id", rec.ID, "error", err)
		}
		result.NearDeleted += len(toDeleteNear)
	}
	return nil
}

// pickKeep applies the tie-break rule shared by both dedup passes: the
// pinned row wins if any is pinned, otherwise the oldest by CreatedAt.
func pickKeep(group []domain.Memory) domain.Memory {
	keep := group[0]
	for _, m := range group[1:] {
		if m.IsPinned && !keep.IsPinned {
			keep = m
			continue
		}
		if keep.IsPinned {
			continue
		}
		if m.CreatedAt < keep.CreatedAt {
			keep = m
		}
	}
	return keep
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type candidateGroup struct {
	members    []domain.Memory
	similarity float64
}

// nearDupGroups greedily clusters rows: each unassigned row seeds a group
// and collects every later unassigned row whose cosine similarity to the
// seed is at or above threshold (members are not compared with each
// other). It is O(n^2) in the tag's row count and runs over every row of
// the tag at once.
func nearDupGroups(rows []domain.Memory, threshold float64) []candidateGroup {
	assigned := make([]bool, len(rows))
	var groups []candidateGroup

	for i := range rows {
		if assigned[i] {
			continue
		}
		group := candidateGroup{members: []domain.Memory{rows[i]}}
		assigned[i] = true
		for j := i + 1; j < len(rows); j++ {
			if assigned[j] {
				continue
			}
			sim := cosine(rows[i].Vector, rows[j].Vector)
			if sim >= threshold {
				group.members = append(group.members, rows[j])
				assigned[j] = true
				if sim > group.similarity {
					group.similarity = sim
				}
			}
		}
		if len(group.members) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
