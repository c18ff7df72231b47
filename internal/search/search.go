// Package search implements the hybrid semantic+lexical search (C6): fan
// out vector and full-text queries across every relevant shard, fuse the
// two rankings with weighted reciprocal rank, and return a deduplicated,
// threshold-filtered result set.
package search

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"alfredmem/internal/domain"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/shard"
	"alfredmem/internal/store/vecstore"
)

// Embedder is the subset of the embedding service that search needs,
// satisfied by *embedding.Service (via AsProvider) or any domain.EmbeddingProvider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine runs hybrid search across every shard a query touches.
type Engine struct {
	shards *shard.Manager
	conns  *connmgr.Manager
	embed  Embedder
	logger *slog.Logger

	dimensions          int
	vectorWeight        float64
	ftsWeight           float64
	similarityThreshold float64
	defaultLimit        int
}

// Config bundles the tunables Engine needs from the process configuration.
type Config struct {
	Dimensions          int
	VectorWeight        float64
	FTSWeight           float64
	SimilarityThreshold float64
	DefaultLimit        int
}

// New builds a search engine over the given shard manager and connection
// cache, using embed for query embedding.
func New(shards *shard.Manager, conns *connmgr.Manager, embed Embedder, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 20
	}
	return &Engine{
		shards:              shards,
		conns:               conns,
		embed:               embed,
		logger:              logger,
		dimensions:          cfg.Dimensions,
		vectorWeight:        cfg.VectorWeight,
		ftsWeight:           cfg.FTSWeight,
		similarityThreshold: cfg.SimilarityThreshold,
		defaultLimit:        limit,
	}
}

// shardHits is the raw per-shard search output before fusion.
type shardHits struct {
	shard  domain.ShardRecord
	vector []vecstore.VectorHit
	fts    []vecstore.FTSHit
}

// Search resolves the shard set for containerTag (or every shard, if
// empty), fans queries out in parallel, fuses rankings with weighted
// reciprocal rank, filters by similarity threshold, and returns up to k
// results sorted by fused score descending.
//
// A failed query embedding is non-fatal: Search falls back to FTS-only
// ranking across the same shard set rather than failing the request.
func (e *Engine) Search(ctx context.Context, queryText, containerTag string, k int) ([]domain.ScopedResult, error) {
	if k <= 0 {
		k = e.defaultLimit
	}

	shards, err := e.resolveShards(ctx, containerTag)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, nil
	}

	queryVec, err := e.embed.Embed(ctx, queryText)
	if err != nil {
		e.logger.Warn("search: query embedding failed, falling back to lexical-only", "error", err)
		queryVec = nil
	}

	hits := e.fanOut(ctx, shards, queryVec, queryText, containerTag, k)
	fused := fuse(hits, e.vectorWeight, e.ftsWeight)

	out := make([]domain.ScopedResult, 0, len(fused))
	for _, f := range fused {
		if f.score < e.similarityThreshold {
			continue
		}
		out = append(out, domain.ScopedResult{
			Memory:     f.memory,
			Similarity: f.score,
			ShardID:    f.shardID,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Memory.UpdatedAt > out[j].Memory.UpdatedAt
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// resolveShards returns every shard that a query against containerTag must
// touch. An empty containerTag means "search everywhere": every shard in
// both scopes.
func (e *Engine) resolveShards(ctx context.Context, containerTag string) ([]domain.ShardRecord, error) {
	if containerTag == "" {
		return e.shards.AllShards(ctx)
	}
	_, scope, hash := domain.ParseContainerTag(containerTag)
	return e.shards.GetAllShards(ctx, scope, hash)
}

// fanOut runs vector and FTS search against every shard concurrently.
// Per-shard failures are logged and isolated: one bad shard never fails
// the overall request.
func (e *Engine) fanOut(ctx context.Context, shards []domain.ShardRecord, queryVec []float32, queryText, containerTag string, k int) []shardHits {
	results := make([]shardHits, len(shards))
	var wg sync.WaitGroup
	for i, rec := range shards {
		wg.Add(1)
		go func(i int, rec domain.ShardRecord) {
			defer wg.Done()
			results[i] = e.searchShard(ctx, rec, queryVec, queryText, containerTag, k)
		}(i, rec)
	}
	wg.Wait()
	return results
}

func (e *Engine) searchShard(ctx context.Context, rec domain.ShardRecord, queryVec []float32, queryText, containerTag string, k int) shardHits {
	out := shardHits{shard: rec}

	db, err := e.conns.Get(rec.DBPath, vecstore.Schema)
	if err != nil {
		e.logger.Warn("search: shard unreachable, skipping", "shard_id", rec.ID, "error", err)
		return out
	}
	store := vecstore.New(db, e.dimensions)

	if len(queryVec) > 0 {
		vh, err := store.VectorSearch(ctx, queryVec, containerTag, k)
		if err != nil {
			e.logger.Warn("search: vector search failed for shard", "shard_id", rec.ID, "error", err)
		} else {
			out.vector = vh
		}
	}

	fh, err := store.FTSSearch(ctx, queryText, containerTag, k)
	if err != nil {
		e.logger.Warn("search: fts search failed for shard", "shard_id", rec.ID, "error", err)
	} else {
		out.fts = fh
	}

	return out
}

// fused is one candidate's merged score across the vector and FTS rankings
// of every shard it was hit in, keyed by memory ID.
type fused struct {
	id      string
	memory  domain.Memory
	score   float64
	shardID int64
}

// fuse merges each shard's vector and FTS hit lists with weighted
// reciprocal rank (w / (rank+1), rank 0-based) and deduplicates by memory
// ID across every shard. When an ID appears in both lists for the same
// shard, the representative row kept is the one with the higher raw
// vector similarity.
func fuse(hits []shardHits, vectorWeight, ftsWeight float64) []fused {
	byID := make(map[string]*fused)

	for _, sh := range hits {
		bestVectorSim := make(map[string]float64)

		for rank, h := range sh.vector {
			contribution := vectorWeight / float64(rank+1)
			f, ok := byID[h.Memory.ID]
			if !ok {
				f = &fused{id: h.Memory.ID, memory: h.Memory, shardID: sh.shard.ID}
				byID[h.Memory.ID] = f
			}
			f.score += contribution
			bestVectorSim[h.Memory.ID] = h.Similarity
		}

		for rank, h := range sh.fts {
			contribution := ftsWeight / float64(rank+1)
			f, ok := byID[h.Memory.ID]
			if !ok {
				f = &fused{id: h.Memory.ID, memory: h.Memory, shardID: sh.shard.ID}
				byID[h.Memory.ID] = f
			}
			f.score += contribution
			// Prefer the vector-search row as the representative when the
			// id was hit by both lists in this shard: it carries the raw
			// similarity, which the FTS row's scan does not.
			if _, hitByVector := bestVectorSim[h.Memory.ID]; !hitByVector {
				f.memory = h.Memory
			}
		}
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	return out
}
