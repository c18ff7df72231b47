// Package maintenance implements the background jobs that keep the store
// bounded and consistent over time: retention/cleanup (C7), deduplication
// (C8), migration between embedding configurations (C9), and the cron
// scheduler that drives all three from the process holding the web lock.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"alfredmem/internal/domain"
	"alfredmem/internal/infra/config"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/shard"
	"alfredmem/internal/store/vecstore"
)

// RetentionResult summarizes one cleanup pass across every shard.
type RetentionResult struct {
	Deleted           int
	UserCountAfter    int
	ProjectCountAfter int
}

// Retention evicts unpinned memories past their age limit or beyond the
// per-scope cap, one shard at a time.
type Retention struct {
	shards *shard.Manager
	conns  *connmgr.Manager
	dims   int
	cfg    config.RetentionConfig
	logger *slog.Logger
}

// NewRetention builds a retention pass over every shard shards tracks.
func NewRetention(shards *shard.Manager, conns *connmgr.Manager, dims int, cfg config.RetentionConfig, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{shards: shards, conns: conns, dims: dims, cfg: cfg, logger: logger}
}

// Run deletes, per container tag within each shard, unpinned rows older
// than RetentionDays, then trims the oldest unpinned survivors until the
// tag is at or under MaxMemoriesPerScope. A shard that cannot be opened is
// logged and skipped rather than failing the whole pass.
func (r *Retention) Run(ctx context.Context) (RetentionResult, error) {
	recs, err := r.shards.AllShards(ctx)
	if err != nil {
		return RetentionResult{}, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.RetentionDays).UnixMilli()
	var result RetentionResult

	for _, rec := range recs {
		deleted, count, err := r.runShard(ctx, rec, cutoff)
		if err != nil {
			r.logger.Warn("retention: shard pass failed, skipping", "shard_id", rec.ID, "error", err)
			continue
		}
		result.Deleted += deleted
		switch rec.Scope {
		case domain.ScopeUser:
			result.UserCountAfter += count
		case domain.ScopeProject:
			result.ProjectCountAfter += count
		}
	}
	return result, nil
}

func (r *Retention) runShard(ctx context.Context, rec domain.ShardRecord, cutoff int64) (deleted, countAfter int, err error) {
	db, err := r.conns.Get(rec.DBPath, vecstore.Schema)
	if err != nil {
		return 0, 0, err
	}
	store := vecstore.New(db, r.dims)

	tags, err := store.DistinctTags(ctx)
	if err != nil {
		return 0, 0, err
	}

	var toDelete []string
	for _, tag := range tags {
		rows, err := store.ListByContainerTag(ctx, tag)
		if err != nil {
			r.logger.Warn("retention: listing tag failed, skipping tag", "shard_id", rec.ID, "tag", tag, "error", err)
			continue
		}

		var survivors []domain.Memory
		for _, m := range rows {
			if !m.IsPinned && m.CreatedAt < cutoff {
				toDelete = append(toDelete, m.ID)
				continue
			}
			survivors = append(survivors, m)
		}

		if r.cfg.MaxMemoriesPerScope > 0 && len(survivors) > r.cfg.MaxMemoriesPerScope {
			var unpinned []domain.Memory
			for _, m := range survivors {
				if !m.IsPinned {
					unpinned = append(unpinned, m)
				}
			}
			needed := len(survivors) - r.cfg.MaxMemoriesPerScope
			if needed > len(unpinned) {
				needed = len(unpinned)
			}
			for i := 0; i < needed; i++ {
				toDelete = append(toDelete, unpinned[i].ID)
			}
		}
	}

	if len(toDelete) > 0 {
		if err := store.DeleteBatch(ctx, toDelete); err != nil {
			return 0, 0, err
		}
		if err := r.shards.DecrementVectorCountBy(ctx, rec.ID, len(toDelete)); err != nil {
			r.logger.Warn("retention: vector count update failed", "shard_id", rec.ID, "error", err)
		}
	}

	count, err := store.Count(ctx)
	if err != nil {
		return len(toDelete), 0, err
	}
	return len(toDelete), count, nil
}
