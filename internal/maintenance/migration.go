package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"alfredmem/internal/domain"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/shard"
	"alfredmem/internal/store/vecstore"
)

// Embedder is the subset of the embedding service the migration pass needs
// to re-embed content under a new model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ShardMismatch describes one shard whose stored embedding configuration
// no longer matches the process's current config.
type ShardMismatch struct {
	ShardID     int64
	Path        string
	StoredDim   int
	StoredModel string
	VectorCount int
}

// DetectResult is the outcome of comparing every shard's shard_metadata
// against the current embedding configuration.
type DetectResult struct {
	NeedsMigration bool
	Mismatched     []ShardMismatch
}

// Strategy selects how RunMigration reconciles mismatched shards.
type Strategy string

const (
	StrategyFreshStart Strategy = "fresh_start"
	StrategyReEmbed    Strategy = "re_embed"
)

// Phase names the progress events RunMigration reports.
type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhaseCleanup   Phase = "cleanup"
	PhaseReEmbed   Phase = "re-embedding"
	PhaseComplete  Phase = "complete"
)

// Event is one progress notification emitted during RunMigration.
type Event struct {
	Phase        Phase
	CurrentShard int64
	Processed    int
	Total        int
}

// Result summarizes one migration run.
type Result struct {
	Strategy       Strategy
	ShardsMigrated int
	RowsReEmbedded int
	RowsFailed     int
}

// Migrator detects and reconciles embedding-configuration drift between
// shards and the process's current model/dimensions.
type Migrator struct {
	shards     *shard.Manager
	conns      *connmgr.Manager
	embed      Embedder
	dimensions int
	model      string
	logger     *slog.Logger
	running    atomic.Bool
}

// NewMigrator builds a migrator bound to the current embedding
// configuration (dimensions, model) that new shards are allocated with.
func NewMigrator(shards *shard.Manager, conns *connmgr.Manager, embed Embedder, dimensions int, model string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{shards: shards, conns: conns, embed: embed, dimensions: dimensions, model: model, logger: logger}
}

// Detect compares every shard's shard_metadata against the migrator's
// current dimensions/model and reports which ones disagree.
func (m *Migrator) Detect(ctx context.Context) (DetectResult, error) {
	recs, err := m.shards.AllShards(ctx)
	if err != nil {
		return DetectResult{}, err
	}

	var result DetectResult
	for _, rec := range recs {
		db, err := m.conns.Get(rec.DBPath, vecstore.Schema)
		if err != nil {
			m.logger.Warn("migration detect: shard unreachable, skipping", "shard_id", rec.ID, "error", err)
			continue
		}

		dimStr, err := vecstore.GetMetadata(ctx, db, "embedding_dimensions")
		if err != nil {
			m.logger.Warn("migration detect: metadata read failed, skipping", "shard_id", rec.ID, "error", err)
			continue
		}
		storedModel, err := vecstore.GetMetadata(ctx, db, "embedding_model")
		if err != nil {
			m.logger.Warn("migration detect: metadata read failed, skipping", "shard_id", rec.ID, "error", err)
			continue
		}
		storedDim, _ := strconv.Atoi(dimStr)

		if storedDim == m.dimensions && storedModel == m.model {
			continue
		}
		result.NeedsMigration = true
		result.Mismatched = append(result.Mismatched, ShardMismatch{
			ShardID:     rec.ID,
			Path:        rec.DBPath,
			StoredDim:   storedDim,
			StoredModel: storedModel,
			VectorCount: rec.VectorCount,
		})
	}
	return result, nil
}

// RunMigration reconciles every mismatched shard per strategy, reporting
// progress through onProgress (may be nil). Only one migration may run at
// a time across the process; concurrent callers get ErrMigrationAlreadyRunning.
func (m *Migrator) RunMigration(ctx context.Context, strategy Strategy, onProgress func(Event)) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, domain.NewSubSystemError("store", "Migrator.RunMigration", domain.ErrMigrationAlreadyRunning, "")
	}
	defer m.running.Store(false)

	report := func(e Event) {
		if onProgress != nil {
			onProgress(e)
		}
	}
	report(Event{Phase: PhasePreparing})

	detected, err := m.Detect(ctx)
	if err != nil {
		return Result{}, err
	}

	var result Result
	result.Strategy = strategy

	switch strategy {
	case StrategyFreshStart:
		report(Event{Phase: PhaseCleanup, Total: len(detected.Mismatched)})
		for i, mm := range detected.Mismatched {
			if err := m.shards.DeleteShard(ctx, mm.ShardID); err != nil {
				m.logger.Warn("migration: fresh_start delete failed", "shard_id", mm.ShardID, "error", err)
				continue
			}
			result.ShardsMigrated++
			report(Event{Phase: PhaseCleanup, Processed: i + 1, Total: len(detected.Mismatched)})
		}

	case StrategyReEmbed:
		// Seal every mismatched shard up front: GetWriteShard must never
		// route a re-embedded row (or a concurrent writer) back into a
		// shard that is about to be drained and deleted.
		for _, mm := range detected.Mismatched {
			if err := m.shards.SealShard(ctx, mm.ShardID); err != nil {
				m.logger.Warn("migration: sealing mismatched shard failed", "shard_id", mm.ShardID, "error", err)
			}
		}
		for _, mm := range detected.Mismatched {
			if err := m.reEmbedShard(ctx, mm, &result, report); err != nil {
				m.logger.Warn("migration: re_embed shard failed", "shard_id", mm.ShardID, "error", err)
				continue
			}
			result.ShardsMigrated++
		}

	default:
		return Result{}, fmt.Errorf("maintenance: unknown migration strategy %q", strategy)
	}

	report(Event{Phase: PhaseComplete})
	return result, nil
}

func (m *Migrator) reEmbedShard(ctx context.Context, mm ShardMismatch, result *Result, report func(Event)) error {
	db, err := m.conns.Get(mm.Path, vecstore.Schema)
	if err != nil {
		return err
	}
	oldStore := vecstore.New(db, mm.StoredDim)

	rows, err := oldStore.ListAll(ctx)
	if err != nil {
		return err
	}
	total := len(rows)

	for i, row := range rows {
		vec, err := m.embed.Embed(ctx, row.Content)
		if err != nil {
			result.RowsFailed++
			m.logger.Warn("migration: re-embed failed for row, skipping", "id", row.ID, "error", err)
			continue
		}
		row.Vector = vec
		row.TagsVector = nil

		_, scope, hash := domain.ParseContainerTag(row.ContainerTag)
		newRec, err := m.shards.GetWriteShard(ctx, scope, hash)
		if err != nil {
			result.RowsFailed++
			continue
		}
		newDB, err := m.conns.Get(newRec.DBPath, vecstore.Schema)
		if err != nil {
			result.RowsFailed++
			continue
		}
		newStore := vecstore.New(newDB, m.dimensions)
		if err := newStore.Insert(ctx, row); err != nil {
			result.RowsFailed++
			m.logger.Warn("migration: insert into new shard failed, skipping row", "id", row.ID, "error", err)
			continue
		}
		if err := m.shards.IncrementVectorCount(ctx, newRec.ID); err != nil {
			m.logger.Warn("migration: vector count update failed", "shard_id", newRec.ID, "error", err)
		}

		result.RowsReEmbedded++
		report(Event{Phase: PhaseReEmbed, CurrentShard: mm.ShardID, Processed: i + 1, Total: total})
	}

	return m.shards.DeleteShard(ctx, mm.ShardID)
}
