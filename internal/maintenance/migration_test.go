package maintenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfredmem/internal/domain"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/vecstore"
)

type stubEmbedder struct {
	dims int
	fail bool
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.fail {
		return nil, assert.AnError
	}
	vec := make([]float32, s.dims)
	vec[0] = 1
	return vec, nil
}

func TestDetectFindsShardsWithStaleDimensions(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	rec, err := shards.GetWriteShard(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	db, err := conns.Get(rec.DBPath, vecstore.Schema)
	require.NoError(t, err)
	require.NoError(t, vecstore.SetMetadata(ctx, db, "embedding_dimensions", "3"))
	require.NoError(t, vecstore.SetMetadata(ctx, db, "embedding_model", "local-minilm"))

	m := NewMigrator(shards, conns, &stubEmbedder{dims: 4}, 4, "local-minilm-v2", nil)
	result, err := m.Detect(ctx)
	require.NoError(t, err)

	assert.True(t, result.NeedsMigration)
	require.Len(t, result.Mismatched, 1)
	assert.Equal(t, rec.ID, result.Mismatched[0].ShardID)
	assert.Equal(t, 3, result.Mismatched[0].StoredDim)
}

func TestDetectReportsNoMismatchWhenConfigMatches(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	rec, err := shards.GetWriteShard(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	db, err := conns.Get(rec.DBPath, vecstore.Schema)
	require.NoError(t, err)
	require.NoError(t, vecstore.SetMetadata(ctx, db, "embedding_dimensions", "3"))
	require.NoError(t, vecstore.SetMetadata(ctx, db, "embedding_model", "local-minilm"))

	m := NewMigrator(shards, conns, &stubEmbedder{dims: 3}, 3, "local-minilm", nil)
	result, err := m.Detect(ctx)
	require.NoError(t, err)

	assert.False(t, result.NeedsMigration)
	assert.Empty(t, result.Mismatched)
}

func TestRunMigrationFreshStartDeletesMismatchedShards(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	rec, err := shards.GetWriteShard(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	db, err := conns.Get(rec.DBPath, vecstore.Schema)
	require.NoError(t, err)
	require.NoError(t, vecstore.SetMetadata(ctx, db, "embedding_dimensions", "3"))
	require.NoError(t, vecstore.SetMetadata(ctx, db, "embedding_model", "local-minilm"))

	m := NewMigrator(shards, conns, &stubEmbedder{dims: 4}, 4, "local-minilm-v2", nil)
	result, err := m.RunMigration(ctx, StrategyFreshStart, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ShardsMigrated)

	remaining, err := shards.GetAllShards(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	assert.Len(t, remaining, 0)
}

func TestRunMigrationReEmbedMovesRowsToNewShard(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	rec, err := shards.GetWriteShard(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	oldDB, err := conns.Get(rec.DBPath, vecstore.Schema)
	require.NoError(t, err)
	require.NoError(t, vecstore.SetMetadata(ctx, oldDB, "embedding_dimensions", "3"))
	require.NoError(t, vecstore.SetMetadata(ctx, oldDB, "embedding_model", "local-minilm"))

	oldStore := vecstore.New(oldDB, 3)
	require.NoError(t, oldStore.Insert(ctx, domain.Memory{
		ID: "m1", Content: "hello world", ContainerTag: "opencode_user_abc", Vector: []float32{1, 0, 0},
	}))
	require.NoError(t, shards.IncrementVectorCount(ctx, rec.ID))

	m := NewMigrator(shards, conns, &stubEmbedder{dims: 4}, 4, "local-minilm-v2", nil)

	var events []Event
	result, err := m.RunMigration(ctx, StrategyReEmbed, func(e Event) { events = append(events, e) })
	require.NoError(t, err)

	assert.Equal(t, 1, result.ShardsMigrated)
	assert.Equal(t, 1, result.RowsReEmbedded)
	assert.Equal(t, 0, result.RowsFailed)
	assert.NotEmpty(t, events)
	assert.Equal(t, PhaseComplete, events[len(events)-1].Phase)

	newRecs, err := shards.GetAllShards(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	require.Len(t, newRecs, 1)
	assert.NotEqual(t, rec.ID, newRecs[0].ID)

	newDB, err := conns.Get(newRecs[0].DBPath, vecstore.Schema)
	require.NoError(t, err)
	newStore := vecstore.New(newDB, 4)
	got, err := newStore.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, got.Vector, 4)
}

func TestRunMigrationRejectsConcurrentRuns(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	m := NewMigrator(shards, conns, &stubEmbedder{dims: 4}, 4, "local-minilm-v2", nil)
	m.running.Store(true)

	_, err := m.RunMigration(ctx, StrategyFreshStart, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMigrationAlreadyRunning)
}
