package maintenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfredmem/internal/domain"
	"alfredmem/internal/infra/config"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/vecstore"
)

func TestDedupRemovesExactContentDuplicates(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	rec, err := shards.GetWriteShard(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	db, err := conns.Get(rec.DBPath, vecstore.Schema)
	require.NoError(t, err)
	store := vecstore.New(db, 3)

	older := domain.Memory{ID: "m1", Content: "same content", ContainerTag: "opencode_user_abc", CreatedAt: 1000}
	newer := domain.Memory{ID: "m2", Content: "same content", ContainerTag: "opencode_user_abc", CreatedAt: 2000}
	require.NoError(t, store.Insert(ctx, older))
	require.NoError(t, store.Insert(ctx, newer))

	d := NewDedup(shards, conns, 3, config.DedupConfig{NearDupThreshold: 0.95}, nil)
	result, err := d.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ExactDeleted)

	_, err = store.GetByID(ctx, "m1")
	require.NoError(t, err)
	_, err = store.GetByID(ctx, "m2")
	assert.ErrorIs(t, err, domain.ErrStoreNotFound)
}

func TestDedupExactKeepsPinnedRowOverOlder(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	rec, err := shards.GetWriteShard(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	db, err := conns.Get(rec.DBPath, vecstore.Schema)
	require.NoError(t, err)
	store := vecstore.New(db, 3)

	older := domain.Memory{ID: "m1", Content: "same content", ContainerTag: "opencode_user_abc", CreatedAt: 1000}
	pinned := domain.Memory{ID: "m2", Content: "same content", ContainerTag: "opencode_user_abc", CreatedAt: 2000, IsPinned: true}
	require.NoError(t, store.Insert(ctx, older))
	require.NoError(t, store.Insert(ctx, pinned))

	d := NewDedup(shards, conns, 3, config.DedupConfig{NearDupThreshold: 0.95}, nil)
	_, err = d.Run(ctx)
	require.NoError(t, err)

	_, err = store.GetByID(ctx, "m2")
	require.NoError(t, err)
	_, err = store.GetByID(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrStoreNotFound)
}

func TestDedupNearDupGroupsAreProposedNotDeletedWithoutAutoMerge(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	rec, err := shards.GetWriteShard(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	db, err := conns.Get(rec.DBPath, vecstore.Schema)
	require.NoError(t, err)
	store := vecstore.New(db, 3)

	a := domain.Memory{ID: "a", Content: "alpha content", ContainerTag: "opencode_user_abc", Vector: []float32{1, 0, 0}, CreatedAt: 1000}
	b := domain.Memory{ID: "b", Content: "beta content", ContainerTag: "opencode_user_abc", Vector: []float32{0.99, 0.01, 0}, CreatedAt: 2000}
	require.NoError(t, store.Insert(ctx, a))
	require.NoError(t, store.Insert(ctx, b))

	d := NewDedup(shards, conns, 3, config.DedupConfig{NearDupThreshold: 0.95, AutoMerge: false}, nil)
	result, err := d.Run(ctx)
	require.NoError(t, err)

	require.Len(t, result.ProposedGroups, 1)
	assert.Equal(t, "a", result.ProposedGroups[0].Keep)
	assert.Equal(t, []string{"b"}, result.ProposedGroups[0].Duplicates)
	assert.Equal(t, 0, result.NearDeleted)

	_, err = store.GetByID(ctx, "b")
	require.NoError(t, err)
}

func TestDedupNearDupGroupsAreDeletedWithAutoMerge(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })
	shards := newTestShards(t, conns, 1000)
	ctx := context.Background()

	rec, err := shards.GetWriteShard(ctx, domain.ScopeUser, "abc")
	require.NoError(t, err)
	db, err := conns.Get(rec.DBPath, vecstore.Schema)
	require.NoError(t, err)
	store := vecstore.New(db, 3)

	a := domain.Memory{ID: "a", Content: "alpha content", ContainerTag: "opencode_user_abc", Vector: []float32{1, 0, 0}, CreatedAt: 1000}
	b := domain.Memory{ID: "b", Content: "beta content", ContainerTag: "opencode_user_abc", Vector: []float32{0.99, 0.01, 0}, CreatedAt: 2000}
	require.NoError(t, store.Insert(ctx, a))
	require.NoError(t, store.Insert(ctx, b))

	d := NewDedup(shards, conns, 3, config.DedupConfig{NearDupThreshold: 0.95, AutoMerge: true}, nil)
	result, err := d.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.NearDeleted)
	_, err = store.GetByID(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrStoreNotFound)
}
