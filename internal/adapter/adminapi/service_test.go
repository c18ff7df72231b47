package adminapi

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfredmem/internal/infra/config"
	"alfredmem/internal/maintenance"
	"alfredmem/internal/search"
	"alfredmem/internal/store/auxiliary"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/shard"
)

const testDims = 8

// stubEmbedder produces a deterministic (not unit-normalized) vector from
// the text's length so hybrid search has something non-trivial to rank
// against.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDims)
	for i := range vec {
		vec[i] = float32((len(text)+i)%7) / 7.0
	}
	return vec, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })

	shards, err := shard.NewManager(conns, filepath.Join(dir, "registry.db"), filepath.Join(dir, "shards"), 1000, testDims, "test-model")
	require.NoError(t, err)

	embed := stubEmbedder{}
	searchEngine := search.New(shards, conns, embed, search.Config{
		Dimensions: testDims, VectorWeight: 0.6, FTSWeight: 0.4, SimilarityThreshold: 0, DefaultLimit: 20,
	}, nil)

	retention := maintenance.NewRetention(shards, conns, testDims, config.RetentionConfig{RetentionDays: 365, MaxMemoriesPerScope: 10000}, nil)
	dedup := maintenance.NewDedup(shards, conns, testDims, config.DedupConfig{NearDupThreshold: 0.95, AutoMerge: false, BatchSize: 100}, nil)
	migrator := maintenance.NewMigrator(shards, conns, embed, testDims, "test-model", nil)

	promptsDB, err := conns.Get(filepath.Join(dir, "prompts.db"), auxiliary.PromptsSchema)
	require.NoError(t, err)
	prompts := auxiliary.NewPrompts(promptsDB)

	return New(shards, conns, embed, searchEngine, retention, dedup, migrator, prompts, testDims, nil)
}

func TestAddMemoryThenListAndSearch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.AddMemory(ctx, AddMemoryRequest{
		Content:      "remember to use structured logging",
		ContainerTag: "mem_user_abc123",
		Type:         "fact",
		Tags:         []string{"logging"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	listed, err := svc.ListMemories(ctx, "mem_user_abc123", 1, 10, false)
	require.NoError(t, err)
	require.Len(t, listed.Items, 1)
	assert.Equal(t, id, listed.Items[0].ID)

	results, err := svc.Search(ctx, "structured logging", "", 1, 10)
	require.NoError(t, err)
	require.Len(t, results.Items, 1)
	assert.Equal(t, id, results.Items[0].Memory.ID)
}

func TestAddMemoryRejectsMalformedContainerTag(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.AddMemory(context.Background(), AddMemoryRequest{
		Content:      "x",
		ContainerTag: "not-a-valid-tag",
	})
	require.Error(t, err)
}

func TestUpdateMemoryPreservesIDAndCreatedAt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.AddMemory(ctx, AddMemoryRequest{Content: "old content", ContainerTag: "mem_user_abc123"})
	require.NoError(t, err)

	_, _, before, err := svc.findByID(ctx, id)
	require.NoError(t, err)

	newContent := "new content"
	err = svc.UpdateMemory(ctx, id, UpdateMemoryRequest{Content: &newContent})
	require.NoError(t, err)

	_, _, after, err := svc.findByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.Equal(t, newContent, after.Content)
	assert.Greater(t, after.UpdatedAt, before.UpdatedAt)
}

func TestDeleteMemoryCascadesPrompts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.AddMemory(ctx, AddMemoryRequest{Content: "x", ContainerTag: "mem_user_abc123"})
	require.NoError(t, err)
	require.NoError(t, svc.prompts.Save(ctx, auxiliary.Prompt{ID: "p1", Content: "q", MemoryID: id, CreatedAt: 1}))

	require.NoError(t, svc.DeleteMemory(ctx, id, true))

	_, _, _, err = svc.findByID(ctx, id)
	require.Error(t, err)

	byMemory, err := svc.prompts.ListForMemories(ctx, []string{id})
	require.NoError(t, err)
	assert.Empty(t, byMemory[id])
}

func TestPinUnpin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.AddMemory(ctx, AddMemoryRequest{Content: "x", ContainerTag: "mem_user_abc123"})
	require.NoError(t, err)

	require.NoError(t, svc.Pin(ctx, id))
	_, _, m, err := svc.findByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.IsPinned)

	require.NoError(t, svc.Unpin(ctx, id))
	_, _, m, err = svc.findByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, m.IsPinned)
}

func TestStatsCountsByScopeAndType(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddMemory(ctx, AddMemoryRequest{Content: "a", ContainerTag: "mem_user_abc123", Type: "fact"})
	require.NoError(t, err)
	_, err = svc.AddMemory(ctx, AddMemoryRequest{Content: "b", ContainerTag: "proj_project_def456", Type: "decision"})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalUser)
	assert.Equal(t, 1, stats.TotalProject)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByType["fact"])
	assert.Equal(t, 1, stats.ByType["decision"])
}

func TestBulkDeleteSkipsUnknownIDs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.AddMemory(ctx, AddMemoryRequest{Content: "x", ContainerTag: "mem_user_abc123"})
	require.NoError(t, err)

	deleted, err := svc.BulkDelete(ctx, []string{id, "mem_does_not_exist"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
