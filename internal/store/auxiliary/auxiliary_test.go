package auxiliary

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfredmem/internal/domain"
	"alfredmem/internal/store/connmgr"
)

func TestPromptsSaveAndListForMemories(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })

	db, err := conns.Get(filepath.Join(t.TempDir(), "user-prompts.db"), PromptsSchema)
	require.NoError(t, err)
	prompts := NewPrompts(db)

	ctx := context.Background()
	require.NoError(t, prompts.Save(ctx, Prompt{ID: "p1", Content: "what's the style guide?", MemoryID: "mem_1", CreatedAt: 100}))
	require.NoError(t, prompts.Save(ctx, Prompt{ID: "p2", Content: "unrelated", MemoryID: "mem_2", CreatedAt: 200}))

	byMemory, err := prompts.ListForMemories(ctx, []string{"mem_1"})
	require.NoError(t, err)
	require.Len(t, byMemory["mem_1"], 1)
	assert.Equal(t, "p1", byMemory["mem_1"][0].ID)
	assert.Empty(t, byMemory["mem_2"])
}

func TestPromptsDeleteForMemory(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })

	db, err := conns.Get(filepath.Join(t.TempDir(), "user-prompts.db"), PromptsSchema)
	require.NoError(t, err)
	prompts := NewPrompts(db)

	ctx := context.Background()
	require.NoError(t, prompts.Save(ctx, Prompt{ID: "p1", Content: "x", MemoryID: "mem_1", CreatedAt: 100}))
	require.NoError(t, prompts.DeleteForMemory(ctx, "mem_1"))

	byMemory, err := prompts.ListForMemories(ctx, []string{"mem_1"})
	require.NoError(t, err)
	assert.Empty(t, byMemory["mem_1"])
}

func TestProfilesAndSessionsSchemaIdempotent(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })

	_, err := conns.Get(filepath.Join(t.TempDir(), "user-profiles.db"), ProfilesSchema)
	require.NoError(t, err)
	_, err = conns.Get(filepath.Join(t.TempDir(), "ai-sessions.db"), SessionsSchema)
	require.NoError(t, err)
}

func TestSessionsStartRecordsContextAndEndClosesByContextID(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })

	db, err := conns.Get(filepath.Join(t.TempDir(), "ai-sessions.db"), SessionsSchema)
	require.NoError(t, err)
	sessions := NewSessions(db)

	ctx, id, err := sessions.Start(context.Background(), 1000)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, id, domain.SessionIDFromContext(ctx))

	var endedAt *int64
	require.NoError(t, db.QueryRow(`SELECT ended_at FROM sessions WHERE id = ?`, id).Scan(&endedAt))
	assert.Nil(t, endedAt)

	require.NoError(t, sessions.End(ctx, "", 2000))
	require.NoError(t, db.QueryRow(`SELECT ended_at FROM sessions WHERE id = ?`, id).Scan(&endedAt))
	require.NotNil(t, endedAt)
	assert.Equal(t, int64(2000), *endedAt)
}

func TestSessionsEndNoopWhenNoIDAvailable(t *testing.T) {
	conns := connmgr.New()
	t.Cleanup(func() { conns.CloseAll() })

	db, err := conns.Get(filepath.Join(t.TempDir(), "ai-sessions.db"), SessionsSchema)
	require.NoError(t, err)
	sessions := NewSessions(db)

	assert.NoError(t, sessions.End(context.Background(), "", 2000))
}
