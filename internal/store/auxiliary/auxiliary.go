// Package auxiliary declares the idempotent schemas for the three
// auxiliary databases named in §3/§6 -- user_prompts, user_profiles,
// ai_sessions -- which live outside the search engine proper but share its
// Connection Manager. Per §3.1's supplement, a minimal prompts table is
// also given enough of a query surface (Save/ListForMemories) to let
// list_memories(include_prompts=true) interleave real rows rather than a
// stub.
package auxiliary

import (
	"context"
	"database/sql"

	"github.com/oklog/ulid/v2"

	"alfredmem/internal/domain"
)

// PromptsSchema creates the user_prompts.db schema.
func PromptsSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS prompts (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			memory_id  TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_prompts_memory_id ON prompts(memory_id);
	`)
	return err
}

// ProfilesSchema creates the user_profiles.db schema.
func ProfilesSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT,
			data         TEXT NOT NULL DEFAULT '{}',
			updated_at   INTEGER NOT NULL
		);
	`)
	return err
}

// SessionsSchema creates the ai_sessions.db schema.
func SessionsSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			ended_at   INTEGER
		);
	`)
	return err
}

// Prompt is one row of the user_prompts.db prompts table.
type Prompt struct {
	ID        string
	Content   string
	MemoryID  string
	CreatedAt int64
}

// Prompts is the minimal query surface over an already-opened, already
// schema'd prompts database -- enough for the admin API's
// list_memories(include_prompts=true) interleave (§9's ordering note) and
// delete_memory(cascade=true)'s linked-prompt drop.
type Prompts struct {
	db *sql.DB
}

// NewPrompts wraps db (opened via connmgr.Get(path, PromptsSchema)).
func NewPrompts(db *sql.DB) *Prompts { return &Prompts{db: db} }

// Save inserts or replaces a prompt row.
func (p *Prompts) Save(ctx context.Context, pr Prompt) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO prompts (id, content, memory_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, memory_id = excluded.memory_id`,
		pr.ID, pr.Content, pr.MemoryID, pr.CreatedAt)
	if err != nil {
		return domain.NewSubSystemError("auxiliary", "Prompts.Save", domain.ErrStoreIO, err.Error())
	}
	return nil
}

// ListForMemories returns every prompt linked to one of memoryIDs, keyed by
// memory_id, for the admin API's list_memories interleave.
func (p *Prompts) ListForMemories(ctx context.Context, memoryIDs []string) (map[string][]Prompt, error) {
	out := make(map[string][]Prompt)
	if len(memoryIDs) == 0 {
		return out, nil
	}

	placeholders := make([]byte, 0, len(memoryIDs)*2)
	args := make([]any, 0, len(memoryIDs))
	for i, id := range memoryIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, content, memory_id, created_at FROM prompts WHERE memory_id IN (`+string(placeholders)+`)`,
		args...)
	if err != nil {
		return nil, domain.NewSubSystemError("auxiliary", "Prompts.ListForMemories", domain.ErrStoreIO, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var pr Prompt
		if err := rows.Scan(&pr.ID, &pr.Content, &pr.MemoryID, &pr.CreatedAt); err != nil {
			continue
		}
		out[pr.MemoryID] = append(out[pr.MemoryID], pr)
	}
	return out, rows.Err()
}

// DeleteForMemory removes every prompt linked to memoryID (the "cascade"
// half of delete_memory(id, cascade=true)).
func (p *Prompts) DeleteForMemory(ctx context.Context, memoryID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM prompts WHERE memory_id = ?`, memoryID)
	if err != nil {
		return domain.NewSubSystemError("auxiliary", "Prompts.DeleteForMemory", domain.ErrStoreIO, err.Error())
	}
	return nil
}

// Sessions is the minimal query surface over an already-opened, already
// schema'd ai_sessions database. It records the lifetime of each process
// that holds the web lock's owner role (§4.11), giving the auxiliary
// ai_sessions table a real writer instead of a dangling schema.
type Sessions struct {
	db *sql.DB
}

// NewSessions wraps db (opened via connmgr.Get(path, SessionsSchema)).
func NewSessions(db *sql.DB) *Sessions { return &Sessions{db: db} }

// Start opens a new session row and returns a context carrying its ID via
// domain.ContextWithSessionID, so downstream logging/handlers can recover
// it with domain.SessionIDFromContext without threading it through every
// call signature.
func (s *Sessions) Start(ctx context.Context, startedAtMillis int64) (context.Context, string, error) {
	id := ulid.Make().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, ended_at) VALUES (?, ?, NULL)`, id, startedAtMillis); err != nil {
		return ctx, "", domain.NewSubSystemError("auxiliary", "Sessions.Start", domain.ErrStoreIO, err.Error())
	}
	return domain.ContextWithSessionID(ctx, id), id, nil
}

// End closes the session started by Start, preferring the ID embedded in
// ctx (via domain.SessionIDFromContext) when id is left empty.
func (s *Sessions) End(ctx context.Context, id string, endedAtMillis int64) error {
	if id == "" {
		id = domain.SessionIDFromContext(ctx)
	}
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, endedAtMillis, id)
	if err != nil {
		return domain.NewSubSystemError("auxiliary", "Sessions.End", domain.ErrStoreIO, err.Error())
	}
	return nil
}
