// Package vecstore implements the per-shard vector store (C5): the
// memories/vec_memories/vec_tags/memories_fts schema and the CRUD, pin,
// and brute-force vector/FTS search operations scoped to one shard
// database.
package vecstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"alfredmem/internal/domain"
)

// Store implements the per-shard memory operations of §4.5 against one
// already-opened, already-schema'd *sql.DB (see connmgr.Get).
type Store struct {
	db         *sql.DB
	dimensions int
	vecIdx     *vecIndex
}

// New wraps db (already opened and migrated by the connection manager) as
// a per-shard vector store producing/consuming vectors of length dimensions.
// Store values are cheap to construct: the in-memory vector index is shared
// per handle (see indexFor), not per Store.
func New(db *sql.DB, dimensions int) *Store {
	return &Store{db: db, dimensions: dimensions, vecIdx: indexFor(db)}
}

// VectorHit is one result of VectorSearch: a memory row plus its cosine
// similarity in [0,1].
type VectorHit struct {
	Memory     domain.Memory
	Similarity float64
}

// FTSHit is one result of FTSSearch: a memory row plus its FTS5 bm25 rank
// (lower is a better match; exposed for callers that want the raw score).
type FTSHit struct {
	Memory domain.Memory
	Rank   float64
}

// Insert writes record's row and both embedding side-tables atomically.
// Fails with ErrStoreIDExists on a primary-key collision and
// ErrStoreDimensionMismatch if the content vector's length isn't D.
func (s *Store) Insert(ctx context.Context, m domain.Memory) error {
	if len(m.Vector) != 0 && len(m.Vector) != s.dimensions {
		return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreDimensionMismatch,
			fmt.Sprintf("got %d dims, want %d", len(m.Vector), s.dimensions))
	}

	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreIO, "marshal tags: "+err.Error())
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreIO, "marshal metadata: "+err.Error())
	}

	now := time.Now().UTC().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreIO, err.Error())
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (
			id, content, container_tag, type, tags, created_at, updated_at, metadata,
			display_name, user_name, user_email, project_path, project_name, git_repo_url,
			is_pinned, vector, tags_vector
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Content, m.ContainerTag, string(m.Type), string(tagsJSON), m.CreatedAt, m.UpdatedAt, string(metaJSON),
		m.DisplayName, m.UserName, m.UserEmail, m.ProjectPath, m.ProjectName, m.GitRepoURL,
		boolToInt(m.IsPinned), float32ToBytes(m.Vector), float32ToBytes(m.TagsVector),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreIDExists, m.ID)
		}
		return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreIO, err.Error())
	}

	if len(m.Vector) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vec_memories (memory_id, embedding) VALUES (?, ?)`,
			m.ID, float32ToBytes(m.Vector)); err != nil {
			return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreIO, "vec_memories: "+err.Error())
		}
	}
	if len(m.TagsVector) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vec_tags (memory_id, embedding) VALUES (?, ?)`,
			m.ID, float32ToBytes(m.TagsVector)); err != nil {
			return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreIO, "vec_tags: "+err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewSubSystemError("store", "Store.Insert", domain.ErrStoreIO, err.Error())
	}

	if len(m.Vector) > 0 {
		s.vecIdx.put(m.ID, m.ContainerTag, m.Vector)
	}
	return nil
}

const selectColumns = `id, content, container_tag, type, tags, created_at, updated_at, metadata,
	display_name, user_name, user_email, project_path, project_name, git_repo_url, is_pinned, vector, tags_vector`

const selectColumnsM = `m.id, m.content, m.container_tag, m.type, m.tags, m.created_at, m.updated_at, m.metadata,
	m.display_name, m.user_name, m.user_email, m.project_path, m.project_name, m.git_repo_url, m.is_pinned, m.vector, m.tags_vector`

// GetByID returns the memory with id, or ErrStoreNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*domain.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("store", "Store.GetByID", domain.ErrStoreNotFound, id)
	}
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.GetByID", domain.ErrStoreCorrupt, err.Error())
	}
	return &m, nil
}

// List returns up to limit memories for containerTag, newest first.
func (s *Store) List(ctx context.Context, containerTag string, limit int) ([]domain.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM memories WHERE container_tag = ? ORDER BY created_at DESC LIMIT ?`,
		containerTag, limit)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.List", domain.ErrStoreIO, err.Error())
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListAll returns every memory in the shard, newest first.
func (s *Store) ListAll(ctx context.Context) ([]domain.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM memories ORDER BY created_at DESC`)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.ListAll", domain.ErrStoreIO, err.Error())
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListByContainerTag returns every memory for containerTag, oldest first.
// Unlike List it is unpaged: the retention and deduplication maintenance
// passes need the full set for a tag, not a page of it.
func (s *Store) ListByContainerTag(ctx context.Context, containerTag string) ([]domain.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM memories WHERE container_tag = ? ORDER BY created_at ASC`,
		containerTag)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.ListByContainerTag", domain.ErrStoreIO, err.Error())
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Count returns the total number of memories in the shard.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, domain.NewSubSystemError("store", "Store.Count", domain.ErrStoreIO, err.Error())
	}
	return n, nil
}

// DeleteBatch removes every id in ids from all four sub-tables as one
// transaction, so a crash mid-pass never leaves a shard half-pruned. Used by
// the retention and deduplication maintenance passes, which compute the
// delete set in application code but need the removal itself to be atomic.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewSubSystemError("store", "Store.DeleteBatch", domain.ErrStoreIO, err.Error())
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
			return domain.NewSubSystemError("store", "Store.DeleteBatch", domain.ErrStoreIO, err.Error())
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_memories WHERE memory_id = ?`, id); err != nil {
			return domain.NewSubSystemError("store", "Store.DeleteBatch", domain.ErrStoreIO, err.Error())
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_tags WHERE memory_id = ?`, id); err != nil {
			return domain.NewSubSystemError("store", "Store.DeleteBatch", domain.ErrStoreIO, err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.NewSubSystemError("store", "Store.DeleteBatch", domain.ErrStoreIO, err.Error())
	}
	for _, id := range ids {
		s.vecIdx.remove(id)
	}
	return nil
}

// CountsByType returns the number of memories in the shard grouped by
// their Type, used by the admin API's stats() operation.
func (s *Store) CountsByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memories GROUP BY type`)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.CountsByType", domain.ErrStoreIO, err.Error())
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, domain.NewSubSystemError("store", "Store.CountsByType", domain.ErrStoreCorrupt, err.Error())
		}
		out[typ] += n
	}
	return out, rows.Err()
}

// DistinctTags returns every distinct container_tag present in the shard.
func (s *Store) DistinctTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT container_tag FROM memories`)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.DistinctTags", domain.ErrStoreIO, err.Error())
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, domain.NewSubSystemError("store", "Store.DistinctTags", domain.ErrStoreCorrupt, err.Error())
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// Delete removes id from all four sub-tables atomically.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewSubSystemError("store", "Store.Delete", domain.ErrStoreIO, err.Error())
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return domain.NewSubSystemError("store", "Store.Delete", domain.ErrStoreIO, err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("store", "Store.Delete", domain.ErrStoreNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_memories WHERE memory_id = ?`, id); err != nil {
		return domain.NewSubSystemError("store", "Store.Delete", domain.ErrStoreIO, err.Error())
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_tags WHERE memory_id = ?`, id); err != nil {
		return domain.NewSubSystemError("store", "Store.Delete", domain.ErrStoreIO, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return domain.NewSubSystemError("store", "Store.Delete", domain.ErrStoreIO, err.Error())
	}
	s.vecIdx.remove(id)
	return nil
}

// Pin sets is_pinned = 1 for id.
func (s *Store) Pin(ctx context.Context, id string) error { return s.setPinned(ctx, id, true) }

// Unpin sets is_pinned = 0 for id.
func (s *Store) Unpin(ctx context.Context, id string) error { return s.setPinned(ctx, id, false) }

func (s *Store) setPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET is_pinned = ?, updated_at = ? WHERE id = ?`,
		boolToInt(pinned), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return domain.NewSubSystemError("store", "Store.setPinned", domain.ErrStoreIO, err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("store", "Store.setPinned", domain.ErrStoreNotFound, id)
	}
	return nil
}

// VectorSearch returns up to k nearest neighbors of queryVec, optionally
// restricted to containerTag, via the in-process brute-force index
// (lazily loaded from vec_memories on first call).
func (s *Store) VectorSearch(ctx context.Context, queryVec []float32, containerTag string, k int) ([]VectorHit, error) {
	if !s.vecIdx.isLoaded() {
		if err := s.loadVecIndex(ctx); err != nil {
			return nil, err
		}
	}

	hits := s.vecIdx.search(queryVec, containerTag, k)
	out := make([]VectorHit, 0, len(hits))
	for _, h := range hits {
		m, err := s.GetByID(ctx, h.id)
		if err != nil {
			continue // row deleted between index load and lookup; skip
		}
		out = append(out, VectorHit{Memory: *m, Similarity: float64(h.similarity)})
	}
	return out, nil
}

func (s *Store) loadVecIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.container_tag, v.embedding FROM memories m
		 JOIN vec_memories v ON v.memory_id = m.id`)
	if err != nil {
		return domain.NewSubSystemError("store", "Store.loadVecIndex", domain.ErrStoreIO, err.Error())
	}
	defer rows.Close()

	entries := make(map[string]vecEntry)
	for rows.Next() {
		var id, tag string
		var blob []byte
		if err := rows.Scan(&id, &tag, &blob); err != nil {
			continue
		}
		vec := bytesToFloat32(blob)
		if vec == nil {
			continue
		}
		entries[id] = vecEntry{containerTag: tag, embedding: vec}
	}
	if err := rows.Err(); err != nil {
		return domain.NewSubSystemError("store", "Store.loadVecIndex", domain.ErrStoreIO, err.Error())
	}
	s.vecIdx.markLoaded(entries)
	return nil
}

// FTSSearch returns up to k memories matching queryText, ranked by FTS5's
// bm25 score, optionally restricted to containerTag.
func (s *Store) FTSSearch(ctx context.Context, queryText, containerTag string, k int) ([]FTSHit, error) {
	if k <= 0 {
		k = 20
	}
	if queryText == "" {
		return nil, nil
	}

	query := `
		SELECT ` + selectColumnsM + `, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?`
	args := []any{queryText}
	if containerTag != "" {
		query += ` AND m.container_tag = ?`
		args = append(args, containerTag)
	}
	query += ` ORDER BY rank LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.FTSSearch", domain.ErrStoreIO, err.Error())
	}
	defer rows.Close()

	var out []FTSHit
	for rows.Next() {
		m, rank, err := scanMemoryWithRank(rows)
		if err != nil {
			continue
		}
		out = append(out, FTSHit{Memory: m, Rank: rank})
	}
	return out, rows.Err()
}

// RepairVectorColumns scans for rows where memories.vector and the
// corresponding vec_memories.embedding disagree (one present, one absent,
// or different lengths), rewriting both from whichever side is valid. It
// implements the dual-write consistency pass described in §4.5/§9.2.
func (s *Store) RepairVectorColumns(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.vector, v.embedding FROM memories m LEFT JOIN vec_memories v ON v.memory_id = m.id`)
	if err != nil {
		return 0, domain.NewSubSystemError("store", "Store.RepairVectorColumns", domain.ErrStoreIO, err.Error())
	}
	type mismatch struct {
		id  string
		vec []float32
	}
	var fixes []mismatch
	for rows.Next() {
		var id string
		var colBlob, vecBlob []byte
		if err := rows.Scan(&id, &colBlob, &vecBlob); err != nil {
			continue
		}
		col := bytesToFloat32(colBlob)
		vec := bytesToFloat32(vecBlob)
		if len(col) == len(vec) && len(col) == s.dimensions {
			continue
		}
		authoritative := col
		if len(authoritative) != s.dimensions {
			authoritative = vec
		}
		if len(authoritative) != s.dimensions {
			continue // neither side has a valid vector; nothing to repair
		}
		fixes = append(fixes, mismatch{id: id, vec: authoritative})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, domain.NewSubSystemError("store", "Store.RepairVectorColumns", domain.ErrStoreIO, err.Error())
	}

	for _, f := range fixes {
		blob := float32ToBytes(f.vec)
		if _, err := s.db.ExecContext(ctx, `UPDATE memories SET vector = ? WHERE id = ?`, blob, f.id); err != nil {
			return len(fixes), domain.NewSubSystemError("store", "Store.RepairVectorColumns", domain.ErrStoreIO, err.Error())
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO vec_memories (memory_id, embedding) VALUES (?, ?)
			 ON CONFLICT(memory_id) DO UPDATE SET embedding = excluded.embedding`, f.id, blob); err != nil {
			return len(fixes), domain.NewSubSystemError("store", "Store.RepairVectorColumns", domain.ErrStoreIO, err.Error())
		}
	}
	return len(fixes), nil
}

// SetMetadata persists a shard_metadata key/value pair (embedding
// dimensions, embedding model) at shard initialization time.
func SetMetadata(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO shard_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetMetadata reads a shard_metadata value, returning "" if absent.
func GetMetadata(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM shard_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations via error text; no
	// typed sentinel is exported, so match the SQLite wire message.
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}
