// Package shard implements the Shard Manager (C4): a small registry table
// tracking which per-scope SQLite shard file is the current write target,
// when to seal a shard, and how to allocate a new one.
package shard

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"alfredmem/internal/domain"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/vecstore"
)

// RegistrySchema creates the shards table if it does not already exist.
func RegistrySchema(db *sql.DB) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS shards (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			scope        TEXT NOT NULL,
			hash         TEXT NOT NULL,
			db_path      TEXT NOT NULL,
			vector_count INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_shards_scope_hash ON shards(scope, hash);
	`
	_, err := db.Exec(ddl)
	return err
}

// Manager routes (scope, hash) pairs to write shards, tracks vector counts,
// and allocates new shard files when the current write target seals.
type Manager struct {
	registry            *sql.DB
	conns               *connmgr.Manager
	shardsDir           string
	maxVectorsPerShard  int
	embeddingDimensions int
	embeddingModel      string

	mu sync.Mutex // serializes allocation so two callers never both create a shard for the same key
}

// NewManager opens the dedicated registry database at registryPath
// (idempotently applying RegistrySchema) and returns a shard manager that
// allocates new shard files under shardsDir.
func NewManager(conns *connmgr.Manager, registryPath, shardsDir string, maxVectorsPerShard, embeddingDimensions int, embeddingModel string) (*Manager, error) {
	registry, err := conns.Get(registryPath, RegistrySchema)
	if err != nil {
		return nil, err
	}
	return &Manager{
		registry:            registry,
		conns:               conns,
		shardsDir:           shardsDir,
		maxVectorsPerShard:  maxVectorsPerShard,
		embeddingDimensions: embeddingDimensions,
		embeddingModel:      embeddingModel,
	}, nil
}

// GetWriteShard returns the youngest non-sealed shard for (scope, hash),
// allocating a fresh one if none exists or all are sealed. Tie-break among
// equally-eligible rows is newest created_at first.
func (m *Manager) GetWriteShard(ctx context.Context, scope domain.Scope, hash string) (*domain.ShardRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.registry.QueryRowContext(ctx, `
		SELECT id, scope, hash, db_path, vector_count, created_at
		FROM shards WHERE scope = ? AND hash = ? AND vector_count < ?
		ORDER BY created_at DESC LIMIT 1`,
		string(scope), hash, m.maxVectorsPerShard)

	rec, err := scanShard(row)
	if err == nil {
		return &rec, nil
	}
	if err != sql.ErrNoRows {
		return nil, domain.NewSubSystemError("shard", "Manager.GetWriteShard", domain.ErrShardRegistryCorrupt, err.Error())
	}

	return m.allocate(ctx, scope, hash)
}

func (m *Manager) allocate(ctx context.Context, scope domain.Scope, hash string) (*domain.ShardRecord, error) {
	id := ulid.Make().String()
	dbPath := filepath.Join(m.shardsDir, fmt.Sprintf("%s_%s_%s.db", scope, hash, id))

	now := time.Now().UTC().UnixMilli()
	res, err := m.registry.ExecContext(ctx,
		`INSERT INTO shards (scope, hash, db_path, vector_count, created_at) VALUES (?, ?, ?, 0, ?)`,
		string(scope), hash, dbPath, now)
	if err != nil {
		return nil, domain.NewSubSystemError("shard", "Manager.allocate", domain.ErrShardRegistryCorrupt, err.Error())
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, domain.NewSubSystemError("shard", "Manager.allocate", domain.ErrShardRegistryCorrupt, err.Error())
	}

	db, err := m.conns.Get(dbPath, vecstore.Schema)
	if err != nil {
		return nil, err
	}
	if err := vecstore.SetMetadata(ctx, db, "embedding_dimensions", fmt.Sprintf("%d", m.embeddingDimensions)); err != nil {
		return nil, domain.NewSubSystemError("shard", "Manager.allocate", domain.ErrShardRegistryCorrupt, err.Error())
	}
	if err := vecstore.SetMetadata(ctx, db, "embedding_model", m.embeddingModel); err != nil {
		return nil, domain.NewSubSystemError("shard", "Manager.allocate", domain.ErrShardRegistryCorrupt, err.Error())
	}

	return &domain.ShardRecord{
		ID:          rowID,
		Scope:       scope,
		Hash:        hash,
		DBPath:      dbPath,
		VectorCount: 0,
		CreatedAt:   now,
	}, nil
}

// GetAllShards returns every registry row for scope; if hash is empty,
// every shard in that scope regardless of hash.
func (m *Manager) GetAllShards(ctx context.Context, scope domain.Scope, hash string) ([]domain.ShardRecord, error) {
	var rows *sql.Rows
	var err error
	if hash == "" {
		rows, err = m.registry.QueryContext(ctx,
			`SELECT id, scope, hash, db_path, vector_count, created_at FROM shards WHERE scope = ? ORDER BY created_at`,
			string(scope))
	} else {
		rows, err = m.registry.QueryContext(ctx,
			`SELECT id, scope, hash, db_path, vector_count, created_at FROM shards WHERE scope = ? AND hash = ? ORDER BY created_at`,
			string(scope), hash)
	}
	if err != nil {
		return nil, domain.NewSubSystemError("shard", "Manager.GetAllShards", domain.ErrShardRegistryCorrupt, err.Error())
	}
	defer rows.Close()

	var out []domain.ShardRecord
	for rows.Next() {
		rec, err := scanShard(rows)
		if err != nil {
			return nil, domain.NewSubSystemError("shard", "Manager.GetAllShards", domain.ErrShardRegistryCorrupt, err.Error())
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AllShards returns every registry row, across all scopes.
func (m *Manager) AllShards(ctx context.Context) ([]domain.ShardRecord, error) {
	rows, err := m.registry.QueryContext(ctx,
		`SELECT id, scope, hash, db_path, vector_count, created_at FROM shards ORDER BY created_at`)
	if err != nil {
		return nil, domain.NewSubSystemError("shard", "Manager.AllShards", domain.ErrShardRegistryCorrupt, err.Error())
	}
	defer rows.Close()

	var out []domain.ShardRecord
	for rows.Next() {
		rec, err := scanShard(rows)
		if err != nil {
			return nil, domain.NewSubSystemError("shard", "Manager.AllShards", domain.ErrShardRegistryCorrupt, err.Error())
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// IncrementVectorCount atomically bumps a shard's vector_count by 1, used
// by the vector store to report a write without re-querying.
func (m *Manager) IncrementVectorCount(ctx context.Context, id int64) error {
	_, err := m.registry.ExecContext(ctx, `UPDATE shards SET vector_count = vector_count + 1 WHERE id = ?`, id)
	if err != nil {
		return domain.NewSubSystemError("shard", "Manager.IncrementVectorCount", domain.ErrShardRegistryCorrupt, err.Error())
	}
	return nil
}

// DecrementVectorCount atomically decrements a shard's vector_count by 1,
// floored at 0.
func (m *Manager) DecrementVectorCount(ctx context.Context, id int64) error {
	return m.DecrementVectorCountBy(ctx, id, 1)
}

// DecrementVectorCountBy atomically decrements a shard's vector_count by n,
// floored at 0. Used by the maintenance passes, which delete in batches.
func (m *Manager) DecrementVectorCountBy(ctx context.Context, id int64, n int) error {
	_, err := m.registry.ExecContext(ctx,
		`UPDATE shards SET vector_count = MAX(0, vector_count - ?) WHERE id = ?`, n, id)
	if err != nil {
		return domain.NewSubSystemError("shard", "Manager.DecrementVectorCountBy", domain.ErrShardRegistryCorrupt, err.Error())
	}
	return nil
}

// SealShard raises a shard's vector_count to the seal threshold so it is no
// longer eligible as a write target while staying readable. Migration seals
// every mismatched shard before re-embedding so the moved rows route to a
// freshly allocated shard instead of back into the one being drained.
func (m *Manager) SealShard(ctx context.Context, id int64) error {
	_, err := m.registry.ExecContext(ctx,
		`UPDATE shards SET vector_count = MAX(vector_count, ?) WHERE id = ?`, m.maxVectorsPerShard, id)
	if err != nil {
		return domain.NewSubSystemError("shard", "Manager.SealShard", domain.ErrShardRegistryCorrupt, err.Error())
	}
	return nil
}

// DeleteShard removes the registry row and deletes the shard's backing
// file. The caller must ensure no other component holds the connection
// open; DeleteShard closes it via the connection manager first.
func (m *Manager) DeleteShard(ctx context.Context, id int64) error {
	row := m.registry.QueryRowContext(ctx, `SELECT db_path FROM shards WHERE id = ?`, id)
	var dbPath string
	if err := row.Scan(&dbPath); err != nil {
		if err == sql.ErrNoRows {
			return domain.NewSubSystemError("shard", "Manager.DeleteShard", domain.ErrShardMissing, fmt.Sprintf("%d", id))
		}
		return domain.NewSubSystemError("shard", "Manager.DeleteShard", domain.ErrShardRegistryCorrupt, err.Error())
	}

	if _, err := m.registry.ExecContext(ctx, `DELETE FROM shards WHERE id = ?`, id); err != nil {
		return domain.NewSubSystemError("shard", "Manager.DeleteShard", domain.ErrShardRegistryCorrupt, err.Error())
	}

	// Release the shard's shared in-memory vector index before the file and
	// handle go away, so deleted vectors do not linger in memory.
	if db, err := m.conns.Get(dbPath, vecstore.Schema); err == nil {
		vecstore.DropIndex(db)
	}

	return m.conns.Remove(dbPath)
}

func scanShard(row interface{ Scan(dest ...any) error }) (domain.ShardRecord, error) {
	var rec domain.ShardRecord
	var scope string
	err := row.Scan(&rec.ID, &scope, &rec.Hash, &rec.DBPath, &rec.VectorCount, &rec.CreatedAt)
	rec.Scope = domain.Scope(scope)
	return rec, err
}
