// Package connmgr opens and caches SQLite connections by canonical file
// path so every component in the process shares one handle per database
// file, and applies the ambient pragmas and schema DDL idempotently on
// first open.
package connmgr

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"alfredmem/internal/domain"
)

// SchemaFunc applies idempotent DDL to a freshly opened database. Each
// caller of Get supplies the schema appropriate to the file it is opening
// (registry schema, per-shard schema, aux-db schema).
type SchemaFunc func(db *sql.DB) error

// Manager caches one *sql.DB per canonical path. A failed open never
// poisons the cache: the entry is only stored once Get succeeds.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*sql.DB
}

// New returns an empty connection manager.
func New() *Manager {
	return &Manager{conns: make(map[string]*sql.DB)}
}

// Get returns the cached handle for path, opening and initializing it on
// first use. schema is applied only on first open for a given path.
func (m *Manager) Get(path string, schema SchemaFunc) (*sql.DB, error) {
	canon, err := filepath.Abs(path)
	if err != nil {
		canon = path
	}

	m.mu.Lock()
	if db, ok := m.conns[canon]; ok {
		m.mu.Unlock()
		return db, nil
	}
	m.mu.Unlock()

	db, err := open(canon, schema)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have opened the same path concurrently; keep
	// whichever handle won the race and close the loser.
	if existing, ok := m.conns[canon]; ok {
		db.Close()
		return existing, nil
	}
	m.conns[canon] = db
	return db, nil
}

func open(path string, schema SchemaFunc) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "connmgr.open", domain.ErrStoreIO, err.Error())
	}

	// Single-writer discipline: SQLite serializes writers anyway, but
	// capping the pool avoids "database is locked" churn under WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, domain.NewSubSystemError("store", "connmgr.open", domain.ErrStoreIO,
				fmt.Sprintf("pragma %q: %v", pragma, err))
		}
	}

	if schema != nil {
		if err := schema(db); err != nil {
			db.Close()
			return nil, domain.NewSubSystemError("store", "connmgr.open", domain.ErrStoreIO,
				fmt.Sprintf("schema: %v", err))
		}
	}

	return db, nil
}

// CheckpointAll runs a WAL checkpoint against every open connection.
func (m *Manager) CheckpointAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, db := range m.conns {
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return domain.NewSubSystemError("store", "connmgr.CheckpointAll", domain.ErrStoreIO,
				fmt.Sprintf("%s: %v", path, err))
		}
	}
	return nil
}

// Remove closes and evicts the cached connection for path, then deletes the
// backing database file (and its WAL/SHM siblings, if present). Used when a
// shard is deleted outright (migration fresh_start, explicit shard removal).
func (m *Manager) Remove(path string) error {
	canon, err := filepath.Abs(path)
	if err != nil {
		canon = path
	}

	m.mu.Lock()
	if db, ok := m.conns[canon]; ok {
		db.Close()
		delete(m.conns, canon)
	}
	m.mu.Unlock()

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(canon + suffix); err != nil && !os.IsNotExist(err) {
			return domain.NewSubSystemError("store", "connmgr.Remove", domain.ErrStoreIO, err.Error())
		}
	}
	return nil
}

// CloseAll closes every cached connection and empties the cache.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for path, db := range m.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = domain.NewSubSystemError("store", "connmgr.CloseAll", domain.ErrStoreIO,
				fmt.Sprintf("%s: %v", path, err))
		}
		delete(m.conns, path)
	}
	return firstErr
}
