package vecstore

import (
	"database/sql"
	"sort"
	"sync"
)

// indexes shares one vecIndex per database handle, so every Store wrapping
// the same shard (search fan-out, admin API, maintenance passes) sees one
// coherent, incrementally-updated index instead of each instance reloading
// the shard on first use. The connection manager already guarantees one
// *sql.DB per canonical path, which makes the handle a stable key.
var (
	indexesMu sync.Mutex
	indexes   = make(map[*sql.DB]*vecIndex)
)

func indexFor(db *sql.DB) *vecIndex {
	indexesMu.Lock()
	defer indexesMu.Unlock()
	idx, ok := indexes[db]
	if !ok {
		idx = newVecIndex()
		indexes[db] = idx
	}
	return idx
}

// DropIndex releases the shared in-memory index for db. Called when a shard
// is deleted outright so its vectors do not outlive the file.
func DropIndex(db *sql.DB) {
	indexesMu.Lock()
	delete(indexes, db)
	indexesMu.Unlock()
}

// vecIndex is an in-memory cache of embedding vectors scoped to one shard
// database, avoiding SQLite I/O on every vector search. It is loaded
// lazily on first search and updated incrementally on insert/delete so
// later searches stay in sync without a full reload. Only this process's
// writes are reflected; rows written to the same shard by another process
// surface in vector search after the next index load, not immediately
// (FTS and the row-level reads always go to SQLite and see them).
type vecIndex struct {
	mu     sync.RWMutex
	loaded bool
	byID   map[string]vecEntry
}

type vecEntry struct {
	containerTag string
	embedding    []float32
}

func newVecIndex() *vecIndex {
	return &vecIndex{byID: make(map[string]vecEntry)}
}

func (idx *vecIndex) isLoaded() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.loaded
}

func (idx *vecIndex) markLoaded(entries map[string]vecEntry) {
	idx.mu.Lock()
	idx.byID = entries
	idx.loaded = true
	idx.mu.Unlock()
}

func (idx *vecIndex) put(id, containerTag string, embedding []float32) {
	if embedding == nil {
		return
	}
	idx.mu.Lock()
	idx.byID[id] = vecEntry{containerTag: containerTag, embedding: embedding}
	idx.mu.Unlock()
}

func (idx *vecIndex) remove(id string) {
	idx.mu.Lock()
	delete(idx.byID, id)
	idx.mu.Unlock()
}

// scored is one brute-force k-NN result: a memory id and its similarity.
type scored struct {
	id         string
	similarity float32
}

// search returns up to k ids with highest cosine similarity to queryVec,
// optionally restricted to containerTag (empty = no restriction), sorted
// best-first. Returns nil if the index has not been loaded yet.
func (idx *vecIndex) search(queryVec []float32, containerTag string, k int) []scored {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.loaded {
		return nil
	}

	candidates := make([]scored, 0, len(idx.byID))
	for id, e := range idx.byID {
		if containerTag != "" && e.containerTag != containerTag {
			continue
		}
		sim := cosineSimilarity(queryVec, e.embedding)
		candidates = append(candidates, scored{id: id, similarity: sim})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})

	if k > 0 && k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}
