package vecstore

import "database/sql"

// Schema creates the per-shard tables and FTS sync triggers if they do not
// already exist. vec_memories/vec_tags are ordinary tables rather than a
// real SQLite vector virtual table extension — see SPEC_FULL.md §4.2's
// "register the vector extension" note and DESIGN.md for why no
// pure-Go vector-extension binding is wired in; they are scanned
// brute-force through the in-process vecIndex instead.
func Schema(db *sql.DB) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS memories (
			id            TEXT PRIMARY KEY,
			content       TEXT NOT NULL,
			container_tag TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'general',
			tags          TEXT NOT NULL DEFAULT '[]',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			metadata      TEXT NOT NULL DEFAULT '{}',
			display_name  TEXT NOT NULL DEFAULT '',
			user_name     TEXT NOT NULL DEFAULT '',
			user_email    TEXT NOT NULL DEFAULT '',
			project_path  TEXT NOT NULL DEFAULT '',
			project_name  TEXT NOT NULL DEFAULT '',
			git_repo_url  TEXT NOT NULL DEFAULT '',
			is_pinned     INTEGER NOT NULL DEFAULT 0,
			vector        BLOB,
			tags_vector   BLOB
		);

		CREATE INDEX IF NOT EXISTS idx_memories_container_tag ON memories(container_tag);
		CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);

		CREATE TABLE IF NOT EXISTS vec_memories (
			memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
			embedding BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vec_tags (
			memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
			embedding BLOB NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, content=memories, content_rowid=rowid
		);

		CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END;

		CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END;

		CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END;

		CREATE TABLE IF NOT EXISTS shard_metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := db.Exec(ddl)
	return err
}
