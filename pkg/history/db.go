package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SchemaVersion は履歴データベースの現在のスキーマバージョンです。
const SchemaVersion = 1

// Open は dbPath の SQLite データベースを開き（なければ作成し）、マイグレーションを適用します。
func Open(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("open: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("open: create db dir: %w", err)
	}

	dsn := "file:" + dbPath + "?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: sql open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open: migrate: %w", err)
	}
	return db, nil
}

// Migrate はスキーマを SchemaVersion まで作成します。
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		name string
		sql  string
	}{
		{"create posts", `
			CREATE TABLE IF NOT EXISTS posts (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				user_id TEXT NOT NULL,
				prompt TEXT NOT NULL,
				image_prompt TEXT NULL,
				edited_text TEXT NOT NULL,
				image_url TEXT NULL,
				image_urls TEXT NOT NULL DEFAULT '[]',
				status TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				posted_at INTEGER NULL,
				scheduled_for INTEGER NULL,
				pinned INTEGER NOT NULL DEFAULT 0,
				post_url TEXT NULL
			);`},
		{"create idx_posts_user_created", `CREATE INDEX IF NOT EXISTS idx_posts_user_created ON posts(user_id, pinned, created_at);`},
		{"create session_snapshots", `
			CREATE TABLE IF NOT EXISTS session_snapshots (
				user_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			);`},
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s.sql); err != nil {
			return fmt.Errorf("migrate: %s: %w", s.name, err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}
	return nil
}
