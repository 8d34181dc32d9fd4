// Package catalog persists the managed records: model files on disk,
// installable bundles, ComfyUI workflows, and free-form model metadata
// documents.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// Store provides CRUD access over the catalog tables.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitializeSchema creates the catalog tables if they don't exist.
func InitializeSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			size INTEGER NOT NULL DEFAULT 0,
			sha256 TEXT,
			source_url TEXT,
			preview_path TEXT,
			description TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bundles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			version TEXT,
			document TEXT NOT NULL, -- JSON
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			definition TEXT NOT NULL, -- JSON
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jsonmodels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			document TEXT NOT NULL, -- JSON
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_installs (
			id TEXT PRIMARY KEY,
			bundle_id TEXT NOT NULL,
			profile TEXT,
			installed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_models_type ON models(type)`,
		`CREATE INDEX IF NOT EXISTS idx_models_sha256 ON models(sha256)`,
		`CREATE INDEX IF NOT EXISTS idx_installs_bundle ON bundle_installs(bundle_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("creating catalog schema failed: %w", err)
		}
	}
	return nil
}
