// Package sqlite provides SQLite database operations for the memory service.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the list of all database migrations in order.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "memory_core",
		SQL: `
			CREATE TABLE IF NOT EXISTS memory (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				type TEXT NOT NULL,
				source_text TEXT NOT NULL,
				metadata TEXT,
				screenshot TEXT,
				extracted_text TEXT,
				embedding BLOB,
				embedding_source TEXT,
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				updated_at TEXT NOT NULL,
				updated_at_epoch INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_memory_user ON memory(user_id);
			CREATE INDEX IF NOT EXISTS idx_memory_type ON memory(type);
			CREATE INDEX IF NOT EXISTS idx_memory_created ON memory(created_at_epoch);
			CREATE INDEX IF NOT EXISTS idx_memory_user_created ON memory(user_id, created_at_epoch DESC);
			CREATE INDEX IF NOT EXISTS idx_memory_user_type ON memory(user_id, type);
			CREATE INDEX IF NOT EXISTS idx_memory_user_type_created ON memory(user_id, type, created_at_epoch DESC);

			CREATE TABLE IF NOT EXISTS memory_entities (
				id TEXT PRIMARY KEY,
				memory_id TEXT NOT NULL,
				entity TEXT NOT NULL,
				type TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				normalized_value TEXT NOT NULL,
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				FOREIGN KEY(memory_id) REFERENCES memory(id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_entities_memory ON memory_entities(memory_id);
			CREATE INDEX IF NOT EXISTS idx_entities_entity ON memory_entities(entity);
			CREATE INDEX IF NOT EXISTS idx_entities_type ON memory_entities(type);
			CREATE INDEX IF NOT EXISTS idx_entities_entity_type ON memory_entities(entity_type);
		`,
	},
	{
		Version: 2,
		Name:    "memory_vector_index",
		SQL: `
			-- Cosine-distance ANN index over the embedding column (spec §4.1).
			-- Never authoritative: every query must produce the same result set
			-- whether this index exists or a full scan over memory.embedding is used.
			-- user_id is carried as a vec0 auxiliary column so VectorSearch can
			-- filter MATCH candidates to one user's rows inside the same query,
			-- rather than truncating a global candidate set first.
			CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(
				memory_id TEXT PRIMARY KEY,
				embedding float[384],
				user_id TEXT
			);
		`,
	},
	{
		Version: 3,
		Name:    "auxiliary_stores",
		SQL: `
			CREATE TABLE IF NOT EXISTS skill_prompts (
				id TEXT PRIMARY KEY,
				tags TEXT,
				prompt_text TEXT NOT NULL,
				embedding BLOB,
				hit_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				updated_at TEXT NOT NULL,
				updated_at_epoch INTEGER NOT NULL
			);

			CREATE VIRTUAL TABLE IF NOT EXISTS skill_prompts_vec USING vec0(
				skill_prompt_id TEXT PRIMARY KEY,
				embedding float[384]
			);

			CREATE TABLE IF NOT EXISTS context_rules (
				id TEXT PRIMARY KEY,
				context_type TEXT NOT NULL CHECK(context_type IN ('site', 'app')),
				context_key TEXT NOT NULL,
				rule_text TEXT NOT NULL,
				category TEXT,
				source TEXT,
				hit_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				updated_at TEXT NOT NULL,
				updated_at_epoch INTEGER NOT NULL
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_context_rules_unique
				ON context_rules(context_type, context_key, rule_text);
			CREATE INDEX IF NOT EXISTS idx_context_rules_key ON context_rules(context_key);

			CREATE TABLE IF NOT EXISTS installed_skills (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT,
				contract_md TEXT,
				exec_path TEXT NOT NULL,
				exec_type TEXT NOT NULL CHECK(exec_type IN ('node', 'shell')),
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				created_at_epoch INTEGER NOT NULL,
				updated_at TEXT NOT NULL,
				updated_at_epoch INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_installed_skills_name ON installed_skills(name);
		`,
	},
}

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureSchemaVersionsTable creates the schema_versions table if it doesn't exist.
func (m *MigrationManager) EnsureSchemaVersionsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// GetAppliedVersions returns all applied migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

// ApplyMigration applies a single migration.
func (m *MigrationManager) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("execute migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		migration.Version, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// RunMigrations applies all pending migrations, skipping versions already
// recorded in schema_versions.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureSchemaVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema_versions table: %w", err)
	}

	applied, err := m.GetAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			continue
		}

		if err := m.ApplyMigration(migration); err != nil {
			return err
		}
	}

	return nil
}
