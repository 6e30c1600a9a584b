// Package sqlite provides the embedded analytical store backing the memory
// service: the `memory` / `memory_entities` tables, the auxiliary-store
// tables, and the sqlite-vec cosine ANN index over embeddings.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
)

// maxOpenRetries and retryBaseDelay implement the bounded exponential
// backoff spec §4.1 requires when the backing file lock is held elsewhere.
const (
	maxOpenRetries = 5
	retryBaseDelay = 3 * time.Second
)

// Store provides database operations with connection pooling and prepared statements.
type Store struct {
	db        *sql.DB
	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

// StoreConfig holds configuration for the database store.
type StoreConfig struct {
	Path     string
	MaxConns int
	WALMode  bool
}

// NewStore creates a new database store, retrying with exponential backoff
// when the backing file lock is held by another process (spec §4.1/§7).
func NewStore(cfg StoreConfig) (*Store, error) {
	// Register sqlite-vec extension for vector operations
	sqlite_vec.Auto()

	connStr := cfg.Path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON"

	var db *sql.DB
	var lastErr error
	for attempt := 1; attempt <= maxOpenRetries; attempt++ {
		db, lastErr = tryOpen(connStr, cfg.MaxConns)
		if lastErr == nil {
			break
		}
		if !isLockContention(lastErr) {
			return nil, fmt.Errorf("open database: %w", lastErr)
		}
		if attempt == maxOpenRetries {
			break
		}
		time.Sleep(retryBaseDelay * time.Duration(attempt))
	}
	if lastErr != nil {
		return nil, apperr.Errorf(apperr.StoreUnavailable, "open database after %d attempts: %w", maxOpenRetries, lastErr)
	}

	store := &Store{
		db:        db,
		stmtCache: make(map[string]*sql.Stmt),
	}

	mgr := NewMigrationManager(db)
	if err := mgr.RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

func tryOpen(connStr string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, err
	}

	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// isLockContention reports whether err looks like a "database is locked"
// failure, as opposed to a permanent configuration error.
func isLockContention(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "locked") ||
		strings.Contains(strings.ToLower(err.Error()), "busy")
}

// Checkpoint forces a WAL checkpoint, flushing the write-ahead log into the
// main database file. Called during graceful shutdown and after Retention
// purges, per the teacher's Optimize()-on-maintenance convention.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close closes the database connection and all cached statements.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	for _, stmt := range s.stmtCache {
		_ = stmt.Close()
	}
	s.stmtCache = nil

	return s.db.Close()
}

// GetStmt returns a cached prepared statement, creating it if necessary.
func (s *Store) GetStmt(query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	stmt, ok := s.stmtCache[query]
	s.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	// Double-check after acquiring write lock
	if stmt, ok := s.stmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}

	s.stmtCache[query] = stmt
	return stmt, nil
}

// ExecContext executes a query that doesn't return rows.
func (s *Store) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	stmt, err := s.GetStmt(query)
	if err != nil {
		// Fall back to direct execution
		return s.db.ExecContext(ctx, query, args...)
	}
	return stmt.ExecContext(ctx, args...)
}

// QueryContext executes a query that returns rows.
func (s *Store) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := s.GetStmt(query)
	if err != nil {
		// Fall back to direct execution
		return s.db.QueryContext(ctx, query, args...)
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRowContext executes a query that returns a single row.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	stmt, err := s.GetStmt(query)
	if err != nil {
		// Fall back to direct execution
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// Ping checks if the database connection is alive.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// DB returns the underlying database connection for direct access.
// Use this sparingly - prefer the store methods for most operations.
func (s *Store) DB() *sql.DB {
	return s.db
}
