// Package store provides storage backends for user conversation contexts.
//
// This file implements an SQLite-backed context store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/originx/one-engine/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists contexts to a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path; the parent directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so other components (credit ledger) can
// share the connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Create inserts a fresh default context, overwriting any existing row.
func (s *SQLiteStore) Create(ctx context.Context, userID string) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	uc := NewDefaultContext(userID, time.Now())
	if err := s.write(ctx, uc); err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore.Create: context created", "userID", userID, "sessionID", uc.SessionID)
	return uc, nil
}

// Get returns the context for userID, or nil if never created.
func (s *SQLiteStore) Get(ctx context.Context, userID string) (*models.UserContext, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM user_contexts WHERE user_id = ?`, userID)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Error("SQLiteStore.Get failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load context for %s: %w", userID, err)
	}
	var uc models.UserContext
	if err := json.Unmarshal([]byte(data), &uc); err != nil {
		slog.Error("SQLiteStore.Get: corrupt context row", "error", err, "userID", userID)
		return nil, fmt.Errorf("corrupt context row for %s: %w", userID, err)
	}
	return &uc, nil
}

// GetOrCreate returns the existing context or creates a default one.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, userID string) (*models.UserContext, error) {
	uc, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if uc != nil {
		return uc, nil
	}
	return s.Create(ctx, userID)
}

// Update merges a partial update, synthesizing a default context if missing.
func (s *SQLiteStore) Update(ctx context.Context, userID string, upd models.ContextUpdate) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	uc, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if uc == nil {
		uc = NewDefaultContext(userID, time.Now())
		slog.Debug("SQLiteStore.Update: synthesized default context", "userID", userID)
	}
	if err := applyUpdate(uc, upd, time.Now()); err != nil {
		return nil, err
	}
	if err := s.write(ctx, uc); err != nil {
		return nil, err
	}
	return uc, nil
}

// Save writes a full context back. The stored step wins over a stale
// snapshot's earlier one.
func (s *SQLiteStore) Save(ctx context.Context, uc models.UserContext) error {
	if uc.UserID == "" {
		return models.ErrEmptyUserID
	}
	prev, err := s.Get(ctx, uc.UserID)
	if err != nil {
		return err
	}
	if prev != nil {
		reconcileStep(&uc, prev.CurrentStep)
	}
	uc.UpdatedAt = time.Now()
	return s.write(ctx, &uc)
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) write(ctx context.Context, uc *models.UserContext) error {
	data, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_contexts (user_id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		uc.UserID, string(data), uc.CreatedAt, uc.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore write failed", "error", err, "userID", uc.UserID)
		return fmt.Errorf("failed to persist context for %s: %w", uc.UserID, err)
	}
	return nil
}
