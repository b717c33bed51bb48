// Package store provides storage backends for user conversation contexts.
//
// This file implements a PostgreSQL-backed context store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/originx/one-engine/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists contexts to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied")

	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle so other components (credit ledger) can
// share the connection.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Create inserts a fresh default context, overwriting any existing row.
func (s *PostgresStore) Create(ctx context.Context, userID string) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	uc := NewDefaultContext(userID, time.Now())
	if err := s.write(ctx, uc); err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore.Create: context created", "userID", userID, "sessionID", uc.SessionID)
	return uc, nil
}

// Get returns the context for userID, or nil if never created.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*models.UserContext, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM user_contexts WHERE user_id = $1`, userID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Error("PostgresStore.Get failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load context for %s: %w", userID, err)
	}
	var uc models.UserContext
	if err := json.Unmarshal(data, &uc); err != nil {
		slog.Error("PostgresStore.Get: corrupt context row", "error", err, "userID", userID)
		return nil, fmt.Errorf("corrupt context row for %s: %w", userID, err)
	}
	return &uc, nil
}

// GetOrCreate returns the existing context or creates a default one.
func (s *PostgresStore) GetOrCreate(ctx context.Context, userID string) (*models.UserContext, error) {
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
func (s *PostgresStore) Update(ctx context.Context, userID string, upd models.ContextUpdate) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	uc, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if uc == nil {
		uc = NewDefaultContext(userID, time.Now())
		slog.Debug("PostgresStore.Update: synthesized default context", "userID", userID)
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
func (s *PostgresStore) Save(ctx context.Context, uc models.UserContext) error {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) write(ctx context.Context, uc *models.UserContext) error {
	data, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_contexts (user_id, data, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		uc.UserID, data, uc.CreatedAt, uc.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore write failed", "error", err, "userID", uc.UserID)
		return fmt.Errorf("failed to persist context for %s: %w", uc.UserID, err)
	}
	return nil
}
