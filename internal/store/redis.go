// Package store provides storage backends for user conversation contexts.
//
// This file implements a Redis-backed context store with per-key TTL and
// optimistic update transactions.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/originx/one-engine/internal/models"
	"github.com/redis/go-redis/v9"
)

const contextKeyPrefix = "uctx:"

// DefaultRedisTTL is applied to context keys when no TTL is configured.
const DefaultRedisTTL = 24 * time.Hour

// RedisStore persists contexts in Redis. Reads refresh the TTL so active
// conversations never expire mid-session.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed context store.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisAddr == "" {
		slog.Error("RedisStore address not set")
		return nil, fmt.Errorf("redis address not set")
	}
	ttl := cfg.RedisTTL
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	slog.Debug("NewRedisStore: connected", "addr", cfg.RedisAddr, "ttl", ttl)
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Create inserts a fresh default context, overwriting any existing key.
func (s *RedisStore) Create(ctx context.Context, userID string) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	uc := NewDefaultContext(userID, time.Now())
	if err := s.write(ctx, uc); err != nil {
		return nil, err
	}
	slog.Debug("RedisStore.Create: context created", "userID", userID, "sessionID", uc.SessionID)
	return uc, nil
}

// Get returns the context for userID, or nil if never created.
func (s *RedisStore) Get(ctx context.Context, userID string) (*models.UserContext, error) {
	val, err := s.client.Get(ctx, contextKeyPrefix+userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore.Get failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load context for %s: %w", userID, err)
	}

	var uc models.UserContext
	if err := json.Unmarshal([]byte(val), &uc); err != nil {
		slog.Error("RedisStore.Get: corrupt context value", "error", err, "userID", userID)
		return nil, fmt.Errorf("corrupt context value for %s: %w", userID, err)
	}

	// Refresh TTL on read so active conversations stay alive.
	_ = s.client.Expire(ctx, contextKeyPrefix+userID, s.ttl).Err()
	return &uc, nil
}

// GetOrCreate returns the existing context or creates a default one.
func (s *RedisStore) GetOrCreate(ctx context.Context, userID string) (*models.UserContext, error) {
	uc, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if uc != nil {
		return uc, nil
	}
	return s.Create(ctx, userID)
}

// Update merges a partial update inside a WATCH transaction so concurrent
// writers cannot drop each other's fields.
func (s *RedisStore) Update(ctx context.Context, userID string, upd models.ContextUpdate) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	key := contextKeyPrefix + userID
	var merged *models.UserContext

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		var uc *models.UserContext
		switch {
		case err == redis.Nil:
			uc = NewDefaultContext(userID, time.Now())
			slog.Debug("RedisStore.Update: synthesized default context", "userID", userID)
		case err != nil:
			return err
		default:
			uc = &models.UserContext{}
			if err := json.Unmarshal([]byte(val), uc); err != nil {
				return fmt.Errorf("corrupt context value for %s: %w", userID, err)
			}
		}

		if err := applyUpdate(uc, upd, time.Now()); err != nil {
			return err
		}
		data, err := json.Marshal(uc)
		if err != nil {
			return fmt.Errorf("failed to marshal context: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			merged = uc
		}
		return err
	}, key)
	if err != nil {
		slog.Error("RedisStore.Update failed", "error", err, "userID", userID)
		return nil, err
	}
	return merged, nil
}

// Save writes a full context back inside a WATCH transaction. The stored
// step wins over a stale snapshot's earlier one.
func (s *RedisStore) Save(ctx context.Context, uc models.UserContext) error {
	if uc.UserID == "" {
		return models.ErrEmptyUserID
	}
	key := contextKeyPrefix + uc.UserID

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			var prev models.UserContext
			if err := json.Unmarshal([]byte(val), &prev); err != nil {
				return fmt.Errorf("corrupt context value for %s: %w", uc.UserID, err)
			}
			reconcileStep(&uc, prev.CurrentStep)
		}

		uc.UpdatedAt = time.Now()
		data, err := json.Marshal(&uc)
		if err != nil {
			return fmt.Errorf("failed to marshal context: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		slog.Error("RedisStore.Save failed", "error", err, "userID", uc.UserID)
	}
	return err
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) write(ctx context.Context, uc *models.UserContext) error {
	data, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	if err := s.client.Set(ctx, contextKeyPrefix+uc.UserID, data, s.ttl).Err(); err != nil {
		slog.Error("RedisStore write failed", "error", err, "userID", uc.UserID)
		return fmt.Errorf("failed to persist context for %s: %w", uc.UserID, err)
	}
	return nil
}
