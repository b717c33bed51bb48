// Package store provides storage backends for user conversation contexts.
//
// The in-memory store is the default and preserves the process-lifetime
// semantics of the engine; SQLite, Postgres and Redis drivers are available
// for deployments that want contexts to survive a restart.
package store

import (
	"context"
	"time"

	"github.com/originx/one-engine/internal/models"
	"github.com/originx/one-engine/internal/util"
)

// ContextStore is the durable-for-lifetime key-value store from userID to
// UserContext.
type ContextStore interface {
	// Create inserts a fresh default context for userID, overwriting any
	// existing one. Callers are expected to check existence first via Get.
	Create(ctx context.Context, userID string) (*models.UserContext, error)

	// Get returns the context for userID, or nil (not an error) if none was
	// ever created.
	Get(ctx context.Context, userID string) (*models.UserContext, error)

	// GetOrCreate returns the existing context or creates a default one.
	// Calling it twice for the same userID yields the same sessionID.
	GetOrCreate(ctx context.Context, userID string) (*models.UserContext, error)

	// Update merges a partial update into the existing context and returns
	// the merged result. If no context exists, a default one is synthesized
	// first. Fields absent from the update are never dropped. An update that
	// would move the onboarding step backwards is rejected with
	// models.ErrStepRegression and nothing is written.
	Update(ctx context.Context, userID string, upd models.ContextUpdate) (*models.UserContext, error)

	// Save writes a full context back. Used by the engine after a
	// read-modify-write cycle performed under the per-user lock. A snapshot
	// carrying an earlier onboarding step than the stored one keeps the
	// stored step; the rest of the snapshot is written as given.
	Save(ctx context.Context, uc models.UserContext) error

	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite).
	DSN string
	// RedisAddr is the address of the Redis server for the Redis driver.
	RedisAddr string
	// RedisPassword authenticates the Redis connection, if required.
	RedisPassword string
	// RedisTTL is the expiry applied to context keys in Redis.
	RedisTTL time.Duration
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisAddr sets the Redis server address.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// WithRedisPassword sets the Redis password.
func WithRedisPassword(pw string) Option {
	return func(o *Opts) { o.RedisPassword = pw }
}

// WithRedisTTL sets the expiry for Redis context keys.
func WithRedisTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.RedisTTL = ttl }
}

// NewDefaultContext builds a fresh context for userID. Time-of-day is
// computed from the wall clock once, here, and never re-derived.
func NewDefaultContext(userID string, now time.Time) *models.UserContext {
	zone, _ := now.Zone()
	return &models.UserContext{
		UserID:      userID,
		SessionID:   util.GenerateSessionID(),
		CurrentStep: models.StepNamingOne,
		TimeContext: models.TimeContext{
			TimeOfDay: models.TimeOfDayFor(now),
			DayOfWeek: now.Weekday().String(),
			Timezone:  zone,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// applyUpdate merges a partial update into an existing context. The step
// monotonicity invariant is enforced here: an update that would move the
// step backwards is rejected before anything is mutated.
func applyUpdate(uc *models.UserContext, upd models.ContextUpdate, now time.Time) error {
	if upd.CurrentStep != nil {
		if to := *upd.CurrentStep; to != uc.CurrentStep && !models.StepAdvances(uc.CurrentStep, to) {
			return models.ErrStepRegression
		}
		uc.CurrentStep = *upd.CurrentStep
	}
	if upd.Name != nil {
		uc.Name = *upd.Name
	}
	if upd.OneName != nil {
		uc.OneName = *upd.OneName
	}
	if upd.EmotionalState != nil {
		uc.EmotionalState = *upd.EmotionalState
	}
	if upd.Preferences != nil {
		uc.Preferences = *upd.Preferences
	}
	uc.UpdatedAt = now
	return nil
}

// reconcileStep guards a full-context write the same way applyUpdate guards
// a merge: an incoming snapshot carrying an earlier step keeps the stored
// value, so a stale writer cannot roll onboarding back.
func reconcileStep(uc *models.UserContext, stored models.Step) {
	if uc.CurrentStep == stored || models.StepAdvances(stored, uc.CurrentStep) {
		return
	}
	uc.CurrentStep = stored
}
