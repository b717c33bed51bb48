package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/originx/one-engine/internal/models"
)

// InMemoryStore keeps contexts in a process-local map. This is the default
// backend: contexts live for the process lifetime and are lost on restart.
type InMemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*models.UserContext
	nowFn    func() time.Time
}

// NewInMemoryStore creates a new in-memory context store.
func NewInMemoryStore() *InMemoryStore {
	slog.Debug("Creating InMemoryStore")
	return &InMemoryStore{
		contexts: make(map[string]*models.UserContext),
		nowFn:    time.Now,
	}
}

// SetClock overrides the wall clock, for deterministic tests.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.nowFn = now
}

// Create inserts a fresh default context, overwriting any existing one.
func (s *InMemoryStore) Create(ctx context.Context, userID string) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	uc := NewDefaultContext(userID, s.nowFn())
	s.contexts[userID] = uc
	slog.Debug("InMemoryStore.Create: context created", "userID", userID, "sessionID", uc.SessionID, "step", uc.CurrentStep)
	return cloneContext(uc), nil
}

// Get returns the context for userID, or nil if never created.
func (s *InMemoryStore) Get(ctx context.Context, userID string) (*models.UserContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uc, ok := s.contexts[userID]
	if !ok {
		return nil, nil
	}
	return cloneContext(uc), nil
}

// GetOrCreate returns the existing context or creates a default one.
func (s *InMemoryStore) GetOrCreate(ctx context.Context, userID string) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if uc, ok := s.contexts[userID]; ok {
		return cloneContext(uc), nil
	}
	uc := NewDefaultContext(userID, s.nowFn())
	s.contexts[userID] = uc
	slog.Debug("InMemoryStore.GetOrCreate: context created", "userID", userID, "sessionID", uc.SessionID)
	return cloneContext(uc), nil
}

// Update merges a partial update, synthesizing a default context if missing.
func (s *InMemoryStore) Update(ctx context.Context, userID string, upd models.ContextUpdate) (*models.UserContext, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	uc, ok := s.contexts[userID]
	if !ok {
		uc = NewDefaultContext(userID, s.nowFn())
		s.contexts[userID] = uc
		slog.Debug("InMemoryStore.Update: synthesized default context", "userID", userID)
	}
	if err := applyUpdate(uc, upd, s.nowFn()); err != nil {
		return nil, err
	}
	slog.Debug("InMemoryStore.Update: context updated", "userID", userID, "step", uc.CurrentStep)
	return cloneContext(uc), nil
}

// Save writes a full context back. The stored step wins over a stale
// snapshot's earlier one.
func (s *InMemoryStore) Save(ctx context.Context, uc models.UserContext) error {
	if uc.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.contexts[uc.UserID]; ok {
		reconcileStep(&uc, prev.CurrentStep)
	}
	uc.UpdatedAt = s.nowFn()
	s.contexts[uc.UserID] = cloneContext(&uc)
	return nil
}

// Close releases the map.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = nil
	return nil
}

// cloneContext copies a context so callers cannot mutate stored state
// outside the store's lock.
func cloneContext(uc *models.UserContext) *models.UserContext {
	cp := *uc
	if len(uc.RecentInteractions) > 0 {
		cp.RecentInteractions = make([]models.Interaction, len(uc.RecentInteractions))
		copy(cp.RecentInteractions, uc.RecentInteractions)
	}
	if len(uc.Preferences.ScenarioTypes) > 0 {
		cp.Preferences.ScenarioTypes = make([]models.ScenarioType, len(uc.Preferences.ScenarioTypes))
		copy(cp.Preferences.ScenarioTypes, uc.Preferences.ScenarioTypes)
	}
	return &cp
}
