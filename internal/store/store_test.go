package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/originx/one-engine/internal/models"
)

func TestInMemoryStore_GetOrCreateIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("first GetOrCreate: unexpected error: %v", err)
	}
	second, err := s.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("second GetOrCreate: unexpected error: %v", err)
	}
	if first.UserID != second.UserID {
		t.Errorf("userID changed between calls: %q vs %q", first.UserID, second.UserID)
	}
	if first.SessionID != second.SessionID {
		t.Errorf("sessionID changed between calls: %q vs %q", first.SessionID, second.SessionID)
	}
}

func TestInMemoryStore_GetMissing(t *testing.T) {
	s := NewInMemoryStore()
	uc, err := s.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uc != nil {
		t.Errorf("expected nil for never-created context, got %+v", uc)
	}
}

func TestInMemoryStore_CreateDefaults(t *testing.T) {
	s := NewInMemoryStore()
	s.SetClock(func() time.Time {
		return time.Date(2026, 6, 1, 19, 30, 0, 0, time.UTC) // Monday evening
	})

	uc, err := s.Create(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uc.CurrentStep != models.StepNamingOne {
		t.Errorf("expected fresh context at naming-one, got %s", uc.CurrentStep)
	}
	if uc.TimeContext.TimeOfDay != models.TimeEvening {
		t.Errorf("expected evening time context, got %s", uc.TimeContext.TimeOfDay)
	}
	if uc.TimeContext.DayOfWeek != "Monday" {
		t.Errorf("expected Monday, got %s", uc.TimeContext.DayOfWeek)
	}
	if uc.SessionID == "" {
		t.Error("expected a session ID to be assigned")
	}
}

func TestInMemoryStore_UpdateMergesNotOverwrites(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	name := "Alex"
	oneName := "Nova"
	if _, err := s.Update(ctx, "u1", models.ContextUpdate{Name: &name, OneName: &oneName}); err != nil {
		t.Fatalf("seed update: unexpected error: %v", err)
	}

	step := models.StepScenario
	uc, err := s.Update(ctx, "u1", models.ContextUpdate{CurrentStep: &step})
	if err != nil {
		t.Fatalf("step update: unexpected error: %v", err)
	}
	if uc.Name != "Alex" {
		t.Errorf("name dropped by partial update: got %q", uc.Name)
	}
	if uc.OneName != "Nova" {
		t.Errorf("oneName dropped by partial update: got %q", uc.OneName)
	}
	if uc.CurrentStep != models.StepScenario {
		t.Errorf("step not applied: got %s", uc.CurrentStep)
	}
}

func TestInMemoryStore_UpdateSynthesizesDefault(t *testing.T) {
	s := NewInMemoryStore()
	name := "Max"
	uc, err := s.Update(context.Background(), "fresh", models.ContextUpdate{Name: &name})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uc.Name != "Max" {
		t.Errorf("expected merged name, got %q", uc.Name)
	}
	if uc.SessionID == "" {
		t.Error("synthesized context should carry a session ID")
	}
	if uc.CurrentStep != models.StepNamingOne {
		t.Errorf("synthesized context should start at naming-one, got %s", uc.CurrentStep)
	}
}

func TestInMemoryStore_StepNeverRegresses(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	forward := models.StepScenario
	if _, err := s.Update(ctx, "u1", models.ContextUpdate{CurrentStep: &forward}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	back := models.StepNamingOne
	if _, err := s.Update(ctx, "u1", models.ContextUpdate{CurrentStep: &back}); !errors.Is(err, models.ErrStepRegression) {
		t.Fatalf("expected ErrStepRegression, got %v", err)
	}
	uc, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uc.CurrentStep != models.StepScenario {
		t.Errorf("step regressed from scenario to %s", uc.CurrentStep)
	}

	// Scenario is a fixed point: re-applying it is allowed.
	again := models.StepScenario
	uc, err = s.Update(ctx, "u1", models.ContextUpdate{CurrentStep: &again})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uc.CurrentStep != models.StepScenario {
		t.Errorf("scenario should stay at scenario, got %s", uc.CurrentStep)
	}
}

func TestInMemoryStore_SaveKeepsForwardStep(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	forward := models.StepScenario
	if _, err := s.Update(ctx, "u1", models.ContextUpdate{CurrentStep: &forward}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A snapshot taken before the step advanced must not roll it back,
	// but its other fields still land.
	stale, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale.CurrentStep = models.StepNamingOne
	stale.Name = "Alex"
	if err := s.Save(ctx, *stale); err != nil {
		t.Fatalf("save: unexpected error: %v", err)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CurrentStep != models.StepScenario {
		t.Errorf("stale save rolled step back to %s", got.CurrentStep)
	}
	if got.Name != "Alex" {
		t.Errorf("stale save dropped unrelated fields: name %q", got.Name)
	}
}

func TestInMemoryStore_SaveRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	uc, err := s.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	uc.AppendInteraction("user", "hello", time.Now())
	uc.AppendInteraction("assistant", "hi there", time.Now())
	if err := s.Save(ctx, *uc); err != nil {
		t.Fatalf("save: unexpected error: %v", err)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: unexpected error: %v", err)
	}
	if len(got.RecentInteractions) != 2 {
		t.Errorf("expected 2 interactions after save, got %d", len(got.RecentInteractions))
	}
}

func TestInMemoryStore_CloneIsolation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	uc, _ := s.GetOrCreate(ctx, "u1")
	uc.Name = "mutated outside the store"

	got, _ := s.Get(ctx, "u1")
	if got.Name != "" {
		t.Errorf("external mutation leaked into the store: %q", got.Name)
	}
}

func TestNewSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error when DSN not set, got nil")
	}
}

func TestNewPostgresStore_RequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore(); err == nil {
		t.Error("expected error when DSN not set, got nil")
	}
}

func TestNewRedisStore_RequiresAddr(t *testing.T) {
	if _, err := NewRedisStore(); err == nil {
		t.Error("expected error when address not set, got nil")
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	dsn := t.TempDir() + "/contexts.db"
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	created, err := s.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("create: unexpected error: %v", err)
	}

	name := "Alex"
	uc, err := s.Update(ctx, "u1", models.ContextUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update: unexpected error: %v", err)
	}
	if uc.Name != "Alex" {
		t.Errorf("expected merged name, got %q", uc.Name)
	}
	if uc.SessionID != created.SessionID {
		t.Errorf("sessionID changed across update: %q vs %q", uc.SessionID, created.SessionID)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: unexpected error: %v", err)
	}
	if got == nil || got.Name != "Alex" {
		t.Errorf("expected persisted name Alex, got %+v", got)
	}

	missing, err := s.Get(ctx, "nobody")
	if err != nil {
		t.Fatalf("get missing: unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing context, got %+v", missing)
	}
}

func TestSQLiteStore_StepNeverRegresses(t *testing.T) {
	dsn := t.TempDir() + "/contexts.db"
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	forward := models.StepScenario
	if _, err := s.Update(ctx, "u1", models.ContextUpdate{CurrentStep: &forward}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	back := models.StepNamingOne
	if _, err := s.Update(ctx, "u1", models.ContextUpdate{CurrentStep: &back}); !errors.Is(err, models.ErrStepRegression) {
		t.Fatalf("expected ErrStepRegression, got %v", err)
	}

	stale, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale.CurrentStep = models.StepNamingUser
	if err := s.Save(ctx, *stale); err != nil {
		t.Fatalf("save: unexpected error: %v", err)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CurrentStep != models.StepScenario {
		t.Errorf("step regressed from scenario to %s", got.CurrentStep)
	}
}
