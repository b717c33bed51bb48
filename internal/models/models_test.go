package models

import (
	"testing"
	"time"
)

func TestTimeOfDayFor(t *testing.T) {
	cases := []struct {
		hour int
		want TimeOfDay
	}{
		{6, TimeMorning},
		{11, TimeMorning},
		{12, TimeAfternoon},
		{16, TimeAfternoon},
		{17, TimeEvening},
		{21, TimeEvening},
		{22, TimeNight},
		{3, TimeNight},
	}
	for _, c := range cases {
		at := time.Date(2026, 3, 14, c.hour, 0, 0, 0, time.UTC)
		if got := TimeOfDayFor(at); got != c.want {
			t.Errorf("hour %d: expected %s, got %s", c.hour, c.want, got)
		}
	}
}

func TestStepAdvances(t *testing.T) {
	if !StepAdvances(StepLanding, StepNamingOne) {
		t.Error("landing -> naming-one should advance")
	}
	if !StepAdvances(StepNamingOne, StepNamingUser) {
		t.Error("naming-one -> naming-user should advance")
	}
	if !StepAdvances(StepNamingUser, StepScenario) {
		t.Error("naming-user -> scenario should advance")
	}
	if !StepAdvances(StepScenario, StepScenario) {
		t.Error("scenario is a fixed point and must re-enter itself")
	}
	if StepAdvances(StepScenario, StepNamingOne) {
		t.Error("regression to naming-one must not be a legal transition")
	}
	if StepAdvances(StepNamingUser, StepLanding) {
		t.Error("regression to landing must not be a legal transition")
	}
	if StepAdvances("bogus", StepScenario) {
		t.Error("unknown steps must never advance")
	}
}

func TestNextStep(t *testing.T) {
	if NextStep(StepLanding) != StepNamingOne {
		t.Error("landing should be followed by naming-one")
	}
	if NextStep(StepScenario) != StepScenario {
		t.Error("scenario should be its own successor")
	}
	if NextStep("bogus") != StepScenario {
		t.Error("unknown step should degrade to scenario")
	}
}

func TestAppendInteractionBounded(t *testing.T) {
	ctx := &UserContext{UserID: "u1"}
	now := time.Now()
	for i := 0; i < MaxRecentInteractions+10; i++ {
		ctx.AppendInteraction("user", "hello", now)
	}
	if len(ctx.RecentInteractions) != MaxRecentInteractions {
		t.Errorf("expected interaction ring capped at %d, got %d", MaxRecentInteractions, len(ctx.RecentInteractions))
	}
}

func TestTurnRequestValidate(t *testing.T) {
	r := TurnRequest{UserID: "u1", Text: "hi"}
	if err := r.Validate(); err != nil {
		t.Fatalf("valid request: unexpected error: %v", err)
	}

	r = TurnRequest{Text: "hi"}
	if err := r.Validate(); err != ErrEmptyUserID {
		t.Errorf("expected ErrEmptyUserID, got %v", err)
	}

	r = TurnRequest{UserID: "u1"}
	if err := r.Validate(); err != ErrEmptyTurnText {
		t.Errorf("expected ErrEmptyTurnText, got %v", err)
	}

	long := make([]byte, MaxTurnTextLength+1)
	for i := range long {
		long[i] = 'a'
	}
	r = TurnRequest{UserID: "u1", Text: string(long)}
	if err := r.Validate(); err != ErrTurnTextTooLong {
		t.Errorf("expected ErrTurnTextTooLong, got %v", err)
	}

	r = TurnRequest{UserID: "u1", Text: "hi", ClientStep: "sideways"}
	if err := r.Validate(); err != ErrInvalidStep {
		t.Errorf("expected ErrInvalidStep, got %v", err)
	}
}

func TestCapabilitySupports(t *testing.T) {
	c := Capability{Capabilities: []string{CapTextGeneration, CapImageGeneration}}
	if !c.Supports(CapImageGeneration) {
		t.Error("expected image_generation to be supported")
	}
	if c.Supports(CapVideoGeneration) {
		t.Error("video_generation should not be supported")
	}
}
