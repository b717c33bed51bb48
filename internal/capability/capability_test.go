package capability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/originx/one-engine/internal/credit"
	"github.com/originx/one-engine/internal/models"
)

func testCapability(id string, meta models.CapabilityMetadata, caps ...string) models.Capability {
	return models.Capability{
		ID:           id,
		Name:         id,
		Type:         models.CapabilityModel,
		Capabilities: caps,
		Metadata:     meta,
		Status:       models.CapabilityActive,
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	c := testCapability("text-a", models.CapabilityMetadata{}, models.CapTextGeneration)
	if err := r.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := r.Get("text-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "text-a" {
		t.Errorf("unexpected capability: %+v", got)
	}

	if _, err := r.Get("missing"); !errors.Is(err, models.ErrCapabilityNotFound) {
		t.Errorf("expected ErrCapabilityNotFound, got %v", err)
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	c := testCapability("dup", models.CapabilityMetadata{QualityScore: 0.5}, models.CapTextGeneration)
	if err := r.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	c.Metadata.QualityScore = 0.9
	if err := r.Register(c); !errors.Is(err, models.ErrDuplicateCapability) {
		t.Fatalf("expected ErrDuplicateCapability, got %v", err)
	}

	// The original registration must survive.
	got, _ := r.Get("dup")
	if got.Metadata.QualityScore != 0.5 {
		t.Errorf("duplicate registration overwrote original entry")
	}
}

func TestRegistrySupportingFiltersInactive(t *testing.T) {
	r := NewRegistry()
	active := testCapability("a", models.CapabilityMetadata{}, models.CapImageGeneration)
	inactive := testCapability("b", models.CapabilityMetadata{}, models.CapImageGeneration)
	inactive.Status = models.CapabilityInactive
	r.Register(active)
	r.Register(inactive)

	got := r.Supporting(models.CapImageGeneration)
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("expected only active capability, got %+v", got)
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	r.RegisterDefaults()
	if len(r.List()) != len(DefaultCapabilities()) {
		t.Errorf("expected %d capabilities, got %d", len(DefaultCapabilities()), len(r.List()))
	}
	// Second load is a no-op.
	r.RegisterDefaults()
	if len(r.List()) != len(DefaultCapabilities()) {
		t.Errorf("defaults registered twice")
	}
}

func newTestInvoker(t *testing.T, caps ...models.Capability) (*Invoker, *Registry, *credit.MemoryLedger) {
	t.Helper()
	r := NewRegistry()
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	ledger := credit.NewMemoryLedger(credit.WithInitialBalance(100))
	inv := NewInvoker(r, ledger, credit.NewConverter(100), WithTimeout(5*time.Second))
	return inv, r, ledger
}

func TestInvokeSuccessDeductsCredits(t *testing.T) {
	c := testCapability("img", models.CapabilityMetadata{CostPerUse: 0.04, AvgLatencyMs: 100, QualityScore: 0.9}, models.CapImageGeneration)
	inv, _, ledger := newTestInvoker(t, c)
	inv.Bind("img", &StaticAdapter{Result: "https://img.example/out.png"})

	res := inv.Invoke(context.Background(), "img", "a sunset", models.InvokeOptions{UserID: "u1"})
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Result != "https://img.example/out.png" {
		t.Errorf("unexpected result: %q", res.Result)
	}
	if res.Cost != 0.04 {
		t.Errorf("expected cost 0.04, got %v", res.Cost)
	}

	balance, _ := ledger.Balance(context.Background(), "u1")
	if balance != 96 {
		t.Errorf("expected balance 96 after deduction, got %v", balance)
	}
	if res.Metadata.CreditsUsed != 4 {
		t.Errorf("expected 4 credits reported, got %d", res.Metadata.CreditsUsed)
	}
}

func TestInvokeAnonymousReportsZeroCredits(t *testing.T) {
	c := testCapability("img", models.CapabilityMetadata{CostPerUse: 0.04}, models.CapImageGeneration)
	inv, _, _ := newTestInvoker(t, c)
	inv.Bind("img", &StaticAdapter{Result: "out"})

	// No user, no ledger movement: the result must not claim credits were
	// spent.
	res := inv.Invoke(context.Background(), "img", "a sunset", models.InvokeOptions{})
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Metadata.CreditsUsed != 0 {
		t.Errorf("expected 0 credits for anonymous invocation, got %d", res.Metadata.CreditsUsed)
	}
}

// brokenDeductLedger accepts balance reads but fails every deduction.
type brokenDeductLedger struct {
	*credit.MemoryLedger
}

func (l *brokenDeductLedger) Deduct(context.Context, string, float64, string) error {
	return errors.New("ledger unavailable")
}

func TestInvokeDeductFailureReportsZeroCredits(t *testing.T) {
	r := NewRegistry()
	c := testCapability("img", models.CapabilityMetadata{CostPerUse: 0.04}, models.CapImageGeneration)
	if err := r.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	ledger := &brokenDeductLedger{credit.NewMemoryLedger(credit.WithInitialBalance(100))}
	inv := NewInvoker(r, ledger, credit.NewConverter(100), WithTimeout(5*time.Second))
	inv.Bind("img", &StaticAdapter{Result: "out"})

	res := inv.Invoke(context.Background(), "img", "a sunset", models.InvokeOptions{UserID: "u1"})
	if !res.Success {
		t.Fatalf("vendor success must survive a failed deduction, got error %q", res.Error)
	}
	if res.Metadata.CreditsUsed != 0 {
		t.Errorf("expected 0 credits when deduction failed, got %d", res.Metadata.CreditsUsed)
	}
}

func TestInvokeCostCeilingShortCircuits(t *testing.T) {
	c := testCapability("video", models.CapabilityMetadata{CostPerUse: 0.25}, models.CapVideoGeneration)
	inv, _, ledger := newTestInvoker(t, c)

	called := false
	inv.Bind("video", adapterFunc(func() (string, int64, error) {
		called = true
		return "x", 0, nil
	}))

	res := inv.Invoke(context.Background(), "video", "render", models.InvokeOptions{UserID: "u1", MaxCost: 0.10})
	if res.Success {
		t.Fatal("expected failure for cost above ceiling")
	}
	if !strings.Contains(res.Error, models.ErrCostExceeded.Error()) {
		t.Errorf("expected cost exceeded error, got %q", res.Error)
	}
	if called {
		t.Error("vendor adapter must not be called when the ceiling blocks the invocation")
	}
	balance, _ := ledger.Balance(context.Background(), "u1")
	if balance != 100 {
		t.Errorf("expected no deduction, balance is %v", balance)
	}
}

type adapterFunc func() (string, int64, error)

func (f adapterFunc) Execute(context.Context, models.Capability, string) (string, int64, error) {
	return f()
}

func TestInvokeInactiveCapability(t *testing.T) {
	c := testCapability("down", models.CapabilityMetadata{}, models.CapTextGeneration)
	c.Status = models.CapabilityMaintenance
	inv, _, _ := newTestInvoker(t, c)
	inv.Bind("down", &StaticAdapter{Result: "x"})

	res := inv.Invoke(context.Background(), "down", "hi", models.InvokeOptions{})
	if res.Success {
		t.Fatal("expected failure for non-active capability")
	}
	if !strings.Contains(res.Error, models.ErrCapabilityInactive.Error()) {
		t.Errorf("unexpected error: %q", res.Error)
	}
}

func TestInvokeVendorFailureNeverPanics(t *testing.T) {
	c := testCapability("flaky", models.CapabilityMetadata{CostPerUse: 0.01}, models.CapTextGeneration)
	inv, _, ledger := newTestInvoker(t, c)
	inv.Bind("flaky", &StaticAdapter{Err: errors.New("upstream 503")})

	res := inv.Invoke(context.Background(), "flaky", "hi", models.InvokeOptions{UserID: "u1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Error("failure must carry the error text")
	}
	// No deduction for failed vendor calls.
	balance, _ := ledger.Balance(context.Background(), "u1")
	if balance != 100 {
		t.Errorf("expected balance unchanged, got %v", balance)
	}
}

func TestInvokeInsufficientCredits(t *testing.T) {
	c := testCapability("pricey", models.CapabilityMetadata{CostPerUse: 5}, models.CapVideoGeneration)
	r := NewRegistry()
	r.Register(c)
	ledger := credit.NewMemoryLedger(credit.WithInitialBalance(10))
	inv := NewInvoker(r, ledger, credit.NewConverter(100))
	inv.Bind("pricey", &StaticAdapter{Result: "x"})

	res := inv.Invoke(context.Background(), "pricey", "render", models.InvokeOptions{UserID: "u1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, models.ErrInsufficientCredits.Error()) {
		t.Errorf("unexpected error: %q", res.Error)
	}
}

func TestInvokeBestQualityPolicies(t *testing.T) {
	fast := testCapability("fast", models.CapabilityMetadata{CostPerUse: 0.01, AvgLatencyMs: 100, QualityScore: 0.5}, models.CapTextGeneration)
	high := testCapability("high", models.CapabilityMetadata{CostPerUse: 0.10, AvgLatencyMs: 3000, QualityScore: 0.95}, models.CapTextGeneration)
	cheap := testCapability("cheap", models.CapabilityMetadata{CostPerUse: 0.001, AvgLatencyMs: 1500, QualityScore: 0.6}, models.CapTextGeneration)

	tests := []struct {
		quality models.QualityLevel
		wantID  string
	}{
		{models.QualityFast, "fast"},
		{models.QualityHigh, "high"},
		{models.QualityBalanced, "cheap"},
	}
	for _, tt := range tests {
		t.Run(string(tt.quality), func(t *testing.T) {
			inv, _, _ := newTestInvoker(t, fast, high, cheap)
			for _, id := range []string{"fast", "high", "cheap"} {
				inv.Bind(id, &StaticAdapter{Result: id})
			}
			res := inv.InvokeBest(context.Background(), models.CapTextGeneration, "hi", models.InvokeOptions{Quality: tt.quality})
			if !res.Success {
				t.Fatalf("expected success, got %q", res.Error)
			}
			if res.Result != tt.wantID {
				t.Errorf("expected %s selected, got %s", tt.wantID, res.Result)
			}
		})
	}
}

func TestInvokeBestRespectsCeiling(t *testing.T) {
	expensive := testCapability("exp", models.CapabilityMetadata{CostPerUse: 0.50, QualityScore: 0.99}, models.CapImageGeneration)
	affordable := testCapability("aff", models.CapabilityMetadata{CostPerUse: 0.02, QualityScore: 0.7}, models.CapImageGeneration)
	inv, _, _ := newTestInvoker(t, expensive, affordable)
	inv.Bind("exp", &StaticAdapter{Result: "exp"})
	inv.Bind("aff", &StaticAdapter{Result: "aff"})

	res := inv.InvokeBest(context.Background(), models.CapImageGeneration, "x", models.InvokeOptions{MaxCost: 0.05, Quality: models.QualityHigh})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.Result != "aff" {
		t.Errorf("expected affordable capability, got %s", res.Result)
	}
}

func TestInvokeBestNoCandidates(t *testing.T) {
	inv, _, _ := newTestInvoker(t)
	res := inv.InvokeBest(context.Background(), models.CapVideoGeneration, "x", models.InvokeOptions{})
	if res.Success {
		t.Fatal("expected failure with no candidates")
	}
}
