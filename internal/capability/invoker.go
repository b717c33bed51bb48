package capability

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/originx/one-engine/internal/credit"
	"github.com/originx/one-engine/internal/models"
)

// DefaultInvokeTimeout bounds a single vendor call.
const DefaultInvokeTimeout = 2 * time.Minute

// Invoker selects and executes capabilities. It never returns a Go error to
// callers; every failure is expressed as an unsuccessful InvocationResult so
// the conversation can degrade instead of breaking.
type Invoker struct {
	registry *Registry
	adapters map[string]VendorAdapter // keyed by capability ID
	ledger   credit.Ledger
	convert  credit.Converter
	timeout  time.Duration
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithTimeout overrides the per-invocation vendor timeout.
func WithTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) { i.timeout = d }
}

// NewInvoker wires the registry, per-capability adapters, and the credit
// ledger together.
func NewInvoker(registry *Registry, ledger credit.Ledger, convert credit.Converter, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry: registry,
		adapters: make(map[string]VendorAdapter),
		ledger:   ledger,
		convert:  convert,
		timeout:  DefaultInvokeTimeout,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Bind attaches an adapter to a capability ID.
func (i *Invoker) Bind(capabilityID string, adapter VendorAdapter) {
	i.adapters[capabilityID] = adapter
}

// failure builds an unsuccessful result carrying the error text.
func failure(name string, err error) *models.InvocationResult {
	return &models.InvocationResult{
		Success:  false,
		Error:    err.Error(),
		Metadata: models.InvocationMetadata{CapabilityName: name},
	}
}

// Invoke executes the capability with the given ID. The cost ceiling is
// checked before any vendor call so a too-expensive capability costs nothing.
func (i *Invoker) Invoke(ctx context.Context, capabilityID, input string, opts models.InvokeOptions) *models.InvocationResult {
	c, err := i.registry.Get(capabilityID)
	if err != nil {
		slog.Warn("Invoker.Invoke: unknown capability", "capabilityID", capabilityID)
		return failure(capabilityID, err)
	}
	if c.Status != models.CapabilityActive {
		slog.Warn("Invoker.Invoke: capability not active", "capabilityID", capabilityID, "status", c.Status)
		return failure(c.Name, models.ErrCapabilityInactive)
	}
	if opts.MaxCost > 0 && c.Metadata.CostPerUse > opts.MaxCost {
		slog.Info("Invoker.Invoke: cost ceiling exceeded, skipping vendor call",
			"capabilityID", capabilityID, "costPerUse", c.Metadata.CostPerUse, "maxCost", opts.MaxCost)
		return failure(c.Name, models.ErrCostExceeded)
	}

	credits := i.convert.USDToCredits(c.Metadata.CostPerUse)
	if opts.UserID != "" {
		balance, berr := i.ledger.Balance(ctx, opts.UserID)
		if berr != nil {
			slog.Error("Invoker.Invoke: balance lookup failed", "userID", opts.UserID, "error", berr)
			return failure(c.Name, berr)
		}
		if balance < credits {
			slog.Info("Invoker.Invoke: insufficient credits", "userID", opts.UserID, "credits", credits, "balance", balance)
			return failure(c.Name, models.ErrInsufficientCredits)
		}
	}

	adapter, ok := i.adapters[capabilityID]
	if !ok {
		slog.Error("Invoker.Invoke: no adapter bound", "capabilityID", capabilityID)
		return failure(c.Name, models.ErrVendorUnavailable)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	result, tokens, err := adapter.Execute(invokeCtx, c, input)
	elapsed := time.Since(start)
	if err != nil {
		slog.Error("Invoker.Invoke: vendor call failed", "capabilityID", capabilityID, "error", err, "elapsed", elapsed)
		return failure(c.Name, err)
	}

	// CreditsUsed reports what actually left the ledger: zero for anonymous
	// invocations and zero when the deduction itself failed.
	var creditsUsed float64
	if opts.UserID != "" {
		if derr := i.ledger.Deduct(ctx, opts.UserID, credits, c.Name); derr != nil {
			// The vendor call succeeded; deliver the result and flag the
			// accounting problem rather than discarding paid-for work.
			slog.Error("Invoker.Invoke: credit deduction failed after success", "userID", opts.UserID, "error", derr)
		} else {
			creditsUsed = credits
		}
	}

	slog.Info("Invoker.Invoke: capability invoked", "capabilityID", capabilityID, "elapsed", elapsed, "creditsUsed", creditsUsed)
	return &models.InvocationResult{
		Success: true,
		Result:  result,
		Cost:    c.Metadata.CostPerUse,
		Metadata: models.InvocationMetadata{
			CapabilityName:  c.Name,
			ExecutionTimeMs: elapsed.Milliseconds(),
			CreditsUsed:     int64(math.Ceil(creditsUsed)),
			TokensUsed:      tokens,
		},
	}
}

// InvokeBest picks the active capability supporting the named capability
// string according to the quality preference, then invokes it.
func (i *Invoker) InvokeBest(ctx context.Context, capabilityName, input string, opts models.InvokeOptions) *models.InvocationResult {
	candidates := i.registry.Supporting(capabilityName)
	if opts.MaxCost > 0 {
		affordable := candidates[:0]
		for _, c := range candidates {
			if c.Metadata.CostPerUse <= opts.MaxCost {
				affordable = append(affordable, c)
			}
		}
		candidates = affordable
	}
	if len(candidates) == 0 {
		slog.Warn("Invoker.InvokeBest: no candidate capability", "capability", capabilityName, "maxCost", opts.MaxCost)
		return failure(capabilityName, models.ErrCapabilityNotFound)
	}

	best := rank(candidates, opts.Quality)
	return i.Invoke(ctx, best.ID, input, opts)
}

// rank applies the quality preference over a non-empty candidate list.
func rank(candidates []models.Capability, quality models.QualityLevel) models.Capability {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if preferred(c, best, quality) {
			best = c
		}
	}
	return best
}

func preferred(a, b models.Capability, quality models.QualityLevel) bool {
	switch quality {
	case models.QualityFast:
		return a.Metadata.AvgLatencyMs < b.Metadata.AvgLatencyMs
	case models.QualityHigh:
		return a.Metadata.QualityScore > b.Metadata.QualityScore
	default:
		return balancedScore(a) > balancedScore(b)
	}
}

// balancedScore trades quality against cost. Zero-cost capabilities win on
// quality alone.
func balancedScore(c models.Capability) float64 {
	cost := c.Metadata.CostPerUse
	if cost <= 0 {
		cost = 0.0001
	}
	return c.Metadata.QualityScore / cost
}
