// Package credit tracks per-user credit balances for capability usage.
package credit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/originx/one-engine/internal/models"
)

const (
	// DefaultCreditsPerUSD converts vendor USD cost into user-facing credits.
	DefaultCreditsPerUSD = 100.0
	// DefaultInitialBalance is granted to a user on first contact.
	DefaultInitialBalance = 500.0
)

// Ledger records grants and deductions against per-user balances.
type Ledger interface {
	// Grant adds credits to the user's balance.
	Grant(ctx context.Context, userID string, credits float64, reason string) error
	// Deduct removes credits, failing with models.ErrInsufficientCredits
	// when the balance cannot cover the amount.
	Deduct(ctx context.Context, userID string, credits float64, reason string) error
	// Balance reports the user's current balance.
	Balance(ctx context.Context, userID string) (float64, error)
}

// Converter maps vendor USD costs into credits at a configurable rate.
type Converter struct {
	creditsPerUSD float64
}

// NewConverter builds a converter. A non-positive rate falls back to the
// default.
func NewConverter(creditsPerUSD float64) Converter {
	if creditsPerUSD <= 0 {
		creditsPerUSD = DefaultCreditsPerUSD
	}
	return Converter{creditsPerUSD: creditsPerUSD}
}

// USDToCredits converts a USD amount into credits.
func (c Converter) USDToCredits(usd float64) float64 {
	return usd * c.creditsPerUSD
}

// MemoryLedger is an in-process ledger. Unknown users are seeded with the
// initial balance on first access.
type MemoryLedger struct {
	mu             sync.Mutex
	balances       map[string]float64
	initialBalance float64
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithInitialBalance overrides the balance seeded for new users.
func WithInitialBalance(credits float64) MemoryOption {
	return func(l *MemoryLedger) { l.initialBalance = credits }
}

// NewMemoryLedger creates an in-memory ledger.
func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		balances:       make(map[string]float64),
		initialBalance: DefaultInitialBalance,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ensureLocked seeds the user's balance if absent. Caller holds mu.
func (l *MemoryLedger) ensureLocked(userID string) {
	if _, ok := l.balances[userID]; !ok {
		l.balances[userID] = l.initialBalance
	}
}

// Grant adds credits to the user's balance.
func (l *MemoryLedger) Grant(_ context.Context, userID string, credits float64, reason string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(userID)
	l.balances[userID] += credits
	slog.Debug("MemoryLedger.Grant: credits granted", "userID", userID, "credits", credits, "reason", reason)
	return nil
}

// Deduct removes credits from the user's balance.
func (l *MemoryLedger) Deduct(_ context.Context, userID string, credits float64, reason string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(userID)
	if l.balances[userID] < credits {
		slog.Warn("MemoryLedger.Deduct: insufficient credits", "userID", userID, "credits", credits, "balance", l.balances[userID])
		return models.ErrInsufficientCredits
	}
	l.balances[userID] -= credits
	slog.Debug("MemoryLedger.Deduct: credits deducted", "userID", userID, "credits", credits, "reason", reason)
	return nil
}

// Balance reports the user's current balance.
func (l *MemoryLedger) Balance(_ context.Context, userID string) (float64, error) {
	if userID == "" {
		return 0, models.ErrEmptyUserID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(userID)
	return l.balances[userID], nil
}
