package credit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/originx/one-engine/internal/models"
)

// SQLLedger persists transactions to the credit_transactions table managed
// by the context store migrations. The balance is the initial grant plus the
// signed sum of recorded transactions.
type SQLLedger struct {
	db             *sql.DB
	positional     bool
	initialBalance float64
}

// NewSQLLedger wraps an open database handle. driverName selects the
// placeholder dialect ("postgres" uses $N, anything else uses ?).
func NewSQLLedger(db *sql.DB, driverName string, initialBalance float64) *SQLLedger {
	if initialBalance < 0 {
		initialBalance = DefaultInitialBalance
	}
	return &SQLLedger{
		db:             db,
		positional:     driverName == "postgres",
		initialBalance: initialBalance,
	}
}

// rebind rewrites ? placeholders to $N for postgres.
func (l *SQLLedger) rebind(query string) string {
	if !l.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *SQLLedger) record(ctx context.Context, userID string, credits float64, reason string) error {
	q := l.rebind(`INSERT INTO credit_transactions (user_id, credits, reason, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := l.db.ExecContext(ctx, q, userID, credits, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record credit transaction: %w", err)
	}
	return nil
}

// Grant adds credits to the user's balance.
func (l *SQLLedger) Grant(ctx context.Context, userID string, credits float64, reason string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if err := l.record(ctx, userID, credits, reason); err != nil {
		return err
	}
	slog.Debug("SQLLedger.Grant: credits granted", "userID", userID, "credits", credits, "reason", reason)
	return nil
}

// Deduct removes credits from the user's balance. The balance check and the
// insert are not atomic across processes; a single engine instance serializes
// turns per user, which is the only writer path.
func (l *SQLLedger) Deduct(ctx context.Context, userID string, credits float64, reason string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance < credits {
		slog.Warn("SQLLedger.Deduct: insufficient credits", "userID", userID, "credits", credits, "balance", balance)
		return models.ErrInsufficientCredits
	}
	if err := l.record(ctx, userID, -credits, reason); err != nil {
		return err
	}
	slog.Debug("SQLLedger.Deduct: credits deducted", "userID", userID, "credits", credits, "reason", reason)
	return nil
}

// Balance reports the user's current balance.
func (l *SQLLedger) Balance(ctx context.Context, userID string) (float64, error) {
	if userID == "" {
		return 0, models.ErrEmptyUserID
	}
	q := l.rebind(`SELECT COALESCE(SUM(credits), 0) FROM credit_transactions WHERE user_id = ?`)
	var sum float64
	if err := l.db.QueryRowContext(ctx, q, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to query credit balance: %w", err)
	}
	return l.initialBalance + sum, nil
}
