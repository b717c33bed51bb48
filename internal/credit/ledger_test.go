package credit

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/originx/one-engine/internal/models"
)

func TestConverter(t *testing.T) {
	c := NewConverter(100)
	if got := c.USDToCredits(0.04); got != 4 {
		t.Errorf("expected 4 credits, got %v", got)
	}
	// Non-positive rates fall back to the default.
	d := NewConverter(0)
	if got := d.USDToCredits(1); got != DefaultCreditsPerUSD {
		t.Errorf("expected default rate, got %v", got)
	}
}

func TestMemoryLedgerSeedsInitialBalance(t *testing.T) {
	l := NewMemoryLedger(WithInitialBalance(100))
	balance, err := l.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 100 {
		t.Errorf("expected initial balance 100, got %v", balance)
	}
}

func TestMemoryLedgerDeductAndGrant(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(WithInitialBalance(10))

	if err := l.Deduct(ctx, "u1", 4, "image generation"); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}
	if err := l.Grant(ctx, "u1", 2, "promo"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	balance, _ := l.Balance(ctx, "u1")
	if balance != 8 {
		t.Errorf("expected balance 8, got %v", balance)
	}
}

func TestMemoryLedgerInsufficientCredits(t *testing.T) {
	l := NewMemoryLedger(WithInitialBalance(1))
	err := l.Deduct(context.Background(), "u1", 5, "video generation")
	if !errors.Is(err, models.ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
	// A failed deduction must not change the balance.
	balance, _ := l.Balance(context.Background(), "u1")
	if balance != 1 {
		t.Errorf("expected balance unchanged at 1, got %v", balance)
	}
}

func TestMemoryLedgerEmptyUserID(t *testing.T) {
	l := NewMemoryLedger()
	if err := l.Deduct(context.Background(), "", 1, "x"); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("expected ErrEmptyUserID, got %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "credit.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE credit_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		credits REAL NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	return db
}

func TestSQLLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := NewSQLLedger(openTestDB(t), "sqlite3", 50)

	balance, err := l.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 50 {
		t.Errorf("expected initial balance 50, got %v", balance)
	}

	if err := l.Deduct(ctx, "u1", 12.5, "image generation"); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}
	if err := l.Grant(ctx, "u1", 2.5, "promo"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	balance, _ = l.Balance(ctx, "u1")
	if balance != 40 {
		t.Errorf("expected balance 40, got %v", balance)
	}
}

func TestSQLLedgerInsufficientCredits(t *testing.T) {
	l := NewSQLLedger(openTestDB(t), "sqlite3", 5)
	err := l.Deduct(context.Background(), "u1", 10, "video generation")
	if !errors.Is(err, models.ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestSQLLedgerRebind(t *testing.T) {
	pg := NewSQLLedger(nil, "postgres", 0)
	got := pg.rebind("INSERT INTO t (a, b) VALUES (?, ?)")
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	lite := NewSQLLedger(nil, "sqlite3", 0)
	q := "SELECT 1 WHERE a = ?"
	if lite.rebind(q) != q {
		t.Errorf("sqlite rebind should be identity")
	}
}
