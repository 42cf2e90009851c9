package credit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/store"
)

func newLedger(t *testing.T, credits int) (*Ledger, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	if _, err := repo.EnsureAccount(context.Background(), "u1", credits); err != nil {
		t.Fatal(err)
	}
	return NewLedger(repo, 1, shared.RetryPolicy{MaxRetries: 5, BaseDelay: 5 * time.Millisecond}, nil), repo
}

var standard = domain.RunMode{Name: domain.ModeStandard, CreditCost: 2}

func TestReserveIsIdempotentPerRun(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t, 5)
	ctx := context.Background()

	first, err := l.Reserve(ctx, "u1", standard, "run-1", 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	second, err := l.Reserve(ctx, "u1", standard, "run-1", 0)
	if err != nil {
		t.Fatalf("second Reserve failed: %v", err)
	}
	if first.Balance != 3 || second.Balance != 3 {
		t.Fatalf("expected a single debit, got %d then %d", first.Balance, second.Balance)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 3 {
		t.Fatalf("expected balance 3, got %d", bal)
	}
}

func TestReserveAddsFileSurcharge(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t, 5)

	res, err := l.Reserve(context.Background(), "u1", standard, "run-1", 2)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.Amount != 3 {
		t.Fatalf("expected cost 3 with surcharge, got %d", res.Amount)
	}
}

func TestReserveRejectsInsufficientCredits(t *testing.T) {
	t.Parallel()
	l, repo := newLedger(t, 0)

	_, err := l.Reserve(context.Background(), "u1", standard, "run-1", 0)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if res, _ := repo.GetReservation(context.Background(), "run-1"); res != nil {
		t.Fatal("rejected reservation must not be recorded")
	}
}

func TestRefundAfterCommitFails(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t, 5)
	ctx := context.Background()

	if _, err := l.Reserve(ctx, "u1", standard, "run-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := l.Commit(ctx, "run-1"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := l.Refund(ctx, "run-1"); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}
	if _, err := l.Refund(ctx, "missing"); !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestRefundRestoresBalanceOnce(t *testing.T) {
	t.Parallel()
	l, repo := newLedger(t, 5)
	ctx := context.Background()

	if _, err := l.Reserve(ctx, "u1", standard, "run-1", 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		res, err := l.Refund(ctx, "run-1")
		if err != nil {
			t.Fatalf("Refund %d failed: %v", i, err)
		}
		if res.Balance != 5 {
			t.Fatalf("expected balance 5, got %d", res.Balance)
		}
	}
	res, _ := repo.GetReservation(ctx, "run-1")
	if res.CommittedAt != nil || res.RefundedAt == nil {
		t.Fatalf("exactly one of committed/refunded must be set: %+v", res)
	}
}

func TestConcurrentReservationsAreLinearisable(t *testing.T) {
	t.Parallel()
	l, _ := newLedger(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "u1", domain.RunMode{CreditCost: 1}, fmt.Sprintf("run-%d", i), 0); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ok != 5 {
		t.Fatalf("expected exactly 5 successful reservations, got %d", ok)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 0 {
		t.Fatalf("expected balance 0, got %d", bal)
	}
}
