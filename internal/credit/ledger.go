// Package credit debits and refunds the opaque credit balance of a user,
// keyed by run id so a retried request never charges twice.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/store"
)

var (
	// ErrInsufficientCredits is returned when a reservation exceeds the balance.
	ErrInsufficientCredits = store.ErrInsufficientCredits
	// ErrAlreadyCommitted is returned when refunding a committed reservation.
	ErrAlreadyCommitted = store.ErrAlreadyCommitted
	// ErrAlreadyRefunded is returned when committing a refunded reservation.
	ErrAlreadyRefunded = store.ErrAlreadyRefunded
	// ErrUnknownReservation is returned for a run id that was never reserved.
	ErrUnknownReservation = errors.New("unknown reservation")
)

// Ledger serialises credit operations per user on top of the store's
// reservation table.
type Ledger struct {
	repo      store.Repository
	surcharge int
	retry     shared.RetryPolicy
	locks     sync.Map // userID -> *sync.Mutex
	logger    *slog.Logger
}

// NewLedger creates a ledger. fileSurcharge is added to any request with attachments.
func NewLedger(repo store.Repository, fileSurcharge int, retry shared.RetryPolicy, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, surcharge: fileSurcharge, retry: retry, logger: logger}
}

func (l *Ledger) lock(userID string) func() {
	v, _ := l.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Quote returns the cost of a run in mode with the given number of files.
func (l *Ledger) Quote(mode domain.RunMode, files int) int {
	return mode.Cost(files, l.surcharge)
}

// Reserve debits the cost of a run. A second call for the same runID returns
// the original reservation.
func (l *Ledger) Reserve(ctx context.Context, userID string, mode domain.RunMode, runID string, files int) (*domain.CreditReservation, error) {
	unlock := l.lock(userID)
	defer unlock()

	amount := l.Quote(mode, files)
	var res *domain.CreditReservation
	err := shared.Retry(ctx, l.retry, "reserve_credits", func(ctx context.Context) error {
		var err error
		res, err = l.repo.ReserveCredits(ctx, userID, runID, amount)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("reserve credits: %w", err)
	}
	l.logger.Info("Credits reserved",
		"user_id", userID,
		"run_id", runID,
		"amount", res.Amount,
		"balance", res.Balance)
	return res, nil
}

// Commit marks the point after which the debit is kept. Committing twice is a no-op.
func (l *Ledger) Commit(ctx context.Context, runID string) error {
	err := shared.Retry(ctx, l.retry, "commit_reservation", func(ctx context.Context) error {
		return l.repo.CommitReservation(ctx, runID)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrUnknownReservation
	case errors.Is(err, ErrAlreadyRefunded):
		return ErrAlreadyRefunded
	default:
		return fmt.Errorf("commit reservation: %w", err)
	}
}

// Refund returns the debit of runID to its user. It fails with
// ErrAlreadyCommitted once the run was committed.
func (l *Ledger) Refund(ctx context.Context, runID string) (*domain.CreditReservation, error) {
	res, err := l.repo.GetReservation(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("lookup reservation: %w", err)
	}
	if res == nil {
		return nil, ErrUnknownReservation
	}

	unlock := l.lock(res.UserID)
	defer unlock()

	var out *domain.CreditReservation
	err = shared.Retry(ctx, l.retry, "refund_reservation", func(ctx context.Context) error {
		var err error
		out, err = l.repo.RefundReservation(ctx, runID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyCommitted) {
			return nil, ErrAlreadyCommitted
		}
		return nil, fmt.Errorf("refund reservation: %w", err)
	}
	l.logger.Info("Credits refunded",
		"user_id", out.UserID,
		"run_id", runID,
		"amount", out.Amount,
		"balance", out.Balance)
	return out, nil
}

// Balance returns the user's current credits, zero for unknown users.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	acct, err := l.repo.GetAccount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return 0, nil
	}
	return acct.Credits, nil
}
