package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestRetryRetriesConflictErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	boom := errors.New("constraint failed")
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}, "test", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, "test", func(context.Context) error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	if !IsSQLiteConflictError(errors.New("database is locked")) {
		t.Error("expected locked error to be a conflict")
	}
	if IsSQLiteConflictError(errors.New("no such table")) {
		t.Error("unexpected conflict classification")
	}
	if IsSQLiteConflictError(nil) {
		t.Error("nil is not a conflict")
	}
}

func TestIsSQLiteConflictErrorFromDriver(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "busy.db")
	holder, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()
	if _, err := holder.Exec("CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	conn, err := holder.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		t.Fatal(err)
	}
	defer func() { _, _ = conn.ExecContext(ctx, "ROLLBACK") }()

	other, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	_, err = other.Exec("INSERT INTO t (v) VALUES (1)")
	if err == nil {
		t.Fatal("expected the write to hit the exclusive lock")
	}
	if !IsSQLiteConflictError(err) {
		t.Errorf("expected a conflict, got %v", err)
	}
	if !IsSQLiteConflictError(fmt.Errorf("insert: %w", err)) {
		t.Error("wrapped driver errors are conflicts too")
	}

	_, err = conn.ExecContext(ctx, "SELECT * FROM missing")
	if err == nil || IsSQLiteConflictError(err) {
		t.Errorf("a missing table is not a conflict, got %v", err)
	}
}
