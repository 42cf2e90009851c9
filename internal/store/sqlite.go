package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/council/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets status polls read while a run checkpoints.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		credits INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		title_set INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		files_json TEXT,
		mode TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		source_message_id TEXT,
		user_message_id TEXT,
		stage1_json TEXT,
		stage1_5_json TEXT,
		stage2_json TEXT,
		stage3_json TEXT,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_user_message ON messages(user_message_id);
	CREATE INDEX IF NOT EXISTS idx_messages_source ON messages(conversation_id, source_message_id);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		user_message_id TEXT NOT NULL,
		assistant_message_id TEXT NOT NULL DEFAULT '',
		current_stage TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		last_heartbeat_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active ON runs(conversation_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id, started_at);

	CREATE TABLE IF NOT EXISTS orphans (
		user_message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		detected_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orphans_conversation ON orphans(conversation_id, detected_at);

	CREATE TABLE IF NOT EXISTS credit_reservations (
		run_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		committed_at INTEGER,
		refunded_at INTEGER
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnsureAccount creates the account with startingCredits if missing.
func (s *SQLiteStore) EnsureAccount(ctx context.Context, userID string, startingCredits int) (*domain.Account, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, credits, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, startingCredits, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

// GetAccount retrieves an account by user ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, credits, created_at, updated_at FROM accounts WHERE user_id = ?`, userID)

	var acct domain.Account
	var createdAt, updatedAt int64
	err := row.Scan(&acct.UserID, &acct.Credits, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}
	acct.CreatedAt = time.UnixMilli(createdAt)
	acct.UpdatedAt = time.UnixMilli(updatedAt)
	return &acct, nil
}

// CreateConversation creates an empty conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     domain.DefaultTitle,
		CreatedAt: time.UnixMilli(time.Now().UnixMilli()),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, title_set, created_at) VALUES (?, ?, ?, 0, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation with its messages.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at FROM conversations WHERE id = ?`, conversationID)

	var conv domain.Conversation
	var createdAt int64
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	conv.CreatedAt = time.UnixMilli(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	conv.Messages = []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return &conv, nil
}

// ListConversations returns a page of the user's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, page, limit int) ([]domain.ConversationSummary, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.user_id = ?
		ORDER BY c.created_at DESC, c.id
		LIMIT ? OFFSET ?`,
		userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	out := []domain.ConversationSummary{}
	for rows.Next() {
		var sum domain.ConversationSummary
		var createdAt int64
		if err := rows.Scan(&sum.ID, &sum.Title, &createdAt, &sum.MessageCount); err != nil {
			return nil, 0, fmt.Errorf("scan conversation summary: %w", err)
		}
		sum.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, total, nil
}

// SetTitle sets the title if it has not been set before.
func (s *SQLiteStore) SetTitle(ctx context.Context, conversationID, title string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, title_set = 1 WHERE id = ? AND title_set = 0`,
		title, conversationID)
	if err != nil {
		return false, fmt.Errorf("set title: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// DeleteConversation removes a conversation and cascades to its messages, runs and markers.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		for _, q := range []string{
			`DELETE FROM messages WHERE conversation_id = ?`,
			`DELETE FROM orphans WHERE conversation_id = ?`,
			`DELETE FROM runs WHERE conversation_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, conversationID); err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}
		return nil
	})
}

// AppendMessage appends a message to its conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertMessage(ctx, tx, msg)
	})
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// FindMessageBySource returns the user message that retried sourceMessageID.
func (s *SQLiteStore) FindMessageBySource(ctx context.Context, conversationID, sourceMessageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND source_message_id = ? AND role = 'user'
		ORDER BY seq LIMIT 1`,
		conversationID, sourceMessageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// UpsertAssistantMessage writes an assistant message's stage payloads.
func (s *SQLiteStore) UpsertAssistantMessage(ctx context.Context, msg *domain.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertAssistant(ctx, tx, msg)
	})
}

// DeleteMessage removes a user message with its assistant reply and orphan marker.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var role string
		err := tx.QueryRowContext(ctx,
			`SELECT role FROM messages WHERE id = ? AND conversation_id = ?`, messageID, conversationID).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup message: %w", err)
		}

		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM runs WHERE status = 'active' AND (user_message_id = ? OR assistant_message_id = ?)`,
			messageID, messageID).Scan(&active); err != nil {
			return fmt.Errorf("check active run: %w", err)
		}
		if active > 0 {
			return ErrRunActive
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if role == string(domain.RoleUser) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM messages WHERE user_message_id = ? AND role = 'assistant'`, messageID); err != nil {
				return fmt.Errorf("delete assistant reply: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM orphans WHERE user_message_id = ?`, messageID); err != nil {
				return fmt.Errorf("delete orphan marker: %w", err)
			}
		}
		return nil
	})
}

// StartRun atomically records the user message, assistant placeholder and active run.
func (s *SQLiteStore) StartRun(ctx context.Context, run *domain.RunRecord, userMsg, assistantMsg *domain.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM runs WHERE conversation_id = ? AND status = 'active'`,
			run.ConversationID).Scan(&active); err != nil {
			return fmt.Errorf("check active run: %w", err)
		}
		if active > 0 {
			return ErrRunActive
		}

		if err := insertMessage(ctx, tx, userMsg); err != nil {
			return err
		}
		if err := insertMessage(ctx, tx, assistantMsg); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, conversation_id, user_id, mode, user_message_id, assistant_message_id,
			                  current_stage, status, started_at, last_heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.ConversationID, run.UserID, string(run.Mode), run.UserMessageID, run.AssistantMessageID,
			string(run.CurrentStage), string(domain.RunActive),
			run.StartedAt.UnixMilli(), run.LastHeartbeatAt.UnixMilli())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return ErrRunActive
			}
			return fmt.Errorf("insert run: %w", err)
		}
		run.Status = domain.RunActive
		return nil
	})
}

// Checkpoint writes the assistant message and advances current_stage in one transaction,
// so status readers never see a stage advance without its payload.
func (s *SQLiteStore) Checkpoint(ctx context.Context, runID string, assistantMsg *domain.Message, next domain.StageID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertAssistant(ctx, tx, assistantMsg); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE runs SET current_stage = ?, last_heartbeat_at = ? WHERE id = ? AND status = 'active'`,
			string(next), time.Now().UnixMilli(), runID)
		if err != nil {
			return fmt.Errorf("advance run stage: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TouchRun records a heartbeat for an active run.
func (s *SQLiteStore) TouchRun(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET last_heartbeat_at = ? WHERE id = ? AND status = 'active'`, at.UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

// FinishRun moves a run to a terminal state.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, state domain.RunState, errMsg string, assistantMsg *domain.Message, orphan *domain.OrphanMarker) error {
	if !state.Terminal() {
		return fmt.Errorf("finish run: %q is not a terminal state", state)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var assistantID string
		err := tx.QueryRowContext(ctx, `SELECT assistant_message_id FROM runs WHERE id = ?`, runID).Scan(&assistantID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup run: %w", err)
		}

		if assistantMsg != nil {
			if err := upsertAssistant(ctx, tx, assistantMsg); err != nil {
				return err
			}
		} else if assistantID != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, assistantID); err != nil {
				return fmt.Errorf("delete assistant placeholder: %w", err)
			}
		}

		current := ""
		if state == domain.RunComplete {
			current = string(domain.StageComplete)
		}
		query := `UPDATE runs SET status = ?, error = ?, ended_at = ?`
		args := []interface{}{string(state), errMsg, time.Now().UnixMilli()}
		if current != "" {
			query += `, current_stage = ?`
			args = append(args, current)
		}
		query += ` WHERE id = ?`
		args = append(args, runID)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}

		if orphan != nil {
			if err := insertOrphan(ctx, tx, orphan); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// GetRunStatus reads the active run and the newest orphan marker in one transaction.
func (s *SQLiteStore) GetRunStatus(ctx context.Context, conversationID string) (*domain.RunStatus, error) {
	status := &domain.RunStatus{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM runs WHERE conversation_id = ? AND status = 'active' LIMIT 1`, conversationID)
		run, err := scanRun(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			status.Processing = true
			status.RunID = run.ID
			status.CurrentStage = run.CurrentStage
		}

		var userMessageID string
		err = tx.QueryRowContext(ctx, `
			SELECT user_message_id FROM orphans
			WHERE conversation_id = ?
			ORDER BY detected_at DESC LIMIT 1`, conversationID).Scan(&userMessageID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup orphan: %w", err)
		}

		msgRow := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, userMessageID)
		msg, err := scanMessage(msgRow)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		status.Orphaned = true
		status.OrphanedMessage = msg
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get run status: %w", err)
	}
	return status, nil
}

// ListActiveRuns returns every run still marked active.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]domain.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status = 'active' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active run rows", "error", closeErr)
		}
	}()

	var runs []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active runs: %w", err)
	}
	return runs, nil
}

// WriteOrphanMarker records an orphaned user message.
func (s *SQLiteStore) WriteOrphanMarker(ctx context.Context, marker *domain.OrphanMarker) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertOrphan(ctx, tx, marker)
	})
}

// ClearOrphanMarker removes the marker for a user message.
func (s *SQLiteStore) ClearOrphanMarker(ctx context.Context, userMessageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM orphans WHERE user_message_id = ?`, userMessageID); err != nil {
		return fmt.Errorf("clear orphan marker: %w", err)
	}
	return nil
}

// GetOrphanMarker retrieves the marker for a user message.
func (s *SQLiteStore) GetOrphanMarker(ctx context.Context, userMessageID string) (*domain.OrphanMarker, error) {
	var m domain.OrphanMarker
	var detectedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_message_id, conversation_id, run_id, reason, detected_at
		FROM orphans WHERE user_message_id = ?`, userMessageID).
		Scan(&m.UserMessageID, &m.ConversationID, &m.RunID, &m.Reason, &detectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan orphan marker: %w", err)
	}
	m.DetectedAt = time.UnixMilli(detectedAt)
	return &m, nil
}

// FindOrphanCandidates returns unanswered user messages older than cutoff.
func (s *SQLiteStore) FindOrphanCandidates(ctx context.Context, cutoff time.Time) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages u
		WHERE u.role = 'user' AND u.created_at < ?
		  AND NOT EXISTS (SELECT 1 FROM messages a
		                  WHERE a.user_message_id = u.id AND a.role = 'assistant' AND a.status = 'complete')
		  AND NOT EXISTS (SELECT 1 FROM runs r WHERE r.user_message_id = u.id AND r.status = 'active')
		  AND NOT EXISTS (SELECT 1 FROM orphans o WHERE o.user_message_id = u.id)
		  AND NOT EXISTS (SELECT 1 FROM messages x
		                  WHERE x.conversation_id = u.conversation_id AND x.source_message_id = u.id)
		ORDER BY u.seq`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query orphan candidates: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close orphan candidate rows", "error", closeErr)
		}
	}()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphan candidates: %w", err)
	}
	return out, nil
}

// ReserveCredits debits the account for runID exactly once.
func (s *SQLiteStore) ReserveCredits(ctx context.Context, userID, runID string, amount int) (*domain.CreditReservation, error) {
	var res *domain.CreditReservation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanReservation(tx.QueryRowContext(ctx,
			`SELECT `+reservationColumns+` FROM credit_reservations WHERE run_id = ?`, runID))
		if err == nil {
			res = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var credits int
		err = tx.QueryRowContext(ctx, `SELECT credits FROM accounts WHERE user_id = ?`, userID).Scan(&credits)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if credits < amount {
			return ErrInsufficientCredits
		}

		now := time.Now().UnixMilli()
		balance := credits - amount
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET credits = ?, updated_at = ? WHERE user_id = ?`, balance, now, userID); err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_reservations (run_id, user_id, amount, balance_after, created_at)
			VALUES (?, ?, ?, ?, ?)`, runID, userID, amount, balance, now); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		res = &domain.CreditReservation{
			RunID:     runID,
			UserID:    userID,
			Amount:    amount,
			Balance:   balance,
			CreatedAt: time.UnixMilli(now),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CommitReservation marks a reservation committed.
func (s *SQLiteStore) CommitReservation(ctx context.Context, runID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := scanReservation(tx.QueryRowContext(ctx,
			`SELECT `+reservationColumns+` FROM credit_reservations WHERE run_id = ?`, runID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if res.RefundedAt != nil {
			return ErrAlreadyRefunded
		}
		if res.CommittedAt != nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_reservations SET committed_at = ? WHERE run_id = ?`, time.Now().UnixMilli(), runID); err != nil {
			return fmt.Errorf("commit reservation: %w", err)
		}
		return nil
	})
}

// RefundReservation credits a reservation back to the account.
func (s *SQLiteStore) RefundReservation(ctx context.Context, runID string) (*domain.CreditReservation, error) {
	var out *domain.CreditReservation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := scanReservation(tx.QueryRowContext(ctx,
			`SELECT `+reservationColumns+` FROM credit_reservations WHERE run_id = ?`, runID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if res.CommittedAt != nil {
			return ErrAlreadyCommitted
		}
		if res.RefundedAt != nil {
			out = res
			return nil
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE user_id = ?`,
			res.Amount, now.UnixMilli(), res.UserID); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_reservations SET refunded_at = ? WHERE run_id = ?`, now.UnixMilli(), runID); err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT credits FROM accounts WHERE user_id = ?`, res.UserID).Scan(&res.Balance); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		refunded := time.UnixMilli(now.UnixMilli())
		res.RefundedAt = &refunded
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetReservation retrieves the reservation for a run.
func (s *SQLiteStore) GetReservation(ctx context.Context, runID string) (*domain.CreditReservation, error) {
	res, err := scanReservation(s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM credit_reservations WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}
