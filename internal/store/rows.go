package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/council/internal/domain"
	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, role, content, files_json, mode, status, source_message_id,
	user_message_id, stage1_json, stage1_5_json, stage2_json, stage3_json, metadata_json, created_at`

const runColumns = `id, conversation_id, user_id, mode, user_message_id, assistant_message_id,
	current_stage, status, error, started_at, last_heartbeat_at, ended_at`

const reservationColumns = `run_id, user_id, amount, balance_after, created_at, committed_at, refunded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		msg                                       domain.Message
		role, mode, status                        string
		files, source, userMsg                    sql.NullString
		stage1, stage15, stage2, stage3, metadata sql.NullString
		createdAt                                 int64
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &files, &mode, &status, &source,
		&userMsg, &stage1, &stage15, &stage2, &stage3, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	msg.Role = domain.Role(role)
	msg.Mode = domain.ModeName(mode)
	msg.Status = domain.MessageStatus(status)
	msg.SourceMessageID = source.String
	msg.UserMessageID = userMsg.String
	msg.CreatedAt = time.UnixMilli(createdAt)

	decoders := []struct {
		col  sql.NullString
		dest any
	}{
		{files, &msg.Files},
		{stage1, &msg.Stage1},
		{stage15, &msg.Stage1_5},
		{stage2, &msg.Stage2},
		{stage3, &msg.Stage3},
		{metadata, &msg.Metadata},
	}
	for _, d := range decoders {
		if !d.col.Valid || d.col.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(d.col.String), d.dest); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

// encodeJSON returns NULL for empty values so absent stages stay absent.
func encodeJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case []domain.Attachment:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []domain.ModelResponse:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case *domain.StageTwoPayload:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *domain.StageThreePayload:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *domain.MessageMetadata:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func messageArgs(msg *domain.Message) ([]any, error) {
	cols := []any{msg.Files, msg.Stage1, msg.Stage1_5, msg.Stage2, msg.Stage3, msg.Metadata}
	encoded := make([]any, 0, len(cols))
	for _, c := range cols {
		v, err := encodeJSON(c)
		if err != nil {
			return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
		encoded = append(encoded, v)
	}
	return encoded, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = time.UnixMilli(msg.CreatedAt.UnixMilli())

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists); err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	enc, err := messageArgs(msg)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, files_json, mode, status, source_message_id,
		                      user_message_id, stage1_json, stage1_5_json, stage2_json, stage3_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, enc[0], string(msg.Mode), string(msg.Status),
		nullString(msg.SourceMessageID), nullString(msg.UserMessageID),
		enc[1], enc[2], enc[3], enc[4], enc[5], msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func upsertAssistant(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	enc, err := messageArgs(msg)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET mode = ?, status = ?, stage1_json = ?, stage1_5_json = ?, stage2_json = ?, stage3_json = ?, metadata_json = ?
		WHERE id = ?`,
		string(msg.Mode), string(msg.Status), enc[1], enc[2], enc[3], enc[4], enc[5], msg.ID)
	if err != nil {
		return fmt.Errorf("update assistant message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	return insertMessage(ctx, tx, msg)
}

func insertOrphan(ctx context.Context, tx *sql.Tx, m *domain.OrphanMarker) error {
	if m.DetectedAt.IsZero() {
		m.DetectedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orphans (user_message_id, conversation_id, run_id, reason, detected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_message_id) DO NOTHING`,
		m.UserMessageID, m.ConversationID, m.RunID, m.Reason, m.DetectedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert orphan marker: %w", err)
	}
	return nil
}

func scanRun(row rowScanner) (*domain.RunRecord, error) {
	var (
		run                    domain.RunRecord
		mode, stage, status    string
		startedAt, heartbeatAt int64
		endedAt                sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.ConversationID, &run.UserID, &mode, &run.UserMessageID, &run.AssistantMessageID,
		&stage, &status, &run.Error, &startedAt, &heartbeatAt, &endedAt)
	if err != nil {
		return nil, err
	}
	run.Mode = domain.ModeName(mode)
	run.CurrentStage = domain.StageID(stage)
	run.Status = domain.RunState(status)
	run.StartedAt = time.UnixMilli(startedAt)
	run.LastHeartbeatAt = time.UnixMilli(heartbeatAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		run.EndedAt = &t
	}
	return &run, nil
}

func scanReservation(row rowScanner) (*domain.CreditReservation, error) {
	var (
		res                 domain.CreditReservation
		createdAt           int64
		committed, refunded sql.NullInt64
	)
	if err := row.Scan(&res.RunID, &res.UserID, &res.Amount, &res.Balance, &createdAt, &committed, &refunded); err != nil {
		return nil, err
	}
	res.CreatedAt = time.UnixMilli(createdAt)
	if committed.Valid {
		t := time.UnixMilli(committed.Int64)
		res.CommittedAt = &t
	}
	if refunded.Valid {
		t := time.UnixMilli(refunded.Int64)
		res.RefundedAt = &t
	}
	return &res, nil
}
