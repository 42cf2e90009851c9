package domain

import (
	"time"
)

// RunState is the persisted lifecycle state of a deliberation run.
type RunState string

const (
	RunActive    RunState = "active"
	RunComplete  RunState = "complete"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunComplete || s == RunFailed || s == RunCancelled
}

// RunRecord is the durable row for a run.
type RunRecord struct {
	ID                 string
	ConversationID     string
	UserID             string
	Mode               ModeName
	UserMessageID      string
	AssistantMessageID string
	CurrentStage       StageID
	Status             RunState
	Error              string
	StartedAt          time.Time
	LastHeartbeatAt    time.Time
	EndedAt            *time.Time
}

// RunStatus is the polling view of a conversation's run state.
type RunStatus struct {
	Processing      bool     `json:"processing"`
	RunID           string   `json:"run_id,omitempty"`
	CurrentStage    StageID  `json:"current_stage,omitempty"`
	Orphaned        bool     `json:"orphaned"`
	OrphanedMessage *Message `json:"orphaned_message,omitempty"`
}

// OrphanMarker records a user message whose run ended without a synthesis.
type OrphanMarker struct {
	UserMessageID  string    `json:"user_message_id"`
	ConversationID string    `json:"conversation_id"`
	RunID          string    `json:"run_id,omitempty"`
	Reason         string    `json:"reason"`
	DetectedAt     time.Time `json:"detected_at"`
}

// CreditReservation is the ledger row for one run's debit.
type CreditReservation struct {
	RunID       string
	UserID      string
	Amount      int
	Balance     int
	CreatedAt   time.Time
	CommittedAt *time.Time
	RefundedAt  *time.Time
}
