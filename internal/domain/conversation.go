// Package domain contains core domain types for the council service.
package domain

import (
	"time"
)

// DefaultTitle is the title of a conversation before title generation ran.
const DefaultTitle = "New Conversation"

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a message submitted by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a deliberation result.
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks how far an assistant message got.
type MessageStatus string

const (
	// MessageProcessing is an assistant message whose run is still in flight.
	MessageProcessing MessageStatus = "processing"
	// MessagePartial is an assistant message whose run ended before Stage 3.
	MessagePartial MessageStatus = "partial"
	// MessageComplete is an assistant message with a Stage 3 synthesis.
	MessageComplete MessageStatus = "complete"
)

// Conversation owns an ordered list of messages.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// ConversationSummary is a list entry for a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// Attachment is a text file submitted alongside a question.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Message is either a user question or an assistant deliberation result.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Role           Role          `json:"role"`
	CreatedAt      time.Time     `json:"created_at"`
	Mode           ModeName      `json:"mode,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`

	// User message fields.
	Content         string       `json:"content,omitempty"`
	Files           []Attachment `json:"files,omitempty"`
	SourceMessageID string       `json:"source_message_id,omitempty"`

	// Assistant message fields.
	UserMessageID string             `json:"user_message_id,omitempty"`
	Stage1        []ModelResponse    `json:"stage1,omitempty"`
	Stage1_5      []ModelResponse    `json:"stage1_5,omitempty"`
	Stage2        *StageTwoPayload   `json:"stage2,omitempty"`
	Stage3        *StageThreePayload `json:"stage3,omitempty"`
	Metadata      *MessageMetadata   `json:"metadata,omitempty"`
}

// IsComplete reports whether the assistant message carries a synthesis.
func (m *Message) IsComplete() bool {
	return m.Role == RoleAssistant && m.Status == MessageComplete && m.Stage3 != nil
}

// MessageMetadata records how an assistant message was produced.
type MessageMetadata struct {
	RunID          string           `json:"run_id"`
	Mode           ModeName         `json:"mode"`
	CreditsCharged int              `json:"credits_charged"`
	StageLatencyMS map[string]int64 `json:"stage_latency_ms,omitempty"`
	SkippedStages  []StageID        `json:"skipped_stages,omitempty"`
	FailedStage    StageID          `json:"failed_stage,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Account is the local view of a user's credit balance.
type Account struct {
	UserID    string    `json:"user_id"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
