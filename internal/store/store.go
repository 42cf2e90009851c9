// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/council/internal/domain"
)

var (
	// ErrNotFound is returned by mutations whose target row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunActive is returned when a conversation already has an active run.
	ErrRunActive = errors.New("conversation already has an active run")
	// ErrInsufficientCredits is returned when a reservation exceeds the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAlreadyCommitted is returned when refunding a committed reservation.
	ErrAlreadyCommitted = errors.New("reservation already committed")
	// ErrAlreadyRefunded is returned when committing a refunded reservation.
	ErrAlreadyRefunded = errors.New("reservation already refunded")
)

// Repository defines the interface for persisting conversations, runs and credits.
// Single-row getters return (nil, nil) when the row does not exist.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// EnsureAccount creates the account with startingCredits if it does not exist yet.
	EnsureAccount(ctx context.Context, userID string, startingCredits int) (*domain.Account, error)

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)

	// CreateConversation creates an empty conversation owned by userID.
	CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error)

	// GetConversation retrieves a conversation with its messages in insertion order.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// ListConversations returns one page (1-based) of the user's conversations, newest first,
	// and the total number of conversations.
	ListConversations(ctx context.Context, userID string, page, limit int) ([]domain.ConversationSummary, int, error)

	// SetTitle sets the title once. It reports whether the title changed.
	SetTitle(ctx context.Context, conversationID, title string) (bool, error)

	// DeleteConversation removes a conversation and everything that hangs off it.
	DeleteConversation(ctx context.Context, conversationID string) error

	// AppendMessage appends a message to its conversation.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)

	// FindMessageBySource returns the user message that retried sourceMessageID, if any.
	FindMessageBySource(ctx context.Context, conversationID, sourceMessageID string) (*domain.Message, error)

	// UpsertAssistantMessage writes the stage payloads and metadata of an assistant message.
	UpsertAssistantMessage(ctx context.Context, msg *domain.Message) error

	// DeleteMessage removes a user message, its assistant reply and its orphan marker.
	DeleteMessage(ctx context.Context, conversationID, messageID string) error

	// StartRun atomically appends the user message, the assistant placeholder and the
	// active run row. It returns ErrRunActive if the conversation already has one.
	StartRun(ctx context.Context, run *domain.RunRecord, userMsg, assistantMsg *domain.Message) error

	// Checkpoint atomically writes the assistant message and advances the run's current stage.
	Checkpoint(ctx context.Context, runID string, assistantMsg *domain.Message, next domain.StageID) error

	// TouchRun records a heartbeat for an active run.
	TouchRun(ctx context.Context, runID string, at time.Time) error

	// FinishRun moves a run to a terminal state. When assistantMsg is non-nil it is written,
	// when it is nil the placeholder is removed. A non-nil orphan is written in the same
	// transaction.
	FinishRun(ctx context.Context, runID string, state domain.RunState, errMsg string, assistantMsg *domain.Message, orphan *domain.OrphanMarker) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)

	// GetRunStatus returns a consistent snapshot of the conversation's run and orphan state.
	GetRunStatus(ctx context.Context, conversationID string) (*domain.RunStatus, error)

	// ListActiveRuns returns every run still marked active.
	ListActiveRuns(ctx context.Context) ([]domain.RunRecord, error)

	// WriteOrphanMarker records an orphaned user message. Rewriting is a no-op.
	WriteOrphanMarker(ctx context.Context, marker *domain.OrphanMarker) error

	// ClearOrphanMarker removes the marker for a user message.
	ClearOrphanMarker(ctx context.Context, userMessageID string) error

	// GetOrphanMarker retrieves the marker for a user message.
	GetOrphanMarker(ctx context.Context, userMessageID string) (*domain.OrphanMarker, error)

	// FindOrphanCandidates returns user messages created before cutoff that have no complete
	// reply, no active run, no marker and no retry.
	FindOrphanCandidates(ctx context.Context, cutoff time.Time) ([]domain.Message, error)

	// ReserveCredits debits amount for runID. A repeated call for the same runID returns the
	// original reservation without debiting again.
	ReserveCredits(ctx context.Context, userID, runID string, amount int) (*domain.CreditReservation, error)

	// CommitReservation marks a reservation committed. Committing twice is a no-op.
	CommitReservation(ctx context.Context, runID string) error

	// RefundReservation credits the amount back. Refunding twice is a no-op.
	RefundReservation(ctx context.Context, runID string) (*domain.CreditReservation, error)

	// GetReservation retrieves the reservation for a run.
	GetReservation(ctx context.Context, runID string) (*domain.CreditReservation, error)
}
