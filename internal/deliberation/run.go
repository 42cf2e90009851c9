// Package deliberation drives deliberation runs: the per-run stage state
// machine, the process-wide registry of active runs and orphan detection.
package deliberation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/events"
)

var (
	// ErrRunActive is returned when the conversation already has an active run.
	ErrRunActive = errors.New("conversation already has an active run")
	// ErrNoActiveRun is returned when a conversation has no run to act on.
	ErrNoActiveRun = errors.New("no active run")
	// ErrDuplicateRetry is returned when the source message was already retried.
	ErrDuplicateRetry = errors.New("message was already retried")
	// ErrCancelled is the cause of a run stopped by an explicit cancel.
	ErrCancelled = errors.New("cancelled")
	// ErrShutdown is the cause of runs stopped by server shutdown.
	ErrShutdown = errors.New("server shutting down")
	// ErrRunTimeout is the cause of a run that exceeded its ceiling.
	ErrRunTimeout = errors.New("run timed out")
)

// Request is a validated submission. Ownership and credit policy are checked
// by the caller; the registry only enforces one active run per conversation.
type Request struct {
	ConversationID  string
	UserID          string
	Mode            domain.RunMode
	Content         string
	Files           []domain.Attachment
	SourceMessageID string
}

// Run is the in-memory handle of an active deliberation. Stage progress is
// owned by the run's worker; the accessors are safe from any goroutine.
type Run struct {
	ID                 string
	ConversationID     string
	UserID             string
	Mode               domain.RunMode
	UserMessageID      string
	AssistantMessageID string
	StartedAt          time.Time

	hub    *events.Hub
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu            sync.Mutex
	started       bool
	stage         domain.StageID
	lastHeartbeat time.Time
}

// Stage returns the stage the run is currently in.
func (r *Run) Stage() domain.StageID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// LastHeartbeat returns the time of the last heartbeat.
func (r *Run) LastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeartbeat
}

// Subscribe attaches to the run's events. With replay the committed events are
// delivered first, after a recovery_start marker.
func (r *Run) Subscribe(replay bool) *events.Subscription {
	return r.hub.Subscribe(replay)
}

// SubscribeFrom attaches to the run's events after the first offset committed
// ones, for a consumer that already delivered those.
func (r *Run) SubscribeFrom(offset int) *events.Subscription {
	return r.hub.SubscribeFrom(offset)
}

// Done is closed when the run's worker has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel stops the run with cause. Only the first cause is kept.
func (r *Run) Cancel(cause error) {
	if r.cancel != nil {
		r.cancel(cause)
	}
}

func (r *Run) setStage(s domain.StageID) {
	r.mu.Lock()
	r.stage = s
	r.mu.Unlock()
}

func (r *Run) beat(at time.Time) {
	r.mu.Lock()
	r.lastHeartbeat = at
	r.mu.Unlock()
}

func (r *Run) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *Run) markStarted() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
}
