package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/council/internal/credit"
	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/events"
	"github.com/ashureev/council/internal/llm"
	"github.com/ashureev/council/internal/prompt"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/stage"
	"github.com/ashureev/council/internal/store"
	"github.com/google/uuid"
)

// Options tunes the registry and the runs it drives.
type Options struct {
	HeartbeatInterval time.Duration
	RunTimeout        time.Duration
	OrphanThreshold   time.Duration
	SubscriberBuffer  int
	Context           prompt.Limits
	TitleModel        string
	TitleTimeout      time.Duration
	Retry             shared.RetryPolicy
	Logger            *slog.Logger
}

// Registry is the process-wide map of conversation id to active run. Map
// operations hold the lock; store and model I/O never does.
type Registry struct {
	coord  *coordinator
	repo   store.Repository
	ledger *credit.Ledger
	opts   Options
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu     sync.Mutex
	runs   map[string]*Run
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates a registry whose runs call models through runner and
// generate titles through client.
func NewRegistry(repo store.Repository, ledger *credit.Ledger, runner *stage.Runner, client llm.Client, opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 180 * time.Second
	}
	if opts.OrphanThreshold <= 0 {
		opts.OrphanThreshold = 4 * time.Minute
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	return &Registry{
		coord: &coordinator{
			repo:   repo,
			ledger: ledger,
			runner: runner,
			client: client,
			opts:   opts,
			logger: opts.Logger,
		},
		repo:       repo,
		ledger:     ledger,
		opts:       opts,
		logger:     opts.Logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]*Run),
	}
}

// Start debits the user, persists the user message with an assistant
// placeholder and launches the run's worker. The returned subscription is
// attached before the first event, so it sees the whole sequence. The run
// outlives ctx; only Cancel, the run ceiling or Shutdown stop it.
func (r *Registry) Start(ctx context.Context, req Request) (*Run, *events.Subscription, error) {
	now := time.Now()
	run := &Run{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Mode:           req.Mode,
		StartedAt:      now,
		hub:            events.NewHub(r.opts.SubscriberBuffer, r.logger),
		done:           make(chan struct{}),
		stage:          domain.StageInitial,
		lastHeartbeat:  now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrShutdown
	}
	if _, busy := r.runs[req.ConversationID]; busy {
		r.mu.Unlock()
		return nil, nil, ErrRunActive
	}
	r.runs[req.ConversationID] = run
	r.wg.Add(1)
	r.mu.Unlock()

	launched := false
	defer func() {
		if !launched {
			r.remove(run)
			run.hub.Close()
			r.wg.Done()
		}
	}()

	if req.SourceMessageID != "" {
		prior, err := r.repo.FindMessageBySource(ctx, req.ConversationID, req.SourceMessageID)
		if err != nil {
			return nil, nil, fmt.Errorf("check retry source: %w", err)
		}
		if prior != nil {
			return nil, nil, ErrDuplicateRetry
		}
	}

	conv, err := r.repo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, nil, store.ErrNotFound
	}

	reservation, err := r.ledger.Reserve(ctx, req.UserID, req.Mode, run.ID, len(req.Files))
	if err != nil {
		return nil, nil, err
	}

	userMsg := &domain.Message{
		ID:              uuid.NewString(),
		ConversationID:  req.ConversationID,
		Role:            domain.RoleUser,
		CreatedAt:       now,
		Mode:            req.Mode.Name,
		Content:         req.Content,
		Files:           req.Files,
		SourceMessageID: req.SourceMessageID,
	}
	assistant := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Role:           domain.RoleAssistant,
		CreatedAt:      now,
		Mode:           req.Mode.Name,
		Status:         domain.MessageProcessing,
		UserMessageID:  userMsg.ID,
		Metadata: &domain.MessageMetadata{
			RunID:          run.ID,
			Mode:           req.Mode.Name,
			CreditsCharged: reservation.Amount,
		},
	}
	record := &domain.RunRecord{
		ID:                 run.ID,
		ConversationID:     req.ConversationID,
		UserID:             req.UserID,
		Mode:               req.Mode.Name,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistant.ID,
		CurrentStage:       domain.Stage1,
		StartedAt:          now,
		LastHeartbeatAt:    now,
	}
	err = shared.Retry(ctx, r.opts.Retry, "start_run", func(ctx context.Context) error {
		return r.repo.StartRun(ctx, record, userMsg, assistant)
	})
	if err != nil {
		refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if _, rerr := r.ledger.Refund(refundCtx, run.ID); rerr != nil {
			r.logger.Error("Failed to refund unstarted run", "run_id", run.ID, "error", rerr)
		}
		if errors.Is(err, store.ErrRunActive) {
			return nil, nil, ErrRunActive
		}
		return nil, nil, fmt.Errorf("start run: %w", err)
	}

	r.mu.Lock()
	run.UserMessageID = userMsg.ID
	run.AssistantMessageID = assistant.ID
	r.mu.Unlock()

	runCtx, cancelRun := context.WithCancelCause(r.baseCtx)
	runCtx, cancelCeiling := context.WithTimeoutCause(runCtx, r.opts.RunTimeout, ErrRunTimeout)
	run.cancel = cancelRun

	j := &job{
		question:        prompt.Question{Content: req.Content, Files: req.Files},
		context:         prompt.BuildContext(req.Mode.ContextMode, conv.Messages, r.opts.Context),
		assistant:       assistant,
		titleNeeded:     conv.Title == domain.DefaultTitle,
		sourceMessageID: req.SourceMessageID,
		heartbeat: func(ctx context.Context) {
			_ = r.touch(ctx, run)
		},
		release: func() { r.remove(run) },
	}

	sub := run.hub.Subscribe(false)
	run.hub.Publish(events.RunStarted(events.RunStartedData{
		RunID:             run.ID,
		ConversationID:    run.ConversationID,
		UserMessageID:     userMsg.ID,
		Mode:              req.Mode.Name,
		EnablePeerReview:  req.Mode.EnablePeerReview,
		EnableCrossReview: req.Mode.EnableCrossReview,
		UpdatedCredits:    reservation.Balance,
	}))
	run.markStarted()
	launched = true

	go func() {
		defer r.wg.Done()
		defer close(run.done)
		defer cancelCeiling()
		defer cancelRun(nil)
		r.coord.execute(runCtx, run, j)
	}()

	return run, sub, nil
}

func (r *Registry) remove(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runs[run.ConversationID]; ok && cur == run {
		delete(r.runs, run.ConversationID)
	}
}

// Get returns the active run of a conversation.
func (r *Registry) Get(conversationID string) (*Run, bool) {
	r.mu.Lock()
	run, ok := r.runs[conversationID]
	r.mu.Unlock()
	if !ok || !run.isStarted() {
		return nil, false
	}
	return run, true
}

// Subscribe attaches to the active run of a conversation, replaying its
// committed events first.
func (r *Registry) Subscribe(conversationID string) (*events.Subscription, error) {
	run, ok := r.Get(conversationID)
	if !ok {
		return nil, ErrNoActiveRun
	}
	return run.Subscribe(true), nil
}

// Cancel stops the active run of a conversation. The run reaches a terminal
// state within the cancel grace of the stage runner.
func (r *Registry) Cancel(conversationID string) error {
	run, ok := r.Get(conversationID)
	if !ok {
		return ErrNoActiveRun
	}
	r.logger.Info("Cancelling run", "run_id", run.ID, "conversation_id", conversationID)
	run.Cancel(ErrCancelled)
	return nil
}

// Heartbeat records liveness of the conversation's active run.
func (r *Registry) Heartbeat(ctx context.Context, conversationID string) error {
	run, ok := r.Get(conversationID)
	if !ok {
		return ErrNoActiveRun
	}
	return r.touch(ctx, run)
}

func (r *Registry) touch(ctx context.Context, run *Run) error {
	now := time.Now()
	run.beat(now)
	if err := r.repo.TouchRun(ctx, run.ID, now); err != nil {
		r.logger.Warn("Failed to record heartbeat", "run_id", run.ID, "error", err)
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

// Active returns the number of runs in flight.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *Registry) liveUserMessages() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make(map[string]bool, len(r.runs))
	for _, run := range r.runs {
		if run.UserMessageID != "" {
			live[run.UserMessageID] = true
		}
	}
	return live
}

func (r *Registry) liveRuns() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make(map[string]bool, len(r.runs))
	for _, run := range r.runs {
		live[run.ID] = true
	}
	return live
}

// DetectOrphans marks user messages older than the orphan threshold that have
// no complete reply and no run producing one. It returns the new markers.
func (r *Registry) DetectOrphans(ctx context.Context) ([]domain.OrphanMarker, error) {
	now := time.Now()
	candidates, err := r.repo.FindOrphanCandidates(ctx, now.Add(-r.opts.OrphanThreshold))
	if err != nil {
		return nil, fmt.Errorf("find orphan candidates: %w", err)
	}

	live := r.liveUserMessages()
	var markers []domain.OrphanMarker
	for _, msg := range candidates {
		if live[msg.ID] {
			continue
		}
		marker := domain.OrphanMarker{
			UserMessageID:  msg.ID,
			ConversationID: msg.ConversationID,
			Reason:         "no_reply",
			DetectedAt:     now,
		}
		err := shared.Retry(ctx, r.opts.Retry, "write_orphan_marker", func(ctx context.Context) error {
			return r.repo.WriteOrphanMarker(ctx, &marker)
		})
		if err != nil {
			return markers, fmt.Errorf("write orphan marker: %w", err)
		}
		markers = append(markers, marker)
	}
	return markers, nil
}

// RecoverStale finishes runs left active by a previous process. Runs that got
// past Stage 1 keep their debit and partial reply; the others are refunded.
// Every recovered run orphans its user message.
func (r *Registry) RecoverStale(ctx context.Context) (int, error) {
	records, err := r.repo.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	live := r.liveRuns()
	recovered := 0
	for _, rec := range records {
		if live[rec.ID] {
			continue
		}
		if err := r.recover(ctx, rec); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (r *Registry) recover(ctx context.Context, rec domain.RunRecord) error {
	msg, err := r.repo.GetMessage(ctx, rec.AssistantMessageID)
	if err != nil {
		return fmt.Errorf("load assistant message: %w", err)
	}

	if msg != nil && msg.IsComplete() {
		return r.repo.FinishRun(ctx, rec.ID, domain.RunComplete, "", msg, nil)
	}

	const reason = "interrupted"
	var assistant *domain.Message
	if msg != nil && len(msg.Stage1) > 0 {
		if err := r.ledger.Commit(ctx, rec.ID); err != nil && !errors.Is(err, credit.ErrUnknownReservation) {
			r.logger.Warn("Failed to commit recovered run", "run_id", rec.ID, "error", err)
		}
		if msg.Metadata == nil {
			msg.Metadata = &domain.MessageMetadata{RunID: rec.ID, Mode: rec.Mode}
		}
		msg.Status = domain.MessagePartial
		msg.Stage3 = nil
		msg.Metadata.FailedStage = rec.CurrentStage
		msg.Metadata.Error = reason
		assistant = msg
	} else if _, err := r.ledger.Refund(ctx, rec.ID); err != nil && !errors.Is(err, credit.ErrUnknownReservation) {
		r.logger.Warn("Failed to refund recovered run", "run_id", rec.ID, "error", err)
	}

	r.logger.Info("Recovered stale run",
		"run_id", rec.ID,
		"conversation_id", rec.ConversationID,
		"stage", rec.CurrentStage)

	return r.repo.FinishRun(ctx, rec.ID, domain.RunFailed, reason, assistant, &domain.OrphanMarker{
		UserMessageID:  rec.UserMessageID,
		ConversationID: rec.ConversationID,
		RunID:          rec.ID,
		Reason:         reason,
		DetectedAt:     time.Now(),
	})
}

// Shutdown cancels every run with ErrShutdown and waits for the workers to
// persist their partial results, or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	n := len(r.runs)
	r.mu.Unlock()

	r.logger.Info("Stopping active runs", "count", n)
	r.baseCancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}
