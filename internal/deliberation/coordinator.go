package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/council/internal/anonymize"
	"github.com/ashureev/council/internal/credit"
	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/events"
	"github.com/ashureev/council/internal/llm"
	"github.com/ashureev/council/internal/prompt"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/stage"
	"github.com/ashureev/council/internal/store"
)

// storeTimeout bounds every store write of a run, including the final ones
// made after the run context ended.
const storeTimeout = 10 * time.Second

// coordinator drives the state machine of single runs.
type coordinator struct {
	repo   store.Repository
	ledger *credit.Ledger
	runner *stage.Runner
	client llm.Client
	opts   Options
	logger *slog.Logger
}

// job carries what a worker needs beyond the Run itself.
type job struct {
	question        prompt.Question
	context         string
	assistant       *domain.Message
	titleNeeded     bool
	sourceMessageID string

	heartbeat func(ctx context.Context)
	release   func()
}

// step is one entry of a mode's pipeline. A skipped step only emits its
// skip event.
type step struct {
	stage domain.StageID
	skip  bool
	exec  func(x *execution, ctx context.Context) error
}

func pipeline(mode domain.RunMode) []step {
	return []step{
		{stage: domain.Stage1, exec: (*execution).independent},
		{stage: domain.Stage1_5, skip: !mode.EnableCrossReview, exec: (*execution).crossReview},
		{stage: domain.Stage2, skip: !mode.EnablePeerReview, exec: (*execution).peerReview},
		{stage: domain.Stage3, exec: (*execution).synthesis},
	}
}

// nextStage is the stage recorded on the run once steps[i] is checkpointed.
func nextStage(steps []step, i int) domain.StageID {
	for _, s := range steps[i+1:] {
		if !s.skip {
			return s.stage
		}
	}
	return domain.StageTitle
}

// execution is the worker-owned state of one run.
type execution struct {
	c       *coordinator
	ctx     context.Context
	run     *Run
	job     *job
	logger  *slog.Logger
	mapping *anonymize.Mapping

	// sources holds, per model, the latest text that feeds the next stage.
	sources    map[string]string
	latency    map[string]int64
	stage1Done bool
	titleDone  chan struct{}

	stopOnce      sync.Once
	stopHeartbeat func()
}

func (c *coordinator) execute(ctx context.Context, run *Run, j *job) {
	x := &execution{
		c:       c,
		ctx:     ctx,
		run:     run,
		job:     j,
		logger:  c.logger.With("run_id", run.ID, "conversation_id", run.ConversationID),
		mapping: anonymize.NewMapping(run.ID, run.Mode.Models),
		sources: make(map[string]string),
		latency: make(map[string]int64),
	}
	x.startHeartbeat(ctx)
	defer x.stop()

	x.logger.Info("Run started", "mode", run.Mode.Name, "models", len(run.Mode.Models))

	steps := pipeline(run.Mode)
	for i, st := range steps {
		if st.skip {
			x.job.assistant.Metadata.SkippedStages = append(x.job.assistant.Metadata.SkippedStages, st.stage)
			x.publish(events.StageSkipped(st.stage))
			continue
		}
		if ctx.Err() != nil {
			x.fail(context.Cause(ctx), st.stage)
			return
		}
		if i > 0 {
			x.publish(events.StagePreparing(st.stage))
		}
		run.setStage(st.stage)
		x.publish(events.StageStart(st.stage))

		began := time.Now()
		if err := st.exec(x, ctx); err != nil {
			x.fail(err, st.stage)
			return
		}
		x.latency[string(st.stage)] = time.Since(began).Milliseconds()

		if err := x.checkpoint(nextStage(steps, i)); err != nil {
			x.fail(err, st.stage)
			return
		}
		x.publish(x.stageComplete(st.stage))

		if st.stage == domain.Stage1 {
			x.afterIndependent(ctx)
		}
	}

	x.complete(ctx)
}

func (x *execution) publish(ev events.Event) {
	x.run.hub.Publish(ev)
}

func (x *execution) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(x.ctx), storeTimeout)
}

func (x *execution) deadline() time.Time {
	return time.Now().Add(x.run.Mode.StageTimeout)
}

func (x *execution) startHeartbeat(ctx context.Context) {
	interval := x.c.opts.HeartbeatInterval
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case now := <-ticker.C:
				if x.job.heartbeat != nil {
					x.job.heartbeat(hbCtx)
				}
				elapsed := math.Round(now.Sub(x.run.StartedAt).Seconds()*10) / 10
				x.publish(events.Heartbeat(string(x.run.Stage()), elapsed))
			}
		}
	}()

	x.stopHeartbeat = func() {
		cancel()
		<-done
	}
}

// stop ends the heartbeat loop and frees the conversation slot. It runs
// before the terminal event so a client reacting to it can start a new run.
func (x *execution) stop() {
	x.stopOnce.Do(func() {
		x.stopHeartbeat()
		if x.job.release != nil {
			x.job.release()
		}
	})
}

func (x *execution) setSources(results []stage.Result) {
	x.sources = make(map[string]string, len(results))
	for _, r := range results {
		if r.OK() {
			x.sources[r.ModelID] = r.Text
		}
	}
}

// participants returns the roster models that have a source text, in roster order.
func (x *execution) participants() []string {
	out := make([]string, 0, len(x.sources))
	for _, id := range x.run.Mode.Models {
		if _, ok := x.sources[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (x *execution) independent(ctx context.Context) error {
	text := prompt.Stage1(x.job.question, x.job.context)
	tasks := make([]stage.Task, 0, len(x.run.Mode.Models))
	for _, id := range x.run.Mode.Models {
		tasks = append(tasks, stage.Task{ModelID: id, Prompt: text})
	}

	results, err := x.c.runner.Run(ctx, stage.Batch{
		Stage:         domain.Stage1,
		Tasks:         tasks,
		Deadline:      x.deadline(),
		MinSuccessful: stage.MinStage1,
	})
	if err != nil {
		return err
	}
	x.job.assistant.Stage1 = stage.Responses(results)
	x.setSources(results)
	return nil
}

func (x *execution) crossReview(ctx context.Context) error {
	entries := x.mapping.Entries(x.sources)
	var tasks []stage.Task
	for _, id := range x.participants() {
		own, _ := x.mapping.Pseudonym(id)
		tasks = append(tasks, stage.Task{
			ModelID: id,
			Prompt:  x.mapping.Redact(prompt.Stage1_5(x.job.question, own, entries)),
		})
	}

	results, err := x.c.runner.Run(ctx, stage.Batch{
		Stage:         domain.Stage1_5,
		Tasks:         tasks,
		Deadline:      x.deadline(),
		MinSuccessful: stage.MinStage1_5,
	})
	if err != nil {
		return err
	}
	x.job.assistant.Stage1_5 = stage.Responses(results)
	x.setSources(results)
	return nil
}

func (x *execution) peerReview(ctx context.Context) error {
	entries := x.mapping.Entries(x.sources)
	shown := make([]string, 0, len(entries))
	for _, e := range entries {
		shown = append(shown, e.Label)
	}
	text := x.mapping.Redact(prompt.Stage2(x.job.question, entries))

	var tasks []stage.Task
	for _, id := range x.participants() {
		tasks = append(tasks, stage.Task{ModelID: id, Prompt: text})
	}

	results, err := x.c.runner.Run(ctx, stage.Batch{
		Stage:         domain.Stage2,
		Tasks:         tasks,
		Deadline:      x.deadline(),
		MinSuccessful: stage.MinStage2,
	})
	if err != nil {
		return err
	}

	rankings := make([]domain.ModelRanking, 0, len(results))
	usable := 0
	for _, res := range results {
		r := reviewRanking(res, x.mapping, shown)
		if r.Error == "" {
			usable++
		}
		rankings = append(rankings, r)
	}
	if usable < stage.MinStage2 {
		return fmt.Errorf("stage %s: %d usable rankings: %w", domain.Stage2, usable, stage.ErrInsufficientModels)
	}
	x.job.assistant.Stage2 = &domain.StageTwoPayload{
		Rankings: rankings,
		Metadata: Aggregate(rankings),
	}
	return nil
}

func (x *execution) synthesis(ctx context.Context) error {
	ids := x.participants()
	candidates := make([]prompt.Candidate, 0, len(ids))
	for _, id := range ids {
		candidates = append(candidates, prompt.Candidate{ModelID: id, Text: x.mapping.Reveal(x.sources[id])})
	}
	chairman := x.run.Mode.Chairman
	text := prompt.Stage3(x.job.question, x.job.context, candidates, x.job.assistant.Stage2)

	results, err := x.c.runner.Run(ctx, stage.Batch{
		Stage:         domain.Stage3,
		Tasks:         []stage.Task{{ModelID: chairman, Prompt: text}},
		Deadline:      x.deadline(),
		MinSuccessful: stage.MinStage3,
	})
	if err != nil {
		return err
	}

	parsed := prompt.ParseSynthesis(results[0].Text)
	x.job.assistant.Stage3 = &domain.StageThreePayload{
		ModelID:       chairman,
		Text:          parsed.Text,
		Confidence:    parsed.Confidence,
		PrimaryRisk:   parsed.PrimaryRisk,
		Tradeoff:      parsed.Tradeoff,
		FlipCondition: parsed.FlipCondition,
		LatencyMS:     results[0].LatencyMS,
	}
	x.job.assistant.Status = domain.MessageComplete
	return nil
}

func (x *execution) stageComplete(s domain.StageID) events.Event {
	a := x.job.assistant
	switch s {
	case domain.Stage1:
		return events.StageComplete(s, a.Stage1, nil)
	case domain.Stage1_5:
		return events.StageComplete(s, a.Stage1_5, nil)
	case domain.Stage2:
		return events.StageComplete(s, a.Stage2, &a.Stage2.Metadata)
	default:
		return events.StageComplete(s, a.Stage3, nil)
	}
}

// checkpoint persists the assistant message and advances the run's stage in
// one transaction. It must succeed before the stage's complete event is sent.
func (x *execution) checkpoint(next domain.StageID) error {
	a := x.job.assistant
	a.Metadata.StageLatencyMS = make(map[string]int64, len(x.latency))
	for k, v := range x.latency {
		a.Metadata.StageLatencyMS[k] = v
	}

	ctx, cancel := x.storeCtx()
	defer cancel()
	err := shared.Retry(ctx, x.c.opts.Retry, "checkpoint", func(ctx context.Context) error {
		return x.c.repo.Checkpoint(ctx, x.run.ID, a, next)
	})
	if err != nil {
		return fmt.Errorf("checkpoint before %s: %w", next, err)
	}
	return nil
}

// afterIndependent commits the debit and starts title generation.
func (x *execution) afterIndependent(ctx context.Context) {
	x.stage1Done = true

	sctx, cancel := x.storeCtx()
	defer cancel()
	if err := x.c.ledger.Commit(sctx, x.run.ID); err != nil {
		x.logger.Error("Failed to commit credit reservation", "error", err)
	}

	if x.job.titleNeeded {
		x.startTitle(ctx)
	}
}

func (x *execution) startTitle(ctx context.Context) {
	done := make(chan struct{})
	x.titleDone = done

	go func() {
		defer close(done)
		title := x.generateTitle(ctx)

		sctx, cancel := x.storeCtx()
		defer cancel()
		var changed bool
		err := shared.Retry(sctx, x.c.opts.Retry, "set_title", func(ctx context.Context) error {
			var err error
			changed, err = x.c.repo.SetTitle(ctx, x.run.ConversationID, title)
			return err
		})
		if err != nil {
			x.logger.Error("Failed to store title", "error", err)
			return
		}
		if changed {
			x.publish(events.TitleComplete(title))
		}
	}()
}

func (x *execution) generateTitle(ctx context.Context) string {
	model := x.c.opts.TitleModel
	if model == "" {
		model = x.run.Mode.Chairman
	}
	resp, err := x.c.client.Generate(ctx, llm.Request{
		Model:    model,
		Prompt:   prompt.Title(x.job.question),
		Deadline: time.Now().Add(x.c.opts.TitleTimeout),
	})
	if err == nil {
		if title := prompt.CleanTitle(resp.Text); title != "" {
			return title
		}
	} else {
		x.logger.Info("Title generation failed, using fallback", "model", model, "error", err)
	}
	return fallbackTitle(x.job.question.Content)
}

func fallbackTitle(content string) string {
	words := strings.Fields(content)
	if len(words) > 6 {
		words = words[:6]
	}
	if title := prompt.CleanTitle(strings.Join(words, " ")); title != "" {
		return title
	}
	return domain.DefaultTitle
}

func (x *execution) waitTitle(ctx context.Context) {
	if x.titleDone == nil {
		return
	}
	timer := time.NewTimer(x.c.opts.TitleTimeout + time.Second)
	defer timer.Stop()
	select {
	case <-x.titleDone:
	case <-timer.C:
		x.logger.Warn("Title generation still running at completion")
	case <-ctx.Done():
	}
}

func (x *execution) complete(ctx context.Context) {
	x.run.setStage(domain.StageTitle)
	x.waitTitle(ctx)

	sctx, cancel := x.storeCtx()
	defer cancel()

	if err := x.finishRun(sctx, domain.RunComplete, "", x.job.assistant, nil); err != nil {
		x.logger.Error("Failed to mark run complete", "error", err)
	}
	if x.job.sourceMessageID != "" {
		x.resolveSource(sctx)
	}

	balance, err := x.c.ledger.Balance(sctx, x.run.UserID)
	if err != nil {
		x.logger.Error("Failed to read balance", "error", err)
	}

	x.run.setStage(domain.StageComplete)
	x.logger.Info("Run complete", "elapsed", time.Since(x.run.StartedAt))
	x.stop()
	x.publish(events.Complete(balance, x.job.assistant.ID))
}

// resolveSource retires the orphan this run retried: the marker goes, and so
// does the original user message unless it gained a complete reply.
func (x *execution) resolveSource(ctx context.Context) {
	src := x.job.sourceMessageID
	if err := x.c.repo.ClearOrphanMarker(ctx, src); err != nil {
		x.logger.Warn("Failed to clear orphan marker", "user_message_id", src, "error", err)
	}

	conv, err := x.c.repo.GetConversation(ctx, x.run.ConversationID)
	if err != nil || conv == nil {
		x.logger.Warn("Failed to load conversation for retry cleanup", "error", err)
		return
	}
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.UserMessageID == src && m.IsComplete() {
			return
		}
	}
	err = x.c.repo.DeleteMessage(ctx, x.run.ConversationID, src)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		x.logger.Warn("Failed to remove retried message", "user_message_id", src, "error", err)
	}
}

// fail ends the run abnormally. Before Stage 1 completed the debit is refunded
// and the placeholder removed; afterwards completed stages are kept as a
// partial reply. Either way the user message is marked orphaned.
func (x *execution) fail(err error, at domain.StageID) {
	state, message := classify(err, at)
	x.logger.Warn("Run ended early", "stage", at, "state", state, "error", err)

	// The run context is already done here; the title worker still writes
	// to the store and must not outlive the run.
	x.waitTitle(context.Background())

	ctx, cancel := x.storeCtx()
	defer cancel()

	var assistant *domain.Message
	if x.stage1Done {
		assistant = x.job.assistant
		assistant.Status = domain.MessagePartial
		assistant.Stage3 = nil
		assistant.Metadata.FailedStage = at
		assistant.Metadata.Error = message
	} else if _, rerr := x.c.ledger.Refund(ctx, x.run.ID); rerr != nil {
		x.logger.Error("Failed to refund credits", "error", rerr)
	}

	orphan := &domain.OrphanMarker{
		UserMessageID:  x.run.UserMessageID,
		ConversationID: x.run.ConversationID,
		RunID:          x.run.ID,
		Reason:         string(state),
		DetectedAt:     time.Now(),
	}
	if ferr := x.finishRun(ctx, state, message, assistant, orphan); ferr != nil {
		x.logger.Error("Failed to persist run failure", "error", ferr)
	}

	x.stop()
	x.publish(events.Error(message, at))
}

func (x *execution) finishRun(ctx context.Context, state domain.RunState, message string, assistant *domain.Message, orphan *domain.OrphanMarker) error {
	return shared.Retry(ctx, x.c.opts.Retry, "finish_run", func(ctx context.Context) error {
		return x.c.repo.FinishRun(ctx, x.run.ID, state, message, assistant, orphan)
	})
}

// classify maps a run-ending error to the terminal state and the message
// shown to the client.
func classify(err error, at domain.StageID) (domain.RunState, string) {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return domain.RunCancelled, ErrCancelled.Error()
	case errors.Is(err, ErrShutdown):
		return domain.RunCancelled, ErrShutdown.Error()
	case errors.Is(err, ErrRunTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.RunFailed, ErrRunTimeout.Error()
	case errors.Is(err, stage.ErrStageTimeout):
		return domain.RunFailed, fmt.Sprintf("%s timed out before enough models responded", at)
	case errors.Is(err, stage.ErrInsufficientModels):
		return domain.RunFailed, fmt.Sprintf("not enough models responded in %s", at)
	default:
		return domain.RunFailed, "internal error"
	}
}
