// Package stage runs one deliberation stage: a concurrent fan-out of model
// calls gathered with partial-failure tolerance.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/llm"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInsufficientModels is returned when fewer tasks succeeded than required.
	ErrInsufficientModels = errors.New("insufficient models")
	// ErrStageTimeout is joined with ErrInsufficientModels when the deadline cut tasks short.
	ErrStageTimeout = errors.New("stage timeout")
)

// Minimum successful tasks per stage.
const (
	MinStage1   = 2
	MinStage1_5 = 2
	MinStage2   = 2
	MinStage3   = 1
)

// Task is one model call of a stage.
type Task struct {
	ModelID string
	Prompt  string
}

// Batch describes one stage execution.
type Batch struct {
	Stage         domain.StageID
	Tasks         []Task
	Deadline      time.Time
	MinSuccessful int
}

// Result is the outcome of one task.
type Result struct {
	ModelID   string
	Text      string
	LatencyMS int64
	TokensIn  int
	TokensOut int
	Kind      llm.FailureKind
	Err       error
}

// OK reports whether the task produced text.
func (r Result) OK() bool {
	return r.Err == nil && r.Text != ""
}

// Response converts the result to its persisted form.
func (r Result) Response() domain.ModelResponse {
	resp := domain.ModelResponse{
		ModelID:   r.ModelID,
		LatencyMS: r.LatencyMS,
		TokensIn:  r.TokensIn,
		TokensOut: r.TokensOut,
	}
	if r.OK() {
		resp.Text = r.Text
	} else {
		resp.Error = string(r.Kind)
	}
	return resp
}

// Responses converts results in order.
func Responses(results []Result) []domain.ModelResponse {
	out := make([]domain.ModelResponse, 0, len(results))
	for _, r := range results {
		out = append(out, r.Response())
	}
	return out
}

// Options tunes a Runner.
type Options struct {
	MaxParallel int
	MaxAttempts int
	// CancelGrace bounds how long the runner waits for in-flight calls after
	// the stage context ends.
	CancelGrace time.Duration
	// RetryDelay is the base backoff between attempts.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Runner executes stages against a model client.
type Runner struct {
	client llm.Client
	opts   Options
	logger *slog.Logger
}

// NewRunner creates a stage runner.
func NewRunner(client llm.Client, opts Options) *Runner {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 2 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{client: client, opts: opts, logger: logger}
}

type indexedResult struct {
	index  int
	result Result
}

// Run executes every task concurrently and returns one result per task in task
// order. Failed tasks never cancel their peers. When ctx ends, results gathered
// so far are returned and unfinished tasks are recorded as cancelled or timed out.
func (r *Runner) Run(ctx context.Context, batch Batch) ([]Result, error) {
	start := time.Now()
	stageCtx, cancel := context.WithDeadline(ctx, batch.Deadline)
	defer cancel()

	resultsCh := make(chan indexedResult, len(batch.Tasks))
	var g errgroup.Group
	g.SetLimit(r.opts.MaxParallel)

	// g.Go blocks once the limit is reached, so scheduling runs off the caller's goroutine.
	go func() {
		for i, task := range batch.Tasks {
			g.Go(func() error {
				resultsCh <- indexedResult{index: i, result: r.runTask(stageCtx, batch, task)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	results := make([]Result, len(batch.Tasks))
	done := make([]bool, len(batch.Tasks))
	remaining := len(batch.Tasks)

	collect := func(ir indexedResult) {
		results[ir.index] = ir.result
		done[ir.index] = true
		remaining--
	}

wait:
	for remaining > 0 {
		select {
		case ir := <-resultsCh:
			collect(ir)
		case <-stageCtx.Done():
			break wait
		}
	}

	if remaining > 0 {
		grace := time.NewTimer(r.opts.CancelGrace)
	drain:
		for remaining > 0 {
			select {
			case ir := <-resultsCh:
				collect(ir)
			case <-grace.C:
				break drain
			}
		}
		grace.Stop()

		kind := llm.KindTimeout
		if ctx.Err() != nil {
			kind = llm.KindCancelled
		}
		for i, ok := range done {
			if ok {
				continue
			}
			results[i] = Result{
				ModelID:   batch.Tasks[i].ModelID,
				Kind:      kind,
				Err:       &llm.Failure{Kind: kind, Model: batch.Tasks[i].ModelID, Err: errors.New("abandoned")},
				LatencyMS: time.Since(start).Milliseconds(),
			}
			r.logger.Warn("Abandoned model call",
				"stage", batch.Stage,
				"model", batch.Tasks[i].ModelID,
				"kind", kind)
		}
	}

	succeeded := 0
	for _, res := range results {
		if res.OK() {
			succeeded++
		}
	}

	if ctx.Err() != nil {
		return results, fmt.Errorf("stage %s: %w", batch.Stage, context.Cause(ctx))
	}
	if succeeded < batch.MinSuccessful {
		if stageCtx.Err() != nil {
			return results, fmt.Errorf("stage %s: %d of %d models succeeded: %w: %w",
				batch.Stage, succeeded, len(batch.Tasks), ErrStageTimeout, ErrInsufficientModels)
		}
		return results, fmt.Errorf("stage %s: %d of %d models succeeded, need %d: %w",
			batch.Stage, succeeded, len(batch.Tasks), batch.MinSuccessful, ErrInsufficientModels)
	}
	return results, nil
}

func (r *Runner) runTask(ctx context.Context, batch Batch, task Task) Result {
	start := time.Now()
	res := Result{ModelID: task.ModelID}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Kind = llm.KindOf(err)
			res.Err = &llm.Failure{Kind: res.Kind, Model: task.ModelID, Err: err}
			break
		}

		resp, err := r.client.Generate(ctx, llm.Request{
			Model:    task.ModelID,
			Prompt:   task.Prompt,
			Deadline: batch.Deadline,
		})
		if err == nil && resp != nil && resp.Text != "" {
			res.Text = resp.Text
			res.TokensIn = resp.TokensIn
			res.TokensOut = resp.TokensOut
			res.Kind = ""
			res.Err = nil
			break
		}
		if err == nil {
			err = &llm.Failure{Kind: llm.KindInvalidResponse, Model: task.ModelID, Err: errors.New("empty response")}
		}
		res.Kind = llm.KindOf(err)
		res.Err = err

		if !res.Kind.Retryable() || attempt >= r.opts.MaxAttempts {
			break
		}
		delay := r.opts.RetryDelay * time.Duration(attempt)
		r.logger.Debug("Retrying model call",
			"stage", batch.Stage,
			"model", task.ModelID,
			"attempt", attempt,
			"kind", res.Kind,
			"delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	res.LatencyMS = time.Since(start).Milliseconds()
	if res.Err != nil {
		r.logger.Info("Model call failed",
			"stage", batch.Stage,
			"model", task.ModelID,
			"kind", res.Kind,
			"error", res.Err)
	}
	return res
}
