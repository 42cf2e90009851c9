// Package llm issues single generation requests against upstream models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request is one generation call.
type Request struct {
	Model  string
	Prompt string
	// Deadline is an absolute bound. The zero value means only ctx bounds the call.
	Deadline time.Time
}

// Response is the text produced by a model.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client generates text with a named model. Implementations never retry.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// FailureKind classifies a failed generation.
type FailureKind string

const (
	KindTimeout         FailureKind = "timeout"
	KindUpstream5xx     FailureKind = "upstream_5xx"
	KindRateLimited     FailureKind = "rate_limited"
	KindInvalidResponse FailureKind = "invalid_response"
	KindCancelled       FailureKind = "cancelled"
)

// Retryable reports whether a caller may try the same request again.
func (k FailureKind) Retryable() bool {
	return k == KindUpstream5xx || k == KindRateLimited
}

// Failure is the typed error returned by every Client.
type Failure struct {
	Kind   FailureKind
	Model  string
	Status int
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("model %s: %s", f.Model, f.Kind)
	}
	return fmt.Sprintf("model %s: %s: %v", f.Model, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf extracts the failure kind from err. Errors that are not a *Failure
// are classified from the context error they wrap, or as invalid_response.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return contextKind(err, KindInvalidResponse)
}

func contextKind(err error, fallback FailureKind) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return fallback
}

// withDeadline narrows ctx to the request deadline when one is set.
func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// ctxFailure converts an abandoned call into a Failure.
func ctxFailure(ctx context.Context, model string) *Failure {
	err := ctx.Err()
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	return &Failure{Kind: contextKind(ctx.Err(), KindCancelled), Model: model, Err: err}
}
