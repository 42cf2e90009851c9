package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

var pseudonymPattern = regexp.MustCompile(`\bModel [A-Z]{1,2}\b`)

// Mock is a keyless client for development and tests. It recognises the
// ranking, synthesis and title prompt contracts and answers in their formats.
type Mock struct {
	// Delay is applied to every call before answering.
	Delay time.Duration
	// Failures forces a failure kind per model id.
	Failures map[string]FailureKind
	// Hang blocks calls for these model ids until the deadline or cancellation.
	Hang map[string]bool

	mu    sync.Mutex
	calls []Request
}

// NewMock creates a mock client with no delay and no failures.
func NewMock() *Mock {
	return &Mock{}
}

// Calls returns a copy of every request received so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Generate answers after Delay unless the model is scripted to fail or hang.
func (m *Mock) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	m.mu.Lock()
	m.calls = append(m.calls, req)
	kind, fail := m.Failures[req.Model]
	hang := m.Hang[req.Model]
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctxFailure(ctx, req.Model)
	}
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctxFailure(ctx, req.Model)
		case <-timer.C:
		}
	}
	if fail {
		return nil, &Failure{Kind: kind, Model: req.Model, Err: fmt.Errorf("scripted failure")}
	}

	text := mockAnswer(req)
	return &Response{
		Text:      text,
		TokensIn:  len(strings.Fields(req.Prompt)),
		TokensOut: len(strings.Fields(text)),
	}, nil
}

func mockAnswer(req Request) string {
	switch {
	case strings.Contains(req.Prompt, "FINAL RANKING:"):
		var labels []string
		seen := map[string]bool{}
		for _, label := range pseudonymPattern.FindAllString(req.Prompt, -1) {
			if !seen[label] {
				seen[label] = true
				labels = append(labels, label)
			}
		}
		var b strings.Builder
		b.WriteString("Each response was weighed on accuracy and practicality.\n\nFINAL RANKING:\n")
		for i, label := range labels {
			fmt.Fprintf(&b, "%d. %s - clear reasoning\n", i+1, label)
		}
		return b.String()
	case strings.Contains(req.Prompt, "CONFIDENCE:"):
		return "On balance the council recommends proceeding carefully.\n\n" +
			"CONFIDENCE: 72\n" +
			"PRIMARY RISK: Underestimating the ongoing commitment.\n" +
			"TRADEOFF: Flexibility now against long-term benefit.\n" +
			"FLIP CONDITION: A change in available time or budget."
	case strings.Contains(req.Prompt, "conversation title"):
		return "Mock Deliberation"
	default:
		return fmt.Sprintf("[mock] %s considered the question and suggests weighing costs against benefits.", req.Model)
	}
}
