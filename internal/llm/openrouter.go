package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const maxResponseBytes = 4 << 20

// OpenRouter calls an OpenAI-compatible chat completions endpoint.
type OpenRouter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenRouter creates a client for baseURL. A nil httpClient uses a default one;
// request lifetimes are bounded by the context, not by the transport.
func NewOpenRouter(baseURL, apiKey string, httpClient *http.Client) *OpenRouter {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenRouter{baseURL: baseURL, apiKey: apiKey, client: httpClient}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate issues one chat completion and abandons it when the deadline passes.
func (c *OpenRouter) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, &Failure{Kind: KindInvalidResponse, Model: req.Model, Err: fmt.Errorf("marshal request: %w", err)}
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{Kind: KindInvalidResponse, Model: req.Model, Err: fmt.Errorf("create request: %w", err)}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxFailure(ctx, req.Model)
		}
		return nil, &Failure{Kind: KindUpstream5xx, Model: req.Model, Err: fmt.Errorf("http call: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close model response body", "model", req.Model, "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxFailure(ctx, req.Model)
		}
		return nil, &Failure{Kind: KindUpstream5xx, Model: req.Model, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &Failure{
			Kind:   statusKind(resp.StatusCode),
			Model:  req.Model,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("status %d: %s", resp.StatusCode, trim(string(raw), 300)),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Failure{Kind: KindInvalidResponse, Model: req.Model, Err: fmt.Errorf("parse response: %w", err)}
	}
	if out.Error != nil && out.Error.Message != "" {
		return nil, &Failure{Kind: KindUpstream5xx, Model: req.Model, Err: fmt.Errorf("upstream error: %s", out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return nil, &Failure{Kind: KindInvalidResponse, Model: req.Model, Err: fmt.Errorf("response had no choices")}
	}
	text := strings.TrimSpace(messageText(out.Choices[0].Message.Content))
	if text == "" {
		return nil, &Failure{Kind: KindInvalidResponse, Model: req.Model, Err: fmt.Errorf("empty completion")}
	}

	result := &Response{Text: text}
	if out.Usage != nil {
		result.TokensIn = out.Usage.PromptTokens
		result.TokensOut = out.Usage.CompletionTokens
	}
	return result, nil
}

func statusKind(status int) FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUpstream5xx
	default:
		return KindInvalidResponse
	}
}

// messageText accepts either a plain string or a list of typed content parts.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

func trim(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
