//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/council/internal/config"
	"github.com/ashureev/council/internal/credit"
	"github.com/ashureev/council/internal/deliberation"
	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/events"
	"github.com/ashureev/council/internal/identity"
	"github.com/ashureev/council/internal/llm"
	"github.com/ashureev/council/internal/middleware"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/stage"
	"github.com/ashureev/council/internal/store"
	"github.com/go-chi/chi/v5"
)

type testEnv struct {
	repo   *store.SQLiteStore
	ledger *credit.Ledger
	reg     *deliberation.Registry
	handler *Handler
	server  *httptest.Server
}

type envOptions struct {
	credits          int
	delay            time.Duration
	rateLimit        int
	subscriberBuffer int
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	if o.rateLimit == 0 {
		o.rateLimit = 100
	}

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "council.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	retry := shared.RetryPolicy{MaxRetries: 5, BaseDelay: 5 * time.Millisecond}
	mock := llm.NewMock()
	mock.Delay = o.delay

	ledger := credit.NewLedger(repo, 1, retry, nil)
	runner := stage.NewRunner(mock, stage.Options{MaxAttempts: 1, CancelGrace: 200 * time.Millisecond})
	reg := deliberation.NewRegistry(repo, ledger, runner, mock, deliberation.Options{
		HeartbeatInterval: time.Second,
		RunTimeout:        30 * time.Second,
		TitleTimeout:      2 * time.Second,
		SubscriberBuffer:  o.subscriberBuffer,
		Retry:             retry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	limiter := middleware.NewRateLimiter(ctx, o.rateLimit, time.Hour)

	h := NewHandler(repo, reg, ledger, config.DefaultModeTable(), Options{
		MaxFiles: 2,
		Retry:    retry,
	})
	r := chi.NewRouter()
	h.RegisterRoutes(r, identity.Middleware(repo, o.credits), limiter.Handler)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = reg.Shutdown(shutdownCtx)
		cancel()
	})
	return &testEnv{repo: repo, ledger: ledger, reg: reg, handler: h, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatal(err)
			}
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(identity.UserHeaderName, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func (e *testEnv) createConversation(t *testing.T, user string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/conversations", user, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation: expected 201, got %d", resp.StatusCode)
	}
	return decode[map[string]any](t, resp)["id"].(string)
}

func readEvents(t *testing.T, resp *http.Response) []events.Event {
	t.Helper()
	var out []events.Event
	if err := events.ReadSSE(resp.Body, func(ev events.Event) bool {
		out = append(out, ev)
		return !ev.Terminal()
	}); err != nil {
		t.Fatalf("ReadSSE failed: %v", err)
	}
	return out
}

func countType(evs []events.Event, typ events.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestErrorUsesDetail(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusPaymentRequired, "Insufficient credits")

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["detail"] != "Insufficient credits" {
		t.Errorf("Expected detail, got %v", got)
	}
}

func TestRequiresUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5})

	resp := env.do(t, http.MethodGet, "/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must not need a user, got %d", resp.StatusCode)
	}
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5})

	id := env.createConversation(t, "alice")
	env.createConversation(t, "alice")
	env.createConversation(t, "bob")

	list := decode[map[string]any](t, env.do(t, http.MethodGet, "/conversations?page=1&limit=1", "alice", nil))
	if list["total"].(float64) != 2 {
		t.Errorf("expected 2 conversations for alice, got %v", list["total"])
	}
	if got := len(list["conversations"].([]any)); got != 1 {
		t.Errorf("expected page of 1, got %d", got)
	}
	if list["has_more"] != true {
		t.Errorf("expected has_more, got %v", list["has_more"])
	}

	if resp := env.do(t, http.MethodGet, "/conversations?limit=0", "alice", nil); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("limit=0: expected 422, got %d", resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/conversations/"+id, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	conv := decode[domain.Conversation](t, resp)
	if conv.ID != id || conv.Title != domain.DefaultTitle {
		t.Errorf("unexpected conversation %+v", conv)
	}

	if resp := env.do(t, http.MethodGet, "/conversations/"+id, "bob", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("other user: expected 403, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/conversations/"+id, "bob", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("other user delete: expected 403, got %d", resp.StatusCode)
	}

	if resp := env.do(t, http.MethodDelete, "/conversations/"+id, "alice", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/conversations/"+id, "alice", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestStreamMessageRunsToCompletion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5})
	id := env.createConversation(t, "alice")

	resp := env.do(t, http.MethodPost, "/conversations/"+id+"/message/stream", "alice", map[string]any{
		"content": "Should I adopt a dog?",
		"mode":    "quick",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}
	if got := resp.Header.Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("expected proxy buffering disabled, got %q", got)
	}

	evs := readEvents(t, resp)
	if len(evs) == 0 || evs[0].Type != events.TypeRunStarted {
		t.Fatalf("expected run_started first, got %v", evs)
	}
	last := evs[len(evs)-1]
	if last.Type != events.TypeComplete {
		t.Fatalf("expected complete last, got %s", last.Type)
	}
	var credits int
	if err := last.Field("credits", &credits); err != nil || credits != 4 {
		t.Errorf("expected 4 credits left, got %d (%v)", credits, err)
	}
	for _, typ := range []events.Type{
		events.CompleteType(domain.Stage1),
		events.SkippedType(domain.Stage1_5),
		events.SkippedType(domain.Stage2),
		events.CompleteType(domain.Stage3),
	} {
		if n := countType(evs, typ); n != 1 {
			t.Errorf("expected exactly one %s, got %d", typ, n)
		}
	}

	<-waitIdle(env.reg, id)

	status := decode[domain.RunStatus](t, env.do(t, http.MethodGet, "/conversations/"+id+"/status", "alice", nil))
	if status.Processing || status.Orphaned {
		t.Errorf("expected idle status, got %+v", status)
	}

	conv := decode[domain.Conversation](t, env.do(t, http.MethodGet, "/conversations/"+id, "alice", nil))
	if len(conv.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(conv.Messages))
	}
	if a := conv.Messages[1]; a.Role != domain.RoleAssistant || a.Status != domain.MessageComplete || a.Stage3 == nil {
		t.Errorf("expected complete assistant message, got %+v", a)
	}
	if conv.Title == domain.DefaultTitle {
		t.Error("expected generated title")
	}

	balance := decode[map[string]int](t, env.do(t, http.MethodGet, "/credits", "alice", nil))
	if balance["credits"] != 4 {
		t.Errorf("expected balance 4, got %d", balance["credits"])
	}
}

// waitIdle closes once the conversation has no active run.
func waitIdle(reg *deliberation.Registry, conversationID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			run, ok := reg.Get(conversationID)
			if !ok {
				return
			}
			select {
			case <-run.Done():
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()
	return done
}

func TestStreamMessageValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5})
	id := env.createConversation(t, "alice")
	path := "/conversations/" + id + "/message/stream"

	cases := []struct {
		name string
		body any
		want int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"empty content", map[string]any{"content": "  ", "mode": "quick"}, http.StatusUnprocessableEntity},
		{"unknown mode", map[string]any{"content": "hi", "mode": "turbo"}, http.StatusUnprocessableEntity},
		{"too many files", map[string]any{"content": "hi", "mode": "quick", "files": []map[string]string{
			{"name": "a.txt", "content": "a"}, {"name": "b.txt", "content": "b"}, {"name": "c.txt", "content": "c"},
		}}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		resp := env.do(t, http.MethodPost, path, "alice", tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, resp.StatusCode)
		}
	}

	if resp := env.do(t, http.MethodPost, path, "bob", map[string]any{"content": "hi", "mode": "quick"}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("other user: expected 403, got %d", resp.StatusCode)
	}

	conv := decode[domain.Conversation](t, env.do(t, http.MethodGet, "/conversations/"+id, "alice", nil))
	if len(conv.Messages) != 0 {
		t.Errorf("rejected requests must not create messages, got %d", len(conv.Messages))
	}
}

func TestStreamMessageAfterOrphanDeleted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5})
	id := env.createConversation(t, "alice")
	other := env.createConversation(t, "alice")
	ctx := context.Background()

	foreign := &domain.Message{ID: "elsewhere", ConversationID: other, Role: domain.RoleUser, Content: "hi", CreatedAt: time.Now()}
	if err := env.repo.AppendMessage(ctx, foreign); err != nil {
		t.Fatal(err)
	}
	path := "/conversations/" + id + "/message/stream"
	resp := env.do(t, http.MethodPost, path, "alice", map[string]any{
		"content": "hi", "mode": "quick", "source_message_id": "elsewhere",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("source from another conversation: expected 404, got %d", resp.StatusCode)
	}

	orphan := &domain.Message{ID: "orphan", ConversationID: id, Role: domain.RoleUser, Content: "Should I adopt a dog?", CreatedAt: time.Now()}
	if err := env.repo.AppendMessage(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	if resp := env.do(t, http.MethodDelete, "/conversations/"+id+"/messages/orphan", "alice", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete orphan: expected 204, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, path, "alice", map[string]any{
		"content": "Should I adopt a dog?", "mode": "quick", "source_message_id": "orphan",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deleted source: expected a fresh run, got %d", resp.StatusCode)
	}
	evs := readEvents(t, resp)
	if last := evs[len(evs)-1]; last.Type != events.TypeComplete {
		t.Fatalf("expected complete last, got %s", last.Type)
	}
	<-waitIdle(env.reg, id)

	conv := decode[domain.Conversation](t, env.do(t, http.MethodGet, "/conversations/"+id, "alice", nil))
	if len(conv.Messages) != 2 || conv.Messages[0].Role != domain.RoleUser || conv.Messages[1].Role != domain.RoleAssistant {
		t.Fatalf("expected a new question and its reply, got %+v", conv.Messages)
	}
}

func TestStreamMessageInsufficientCredits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 3})
	id := env.createConversation(t, "alice")

	resp := env.do(t, http.MethodPost, "/conversations/"+id+"/message/stream", "alice", map[string]any{
		"content": "Should I adopt a dog?",
		"mode":    "extra_care",
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, resp)["detail"]; got != "Insufficient credits" {
		t.Errorf("unexpected detail %q", got)
	}

	conv := decode[domain.Conversation](t, env.do(t, http.MethodGet, "/conversations/"+id, "alice", nil))
	if len(conv.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(conv.Messages))
	}
	balance := decode[map[string]int](t, env.do(t, http.MethodGet, "/credits", "alice", nil))
	if balance["credits"] != 3 {
		t.Errorf("expected balance unchanged at 3, got %d", balance["credits"])
	}
}

func TestStreamMessageRateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5, rateLimit: 1})
	id := env.createConversation(t, "alice")
	path := "/conversations/" + id + "/message/stream"

	first := env.do(t, http.MethodPost, path, "alice", map[string]any{"content": "", "mode": "quick"})
	if first.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", first.StatusCode)
	}
	second := env.do(t, http.MethodPost, path, "alice", map[string]any{"content": "hi", "mode": "quick"})
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", second.StatusCode)
	}
}

func TestResumeAfterDisconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5, delay: 150 * time.Millisecond})
	id := env.createConversation(t, "alice")

	if resp := env.do(t, http.MethodGet, "/conversations/"+id+"/stream", "alice", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no run: expected 404, got %d", resp.StatusCode)
	}

	ctx, disconnect := context.WithCancel(context.Background())
	body, _ := json.Marshal(map[string]any{"content": "Should I adopt a dog?", "mode": "standard"})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, env.server.URL+"/conversations/"+id+"/message/stream", bytes.NewReader(body))
	req.Header.Set(identity.UserHeaderName, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var first events.Event
	_ = events.ReadSSE(resp.Body, func(ev events.Event) bool {
		first = ev
		return false
	})
	disconnect()
	_ = resp.Body.Close()
	if first.Type != events.TypeRunStarted {
		t.Fatalf("expected run_started, got %s", first.Type)
	}

	resumed := env.do(t, http.MethodGet, "/conversations/"+id+"/stream", "alice", nil)
	if resumed.StatusCode != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", resumed.StatusCode)
	}
	evs := readEvents(t, resumed)
	if len(evs) == 0 {
		t.Fatal("resumed stream carried no events")
	}
	if evs[0].Type != events.TypeRecoveryStart {
		t.Errorf("expected recovery_start first, got %s", evs[0].Type)
	}
	if evs[len(evs)-1].Type != events.TypeComplete {
		t.Fatalf("expected complete last, got %s", evs[len(evs)-1].Type)
	}
	for _, typ := range []events.Type{
		events.TypeRunStarted,
		events.CompleteType(domain.Stage1),
		events.CompleteType(domain.Stage2),
		events.CompleteType(domain.Stage3),
	} {
		if n := countType(evs, typ); n != 1 {
			t.Errorf("expected exactly one %s after resume, got %d", typ, n)
		}
	}
}

// slowRecorder stalls every write so the hub outpaces it.
type slowRecorder struct {
	*httptest.ResponseRecorder
	pause time.Duration
}

func (w *slowRecorder) Write(p []byte) (int, error) {
	time.Sleep(w.pause)
	return w.ResponseRecorder.Write(p)
}

func TestSlowStreamNeverRepeatsEvents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5, subscriberBuffer: 1})
	id := env.createConversation(t, "alice")

	mode, _ := config.DefaultModeTable().Get(domain.ModeExtraCare)
	run, sub, err := env.reg.Start(context.Background(), deliberation.Request{
		ConversationID: id,
		UserID:         "alice",
		Mode:           mode,
		Content:        "Should I adopt a dog?",
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	w := &slowRecorder{ResponseRecorder: httptest.NewRecorder(), pause: 40 * time.Millisecond}
	env.handler.serveSSE(w, httptest.NewRequest(http.MethodGet, "/", nil), run, sub)

	var evs []events.Event
	if err := events.ReadSSE(w.Body, func(ev events.Event) bool {
		evs = append(evs, ev)
		return true
	}); err != nil {
		t.Fatalf("ReadSSE failed: %v", err)
	}
	if len(evs) == 0 || evs[len(evs)-1].Type != events.TypeComplete {
		t.Fatalf("expected complete last, got %v", evs)
	}

	seen := make(map[events.Type]int)
	for _, ev := range evs {
		key := ev.Type
		switch ev.Type {
		case events.TypeHeartbeat:
			continue
		case events.TypeStagePreparing:
			var next string
			_ = ev.Field("next_stage", &next)
			key = events.Type(string(ev.Type) + ":" + next)
		}
		seen[key]++
		if seen[key] > 1 {
			t.Errorf("%s delivered %d times on one stream", key, seen[key])
		}
	}
	if seen[events.TypeRecoveryStart] != 0 {
		t.Error("a live stream that fell behind must not announce recovery")
	}
	for _, typ := range []events.Type{
		events.TypeRunStarted,
		events.StartType(domain.Stage1),
		events.CompleteType(domain.Stage1),
		events.CompleteType(domain.Stage2),
		events.CompleteType(domain.Stage3),
	} {
		if seen[typ] != 1 {
			t.Errorf("expected exactly one %s, got %d", typ, seen[typ])
		}
	}
}

func TestCancelWithoutRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5})
	id := env.createConversation(t, "alice")

	resp := env.do(t, http.MethodPost, "/conversations/"+id+"/cancel", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decode[map[string]bool](t, resp); got["cancelled"] {
		t.Error("expected cancelled=false without a run")
	}
}

func TestDeleteMessage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5})
	id := env.createConversation(t, "alice")

	msg := &domain.Message{ID: "m1", ConversationID: id, Role: domain.RoleUser, Content: "orphaned question", CreatedAt: time.Now()}
	if err := env.repo.AppendMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	if resp := env.do(t, http.MethodDelete, "/conversations/"+id+"/messages/missing", "alice", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/conversations/"+id+"/messages/m1", "alice", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	if got, _ := env.repo.GetMessage(context.Background(), "m1"); got != nil {
		t.Error("message still present after delete")
	}
}

func TestRunModes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, envOptions{credits: 5})

	resp := env.do(t, http.MethodGet, "/run-modes", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[struct {
		Modes []struct {
			Mode             string `json:"mode"`
			CreditCost       int    `json:"credit_cost"`
			EnablePeerReview bool   `json:"enable_peer_review"`
			ContextMode      string `json:"context_mode"`
			RosterSize       int    `json:"roster_size"`
		} `json:"modes"`
		FileSurcharge int `json:"file_surcharge"`
	}](t, resp)

	if len(got.Modes) != 3 {
		t.Fatalf("expected 3 modes, got %d", len(got.Modes))
	}
	if got.Modes[0].Mode != "quick" || got.Modes[0].CreditCost != 1 || got.Modes[0].EnablePeerReview {
		t.Errorf("unexpected quick mode %+v", got.Modes[0])
	}
	if got.Modes[2].Mode != "extra_care" || got.Modes[2].ContextMode != "full" || got.Modes[2].RosterSize != 4 {
		t.Errorf("unexpected extra_care mode %+v", got.Modes[2])
	}
	if got.FileSurcharge != 1 {
		t.Errorf("expected surcharge 1, got %d", got.FileSurcharge)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://app.example", "http://localhost:5173"})
	if len(got) != 2 || got[0] != "app.example" || got[1] != "localhost:5173" {
		t.Errorf("unexpected patterns %v", got)
	}
	if got := originPatterns([]string{"https://a.example", "*"}); len(got) != 1 || got[0] != "*" {
		t.Errorf("wildcard must win, got %v", got)
	}
}
