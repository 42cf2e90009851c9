package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/council/internal/deliberation"
	"github.com/ashureev/council/internal/events"
	"github.com/coder/websocket"
)

// serveSSE writes the events of sub until a terminal event, a client
// disconnect or a write failure. A subscription dropped for falling behind
// is replaced by one that continues after the last journaled event written,
// so the client never sees an event twice.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, run *deliberation.Run, sub *events.Subscription) {
	defer func() { sub.Close() }()

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	written := 0
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					slog.Warn("SSE subscriber fell behind, continuing", "run_id", run.ID, "offset", written)
					sub = run.SubscribeFrom(written)
					continue
				}
				// The hub closed without a terminal event.
				if err := events.WriteSSE(w, events.Error("stream ended unexpectedly", run.Stage())); err == nil {
					flusher.Flush()
				}
				return
			}
			if err := events.WriteSSE(w, ev); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "run_id", run.ID, "event", ev.Type)
				return
			}
			flusher.Flush()
			if events.Journaled(ev) {
				written++
			}
			if ev.Terminal() {
				return
			}
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				slog.Warn("failed to write SSE keepalive", "error", err, "run_id", run.ID)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected, run continues",
				"run_id", run.ID,
				"conversation_id", run.ConversationID)
			return
		}
	}
}

// ResumeStream attaches to the conversation's active run over SSE, replaying
// the events committed so far.
func (h *Handler) ResumeStream(w http.ResponseWriter, r *http.Request) {
	conv := h.ownedConversation(w, r)
	if conv == nil {
		return
	}

	run, ok := h.registry.Get(conv.ID)
	if !ok {
		Error(w, http.StatusNotFound, "No active run")
		return
	}

	slog.Info("SSE client resuming run", "run_id", run.ID, "conversation_id", conv.ID)
	h.serveSSE(w, r, run, run.Subscribe(true))
}

// ResumeWebSocket is ResumeStream over a websocket: one JSON text message
// per event, closed normally after the terminal event.
func (h *Handler) ResumeWebSocket(w http.ResponseWriter, r *http.Request) {
	conv := h.ownedConversation(w, r)
	if conv == nil {
		return
	}

	run, ok := h.registry.Get(conv.ID)
	if !ok {
		Error(w, http.StatusNotFound, "No active run")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.opts.AllowedOrigins),
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err, "conversation_id", conv.ID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("WebSocket close", "error", closeErr)
		}
	}()

	// Incoming messages are ignored; the returned context ends when the peer
	// goes away.
	ctx := ws.CloseRead(r.Context())

	sub := run.Subscribe(true)
	defer func() { sub.Close() }()

	slog.Info("WebSocket client resuming run", "run_id", run.ID, "conversation_id", conv.ID)

	written := 0
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					sub = run.SubscribeFrom(written)
					continue
				}
				return
			}
			if err := writeWSEvent(ctx, ws, ev); err != nil {
				slog.Warn("failed to write websocket event", "error", err, "run_id", run.ID)
				return
			}
			if events.Journaled(ev) {
				written++
			}
			if ev.Terminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeWSEvent(ctx context.Context, ws *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns converts CORS origins to host patterns for the upgrade check.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
