package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/council/internal/deliberation"
	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/store"
	"github.com/go-chi/chi/v5"
)

type streamRequest struct {
	Content         string              `json:"content"`
	Mode            domain.ModeName     `json:"mode"`
	Files           []domain.Attachment `json:"files,omitempty"`
	SourceMessageID string              `json:"source_message_id,omitempty"`
}

// validate normalises the request and returns the resolved mode or a
// client-facing reason.
func (h *Handler) validate(req *streamRequest) (domain.RunMode, error) {
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return domain.RunMode{}, errors.New("content is required")
	}
	mode, ok := h.modes.Get(req.Mode)
	if !ok {
		return domain.RunMode{}, fmt.Errorf("unknown mode %q", req.Mode)
	}
	if len(req.Files) > h.opts.MaxFiles {
		return domain.RunMode{}, fmt.Errorf("at most %d files are allowed", h.opts.MaxFiles)
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Name) == "" {
			return domain.RunMode{}, fmt.Errorf("file %d has no name", i+1)
		}
	}
	return mode, nil
}

// StreamMessage starts a deliberation and streams its events as SSE. The run
// is owned by the registry: a client disconnect ends the response only.
func (h *Handler) StreamMessage(w http.ResponseWriter, r *http.Request) {
	conv := h.ownedConversation(w, r)
	if conv == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodySize)
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := h.validate(&req)
	if err != nil {
		Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if req.SourceMessageID != "" {
		src, err := h.repo.GetMessage(r.Context(), req.SourceMessageID)
		if err != nil {
			slog.Error("Failed to load source message", "error", err, "message_id", req.SourceMessageID)
			Error(w, http.StatusInternalServerError, "failed to load source message")
			return
		}
		switch {
		case src == nil:
			// Deleting an orphan removes its marker too; asking again is a
			// fresh question.
			slog.Info("Source message gone, starting a fresh run",
				"message_id", req.SourceMessageID,
				"conversation_id", conv.ID)
			req.SourceMessageID = ""
		case src.ConversationID != conv.ID || src.Role != domain.RoleUser:
			Error(w, http.StatusNotFound, "Source message not found")
			return
		}
	}

	run, sub, err := h.registry.Start(r.Context(), deliberation.Request{
		ConversationID:  conv.ID,
		UserID:          conv.UserID,
		Mode:            mode,
		Content:         req.Content,
		Files:           req.Files,
		SourceMessageID: req.SourceMessageID,
	})
	if err != nil {
		status, detail := runStartError(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Failed to start run", "error", err, "conversation_id", conv.ID)
		} else {
			slog.Info("Run rejected", "reason", err, "conversation_id", conv.ID, "user_id", conv.UserID)
		}
		Error(w, status, detail)
		return
	}

	slog.Info("Run started",
		"run_id", run.ID,
		"conversation_id", conv.ID,
		"mode", mode.Name,
		"files", len(req.Files),
		"retry_of", req.SourceMessageID)

	h.serveSSE(w, r, run, sub)
}

// Status reports the conversation's run and orphan state for polling clients.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	conv := h.ownedConversation(w, r)
	if conv == nil {
		return
	}

	status, err := h.repo.GetRunStatus(r.Context(), conv.ID)
	if err != nil {
		slog.Error("Failed to read run status", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to read run status")
		return
	}
	JSON(w, http.StatusOK, status)
}

// Cancel stops the conversation's active run, if any.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	conv := h.ownedConversation(w, r)
	if conv == nil {
		return
	}

	if err := h.registry.Cancel(conv.ID); err != nil {
		if errors.Is(err, deliberation.ErrNoActiveRun) {
			JSON(w, http.StatusOK, map[string]any{"cancelled": false})
			return
		}
		slog.Error("Failed to cancel run", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// DeleteMessage removes a message, typically an orphaned question before it
// is retried. Deleting a user message removes its reply and orphan marker.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	conv := h.ownedConversation(w, r)
	if conv == nil {
		return
	}
	messageID := chi.URLParam(r, "message_id")

	err := shared.Retry(r.Context(), h.opts.Retry, "delete_message", func(ctx context.Context) error {
		return h.repo.DeleteMessage(ctx, conv.ID, messageID)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "Message not found")
		return
	case errors.Is(err, store.ErrRunActive):
		Error(w, http.StatusConflict, "Message belongs to a running deliberation")
		return
	case err != nil:
		slog.Error("Failed to delete message", "error", err, "message_id", messageID)
		Error(w, http.StatusInternalServerError, "failed to delete message")
		return
	}

	slog.Info("Message deleted", "conversation_id", conv.ID, "message_id", messageID)
	w.WriteHeader(http.StatusNoContent)
}
