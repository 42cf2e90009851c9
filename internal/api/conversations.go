package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/council/internal/identity"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateConversation creates an empty conversation for the caller.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	conv, err := h.repo.CreateConversation(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to create conversation", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	slog.Info("Conversation created", "conversation_id", conv.ID, "user_id", userID)
	JSON(w, http.StatusCreated, map[string]any{
		"id":         conv.ID,
		"title":      conv.Title,
		"created_at": conv.CreatedAt,
	})
}

// ListConversations returns one page of the caller's conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	page, ok := queryInt(r, "page", 1)
	if !ok || page < 1 {
		Error(w, http.StatusUnprocessableEntity, "page must be a positive integer")
		return
	}
	limit, ok := queryInt(r, "limit", defaultPageSize)
	if !ok || limit < 1 || limit > maxPageSize {
		Error(w, http.StatusUnprocessableEntity, "limit must be between 1 and 100")
		return
	}

	items, total, err := h.repo.ListConversations(r.Context(), userID, page, limit)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"conversations": items,
		"page":          page,
		"limit":         limit,
		"total":         total,
		"has_more":      page*limit < total,
	})
}

func queryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// GetConversation returns the conversation with its full message history.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv := h.ownedConversation(w, r)
	if conv == nil {
		return
	}
	JSON(w, http.StatusOK, conv)
}

// DeleteConversation removes a conversation and everything that hangs off it.
// A conversation with a run in flight must be cancelled first.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv := h.ownedConversation(w, r)
	if conv == nil {
		return
	}
	if _, active := h.registry.Get(conv.ID); active {
		Error(w, http.StatusConflict, "Cancel the running deliberation first")
		return
	}

	err := shared.Retry(r.Context(), h.opts.Retry, "delete_conversation", func(ctx context.Context) error {
		return h.repo.DeleteConversation(ctx, conv.ID)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "Conversation not found")
		return
	case err != nil:
		slog.Error("Failed to delete conversation", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	slog.Info("Conversation deleted", "conversation_id", conv.ID, "user_id", conv.UserID)
	w.WriteHeader(http.StatusNoContent)
}
