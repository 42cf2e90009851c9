// Package api provides HTTP handlers for the council API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/council/internal/config"
	"github.com/ashureev/council/internal/credit"
	"github.com/ashureev/council/internal/deliberation"
	"github.com/ashureev/council/internal/domain"
	"github.com/ashureev/council/internal/identity"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/store"
	"github.com/go-chi/chi/v5"
)

// Options tunes request handling.
type Options struct {
	MaxFiles           int
	MaxRequestBodySize int64
	// KeepaliveInterval spaces SSE comment frames while no event is due.
	KeepaliveInterval time.Duration
	// AllowedOrigins are accepted by the websocket upgrade.
	AllowedOrigins []string
	Retry          shared.RetryPolicy
}

// Handler serves the conversation, run and credit endpoints.
type Handler struct {
	repo     store.Repository
	registry *deliberation.Registry
	ledger   *credit.Ledger
	modes    *config.ModeTable
	opts     Options
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, registry *deliberation.Registry, ledger *credit.Ledger, modes *config.ModeTable, opts Options) *Handler {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 5
	}
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = 1 << 20
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	return &Handler{
		repo:     repo,
		registry: registry,
		ledger:   ledger,
		modes:    modes,
		opts:     opts,
	}
}

// RegisterRoutes registers every route. auth resolves the caller; limit
// throttles run submission.
func (h *Handler) RegisterRoutes(r chi.Router, auth, limit func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	r.Get("/run-modes", h.RunModes)

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Get("/credits", h.Credits)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.CreateConversation)
			r.Get("/", h.ListConversations)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Delete("/", h.DeleteConversation)
				r.With(limit).Post("/message/stream", h.StreamMessage)
				r.Get("/stream", h.ResumeStream)
				r.Get("/ws", h.ResumeWebSocket)
				r.Get("/status", h.Status)
				r.Post("/cancel", h.Cancel)
				r.Delete("/messages/{message_id}", h.DeleteMessage)
			})
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, detail string) {
	JSON(w, status, map[string]string{"detail": detail})
}

// ownedConversation loads the conversation named in the URL and checks that
// the caller owns it. It writes the error response and returns nil otherwise.
func (h *Handler) ownedConversation(w http.ResponseWriter, r *http.Request) *domain.Conversation {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "Not authenticated")
		return nil
	}

	id := chi.URLParam(r, "id")
	conv, err := h.repo.GetConversation(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "conversation_id", id)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "Conversation not found")
		return nil
	}
	if conv.UserID != userID {
		Error(w, http.StatusForbidden, "Not allowed to access this conversation")
		return nil
	}
	return conv
}

// Health pings the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": h.registry.Active(),
	})
}

type runModeView struct {
	domain.RunMode
	StageTimeoutSeconds float64 `json:"stage_timeout_seconds"`
	RosterSize          int     `json:"roster_size"`
}

// RunModes lists the configured modes.
func (h *Handler) RunModes(w http.ResponseWriter, r *http.Request) {
	modes := h.modes.All()
	out := make([]runModeView, 0, len(modes))
	for _, m := range modes {
		out = append(out, runModeView{
			RunMode:             m,
			StageTimeoutSeconds: m.StageTimeoutSeconds(),
			RosterSize:          len(m.Models),
		})
	}
	JSON(w, http.StatusOK, map[string]any{
		"modes":          out,
		"file_surcharge": h.ledger.Quote(domain.RunMode{}, 1),
	})
}

// Credits returns the caller's balance.
func (h *Handler) Credits(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to read balance", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to read credits")
		return
	}
	JSON(w, http.StatusOK, map[string]int{"credits": balance})
}

// runStartError maps a failed run start to a status and detail.
func runStartError(err error) (int, string) {
	switch {
	case errors.Is(err, credit.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "Insufficient credits"
	case errors.Is(err, deliberation.ErrRunActive):
		return http.StatusConflict, "A deliberation is already running for this conversation"
	case errors.Is(err, deliberation.ErrDuplicateRetry):
		return http.StatusConflict, "This message was already retried"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Conversation not found"
	case errors.Is(err, deliberation.ErrShutdown):
		return http.StatusServiceUnavailable, "Server is shutting down"
	default:
		return http.StatusInternalServerError, "failed to start deliberation"
	}
}
