// Package identity resolves the caller of a request.
//
// Authentication happens upstream in the gateway, which forwards an opaque
// user id. The middleware validates its shape, makes sure the user has a
// credit account and stores the id in the request context.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/council/internal/store"
)

// UserHeaderName carries the authenticated user id set by the gateway.
const UserHeaderName = "X-User-ID"

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|-]{1,128}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFromRequest(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(UserHeaderName))
	if !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware rejects requests without a valid user id with 401 and opens a
// credit account with startingCredits on first sight of a user.
func Middleware(repo store.Repository, startingCredits int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userIDFromRequest(r)
			if userID == "" {
				writeDetail(w, http.StatusUnauthorized, "Not authenticated")
				return
			}

			if _, err := repo.EnsureAccount(r.Context(), userID, startingCredits); err != nil {
				slog.Error("Failed to ensure account", "error", err, "user_id", userID)
				writeDetail(w, http.StatusInternalServerError, "failed to initialize account")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"detail":"` + detail + `"}` + "\n"))
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
