package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/api"
)

// CacheAdmin drops cached feed windows.
type CacheAdmin interface {
	InvalidateUserCache(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
}

type invalidateRequest struct {
	UserID string `json:"user_id"`
}

type invalidateResponse struct {
	Scope  string `json:"scope"`
	UserID string `json:"user_id,omitempty"`
}

// InvalidateFeedCache handles POST /v1/admin/feed-cache/invalidate
// An empty body, or one without user_id, drops every user's cache.
func InvalidateFeedCache(ca CacheAdmin, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invalidateRequest
		if err := decodeJSON(w, r, &req); err != nil && !isEOF(err) {
			badJSON(w, r)
			return
		}

		userID := strings.TrimSpace(req.UserID)
		if userID == "" {
			if err := ca.InvalidateAll(r.Context()); err != nil {
				writeError(w, r, log, err)
				return
			}
			log.Info("feed cache invalidated", zap.String("scope", "all"))
			api.WriteJSON(w, http.StatusOK, invalidateResponse{Scope: "all"})
			return
		}

		if err := ca.InvalidateUserCache(r.Context(), userID); err != nil {
			writeError(w, r, log, err)
			return
		}
		log.Info("feed cache invalidated", zap.String("scope", "user"), zap.String("user_id", userID))
		api.WriteJSON(w, http.StatusOK, invalidateResponse{Scope: "user", UserID: userID})
	}
}
