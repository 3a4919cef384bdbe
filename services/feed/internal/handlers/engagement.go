package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/api"
	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

// Engagement records the explicit interactions. Toggles report whether
// state changed.
type Engagement interface {
	Like(ctx context.Context, userID, videoID string) (bool, error)
	Unlike(ctx context.Context, userID, videoID string) (bool, error)
	Save(ctx context.Context, userID, videoID string) (bool, error)
	Unsave(ctx context.Context, userID, videoID string) (bool, error)
	Share(ctx context.Context, userID, videoID string) error
	AddComment(ctx context.Context, userID, videoID, body string) (store.Comment, error)
	DeleteComment(ctx context.Context, userID, commentID string) error
}

type toggleResponse struct {
	VideoID string `json:"video_id"`
	Liked   *bool  `json:"liked,omitempty"`
	Saved   *bool  `json:"saved,omitempty"`
	Changed bool   `json:"changed"`
}

type commentRequest struct {
	Body string `json:"body"`
}

type toggleFunc func(ctx context.Context, userID, videoID string) (bool, error)

// toggle serves the like/save family. field selects which flag the
// response carries and state is its value after the call.
func toggle(apply toggleFunc, field string, state bool, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}
		videoID := strings.TrimSpace(chi.URLParam(r, "id"))
		changed, err := apply(r.Context(), userID, videoID)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		resp := toggleResponse{VideoID: videoID, Changed: changed}
		if field == "liked" {
			resp.Liked = &state
		} else {
			resp.Saved = &state
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}

// LikeVideo handles POST /v1/videos/{id}/like
func LikeVideo(e Engagement, log *zap.Logger) http.HandlerFunc {
	return toggle(e.Like, "liked", true, log)
}

// UnlikeVideo handles DELETE /v1/videos/{id}/like
func UnlikeVideo(e Engagement, log *zap.Logger) http.HandlerFunc {
	return toggle(e.Unlike, "liked", false, log)
}

// SaveVideo handles POST /v1/videos/{id}/save
func SaveVideo(e Engagement, log *zap.Logger) http.HandlerFunc {
	return toggle(e.Save, "saved", true, log)
}

// UnsaveVideo handles DELETE /v1/videos/{id}/save
func UnsaveVideo(e Engagement, log *zap.Logger) http.HandlerFunc {
	return toggle(e.Unsave, "saved", false, log)
}

// ShareVideo handles POST /v1/videos/{id}/share
func ShareVideo(e Engagement, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}
		videoID := strings.TrimSpace(chi.URLParam(r, "id"))
		if err := e.Share(r.Context(), userID, videoID); err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"video_id": videoID, "shared": true})
	}
}

// CreateComment handles POST /v1/videos/{id}/comments
func CreateComment(e Engagement, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}
		var req commentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badJSON(w, r)
			return
		}
		videoID := strings.TrimSpace(chi.URLParam(r, "id"))
		c, err := e.AddComment(r.Context(), userID, videoID, req.Body)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, c)
	}
}

// DeleteComment handles DELETE /v1/comments/{id}
func DeleteComment(e Engagement, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}
		commentID := strings.TrimSpace(chi.URLParam(r, "id"))
		if commentID == "" {
			writeError(w, r, log, errs.Invalid("comment_id", "required"))
			return
		}
		if err := e.DeleteComment(r.Context(), userID, commentID); err != nil {
			writeError(w, r, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
