package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/api"
	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/impressions"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

// TelemetryRecorder appends impressions and watch events.
type TelemetryRecorder interface {
	RecordImpression(ctx context.Context, in impressions.ImpressionInput) (store.Impression, error)
	RecordWatch(ctx context.Context, in impressions.WatchInput) (store.WatchEvent, error)
}

type impressionRequest struct {
	VideoID      string      `json:"video_id"`
	SessionID    string      `json:"session_id"`
	Position     json.Number `json:"position"`
	Source       string      `json:"source"`
	ModelVersion string      `json:"model_version,omitempty"`
	VisibleMs    *int64      `json:"visible_ms,omitempty"`
}

type watchRequest struct {
	VideoID              string   `json:"video_id"`
	WatchDurationSeconds *float64 `json:"watch_duration_seconds"`
	Completed            bool     `json:"completed"`
	ImpressionID         string   `json:"impression_id,omitempty"`
}

// PostImpression handles POST /v1/impressions
func PostImpression(tr TelemetryRecorder, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		var req impressionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badJSON(w, r)
			return
		}
		if req.Position == "" {
			writeError(w, r, log, errs.Invalid("position", "required"))
			return
		}
		pos, err := strconv.Atoi(req.Position.String())
		if err != nil {
			writeError(w, r, log, errs.Invalid("position", "must be an integer"))
			return
		}
		in := impressions.ImpressionInput{
			UserID:       userID,
			VideoID:      req.VideoID,
			SessionID:    req.SessionID,
			Position:     pos,
			Source:       req.Source,
			ModelVersion: req.ModelVersion,
		}
		if req.VisibleMs != nil {
			if *req.VisibleMs <= 0 {
				writeError(w, r, log, errs.Invalid("visible_ms", "must be > 0"))
				return
			}
			in.VisibleFor = time.Duration(*req.VisibleMs) * time.Millisecond
		}

		imp, err := tr.RecordImpression(r.Context(), in)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, imp)
	}
}

// PostWatch handles POST /v1/watch
func PostWatch(tr TelemetryRecorder, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		var req watchRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badJSON(w, r)
			return
		}
		if req.WatchDurationSeconds == nil {
			writeError(w, r, log, errs.Invalid("watch_duration_seconds", "required"))
			return
		}

		ev, err := tr.RecordWatch(r.Context(), impressions.WatchInput{
			UserID:               userID,
			VideoID:              req.VideoID,
			WatchDurationSeconds: *req.WatchDurationSeconds,
			Completed:            req.Completed,
			ImpressionID:         req.ImpressionID,
		})
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, ev)
	}
}
