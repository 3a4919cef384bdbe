// Package impressions validates and persists what a user was shown and
// what they watched. Recording is passive telemetry: it never touches the
// feed cache.
package impressions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/analytics"
	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/metrics"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

// MinVisible is the shortest on-screen time that counts as an impression.
const MinVisible = 600 * time.Millisecond

// ImpressionInput is one video-became-visible event.
type ImpressionInput struct {
	UserID       string
	VideoID      string
	SessionID    string
	Position     int
	Source       string
	ModelVersion string
	// VisibleFor is the reported on-screen time. Zero means the client
	// already applied MinVisible.
	VisibleFor time.Duration
}

// WatchInput is one finished viewing.
type WatchInput struct {
	UserID               string
	VideoID              string
	WatchDurationSeconds float64
	Completed            bool
	ImpressionID         string
}

type Recorder struct {
	store store.TelemetryStore
	pub   *analytics.Publisher
	log   *zap.Logger
}

// New creates a Recorder. pub may be nil.
func New(s store.TelemetryStore, pub *analytics.Publisher, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: s, pub: pub, log: log}
}

// RecordImpression validates in and appends an impression row.
// Counters are not touched.
func (r *Recorder) RecordImpression(ctx context.Context, in ImpressionInput) (store.Impression, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.VideoID = strings.TrimSpace(in.VideoID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	src := store.Source(strings.TrimSpace(in.Source))

	switch {
	case in.UserID == "":
		return store.Impression{}, errs.Invalid("user_id", "required")
	case in.VideoID == "":
		return store.Impression{}, errs.Invalid("video_id", "required")
	case in.SessionID == "":
		return store.Impression{}, errs.Invalid("session_id", "required")
	case !src.Valid():
		return store.Impression{}, errs.Invalid("source", "must be one of personal, trending, random")
	case in.Position < 0:
		return store.Impression{}, errs.Invalid("position", "must be >= 0")
	case in.VisibleFor != 0 && in.VisibleFor < MinVisible:
		return store.Impression{}, errs.Invalid("visible_ms", "below minimum visibility of "+strconv.FormatInt(MinVisible.Milliseconds(), 10)+"ms")
	}

	if err := r.requireActive(ctx, in.VideoID); err != nil {
		return store.Impression{}, err
	}

	imp, err := r.store.InsertImpression(ctx, store.Impression{
		UserID:       in.UserID,
		VideoID:      in.VideoID,
		SessionID:    in.SessionID,
		Position:     in.Position,
		Source:       src,
		ModelVersion: strings.TrimSpace(in.ModelVersion),
	})
	if err != nil {
		return store.Impression{}, r.storeErr("insert impression", in.VideoID, err)
	}

	metrics.ImpressionsTotal.WithLabelValues(string(src)).Inc()
	r.pub.Publish(analytics.SubjectFeedImpression, "feed_impression", imp.UserID, map[string]any{
		"impression_id": imp.ID,
		"video_id":      imp.VideoID,
		"session_id":    imp.SessionID,
		"position":      imp.Position,
		"source":        string(imp.Source),
		"model_version": imp.ModelVersion,
	})
	return imp, nil
}

// RecordWatch validates in, appends a watch event and increments the
// video's views by exactly one.
func (r *Recorder) RecordWatch(ctx context.Context, in WatchInput) (store.WatchEvent, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.VideoID = strings.TrimSpace(in.VideoID)
	in.ImpressionID = strings.TrimSpace(in.ImpressionID)

	switch {
	case in.UserID == "":
		return store.WatchEvent{}, errs.Invalid("user_id", "required")
	case in.VideoID == "":
		return store.WatchEvent{}, errs.Invalid("video_id", "required")
	case math.IsNaN(in.WatchDurationSeconds) || math.IsInf(in.WatchDurationSeconds, 0):
		return store.WatchEvent{}, errs.Invalid("watch_duration_seconds", "must be a finite number")
	case in.WatchDurationSeconds < 0:
		return store.WatchEvent{}, errs.Invalid("watch_duration_seconds", "must be >= 0")
	}

	if err := r.requireActive(ctx, in.VideoID); err != nil {
		return store.WatchEvent{}, err
	}

	ev := store.WatchEvent{
		UserID:               in.UserID,
		VideoID:              in.VideoID,
		WatchDurationSeconds: in.WatchDurationSeconds,
		Completed:            in.Completed,
	}
	if in.ImpressionID != "" {
		imp, err := r.store.GetImpression(ctx, in.ImpressionID)
		if errors.Is(err, store.ErrImpressionNotFound) {
			return store.WatchEvent{}, fmt.Errorf("%w: impression %s", errs.ErrNotFound, in.ImpressionID)
		}
		if err != nil {
			return store.WatchEvent{}, errs.Classify("get impression", err)
		}
		if imp.UserID != in.UserID || imp.VideoID != in.VideoID {
			return store.WatchEvent{}, errs.Invalid("impression_id", "does not match user and video")
		}
		id := imp.ID
		ev.ImpressionID = &id
	}

	saved, err := r.store.InsertWatchEvent(ctx, ev)
	if err != nil {
		return store.WatchEvent{}, r.storeErr("insert watch event", in.VideoID, err)
	}

	metrics.WatchEventsTotal.WithLabelValues(strconv.FormatBool(saved.Completed)).Inc()
	props := map[string]any{
		"watch_event_id":         saved.ID,
		"video_id":               saved.VideoID,
		"watch_duration_seconds": saved.WatchDurationSeconds,
		"completed":              saved.Completed,
	}
	if saved.ImpressionID != nil {
		props["impression_id"] = *saved.ImpressionID
	}
	r.pub.Publish(analytics.SubjectFeedWatch, "feed_watch", saved.UserID, props)
	return saved, nil
}

func (r *Recorder) requireActive(ctx context.Context, videoID string) error {
	v, err := r.store.GetVideo(ctx, videoID)
	if err != nil {
		return r.storeErr("get video", videoID, err)
	}
	if v.Status != store.VideoActive {
		return fmt.Errorf("%w: video %s", errs.ErrNotFound, videoID)
	}
	return nil
}

func (r *Recorder) storeErr(op, videoID string, err error) error {
	if errors.Is(err, store.ErrVideoNotFound) {
		return fmt.Errorf("%w: video %s", errs.ErrNotFound, videoID)
	}
	r.log.Warn("telemetry write failed", zap.String("op", op), zap.String("video_id", videoID), zap.Error(err))
	return errs.Classify(op, err)
}
