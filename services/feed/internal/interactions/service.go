// Package interactions applies explicit taste signals (likes, saves,
// comments) and shares. Every call that changes the acting user's taste
// signal invalidates that user's feed cache before returning.
package interactions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/analytics"
	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

// MaxCommentLength is counted in runes after trimming.
const MaxCommentLength = 2000

// IsTasteSignal reports whether action changes what the acting user's feed
// should show. Shares and telemetry do not.
func IsTasteSignal(action string) bool {
	switch action {
	case "like", "unlike", "save", "unsave", "comment", "delete_comment":
		return true
	}
	return false
}

// Invalidator drops a user's cached feed.
type Invalidator interface {
	Invalidate(ctx context.Context, userID, reason string) error
}

type Service struct {
	store store.InteractionStore
	cache Invalidator
	pub   *analytics.Publisher
	log   *zap.Logger
}

// New creates a Service. pub may be nil.
func New(s store.InteractionStore, cache Invalidator, pub *analytics.Publisher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, cache: cache, pub: pub, log: log}
}

func (s *Service) Like(ctx context.Context, userID, videoID string) (bool, error) {
	return s.toggle(ctx, "like", userID, videoID, s.store.Like)
}

func (s *Service) Unlike(ctx context.Context, userID, videoID string) (bool, error) {
	return s.toggle(ctx, "unlike", userID, videoID, s.store.Unlike)
}

func (s *Service) Save(ctx context.Context, userID, videoID string) (bool, error) {
	return s.toggle(ctx, "save", userID, videoID, s.store.Save)
}

func (s *Service) Unsave(ctx context.Context, userID, videoID string) (bool, error) {
	return s.toggle(ctx, "unsave", userID, videoID, s.store.Unsave)
}

func (s *Service) toggle(ctx context.Context, action, userID, videoID string, apply func(context.Context, string, string) (bool, error)) (bool, error) {
	userID, videoID, err := ids(userID, videoID)
	if err != nil {
		return false, err
	}
	changed, err := apply(ctx, userID, videoID)
	if err != nil {
		return false, s.storeErr(action, videoID, err)
	}
	// A repeat still invalidates: the previous attempt may have written the
	// row and then failed to reach the cache.
	s.invalidate(ctx, userID, action)
	if changed {
		s.publish(action, userID, map[string]any{"video_id": videoID})
	}
	return changed, nil
}

// Share counts a share. Shares are not a taste signal, so the cache is kept.
func (s *Service) Share(ctx context.Context, userID, videoID string) error {
	userID, videoID, err := ids(userID, videoID)
	if err != nil {
		return err
	}
	if err := s.store.Share(ctx, userID, videoID); err != nil {
		return s.storeErr("share", videoID, err)
	}
	s.publish("share", userID, map[string]any{"video_id": videoID})
	return nil
}

func (s *Service) AddComment(ctx context.Context, userID, videoID, body string) (store.Comment, error) {
	userID, videoID, err := ids(userID, videoID)
	if err != nil {
		return store.Comment{}, err
	}
	body = strings.TrimSpace(body)
	switch n := utf8.RuneCountInString(body); {
	case n == 0:
		return store.Comment{}, errs.Invalid("body", "required")
	case n > MaxCommentLength:
		return store.Comment{}, errs.Invalid("body", fmt.Sprintf("must be at most %d characters", MaxCommentLength))
	}

	c, err := s.store.AddComment(ctx, store.Comment{VideoID: videoID, UserID: userID, Body: body})
	if err != nil {
		return store.Comment{}, s.storeErr("comment", videoID, err)
	}
	s.invalidate(ctx, userID, "comment")
	s.publish("comment", userID, map[string]any{"video_id": videoID, "comment_id": c.ID})
	return c, nil
}

// DeleteComment soft-deletes a comment owned by userID. Someone else's
// comment is reported as not found.
func (s *Service) DeleteComment(ctx context.Context, userID, commentID string) error {
	userID = strings.TrimSpace(userID)
	commentID = strings.TrimSpace(commentID)
	if userID == "" {
		return errs.Invalid("user_id", "required")
	}
	if commentID == "" {
		return errs.Invalid("comment_id", "required")
	}
	c, err := s.store.DeleteComment(ctx, commentID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFoundOrForbidden) {
			return fmt.Errorf("%w: comment %s", errs.ErrNotFound, commentID)
		}
		return errs.Classify("delete comment", err)
	}
	s.invalidate(ctx, userID, "delete_comment")
	s.publish("delete_comment", userID, map[string]any{"video_id": c.VideoID, "comment_id": c.ID})
	return nil
}

func ids(userID, videoID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	videoID = strings.TrimSpace(videoID)
	if userID == "" {
		return "", "", errs.Invalid("user_id", "required")
	}
	if videoID == "" {
		return "", "", errs.Invalid("video_id", "required")
	}
	return userID, videoID, nil
}

// invalidate runs after the write is durable. A failure is logged rather
// than returned: the write already happened, and a retried toggle
// invalidates again.
func (s *Service) invalidate(ctx context.Context, userID, reason string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID, reason); err != nil {
		s.log.Error("feed cache invalidation failed", zap.String("user_id", userID), zap.String("reason", reason), zap.Error(err))
	}
}

func (s *Service) publish(action, userID string, props map[string]any) {
	props["action"] = action
	s.pub.Publish(analytics.SubjectInteraction, "engagement_"+action, userID, props)
}

func (s *Service) storeErr(op, videoID string, err error) error {
	if errors.Is(err, store.ErrVideoNotFound) {
		return fmt.Errorf("%w: video %s", errs.ErrNotFound, videoID)
	}
	s.log.Warn("interaction write failed", zap.String("op", op), zap.String("video_id", videoID), zap.Error(err))
	return errs.Classify(op, err)
}
