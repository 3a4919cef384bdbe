package interactions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

type recordingCache struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *recordingCache) Invalidate(_ context.Context, userID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, userID+":"+reason)
	return c.err
}

func newService(t *testing.T) (*Service, *store.InMemoryStore, *recordingCache) {
	t.Helper()
	s := store.NewInMemoryStore(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	s.PutVideo(store.Video{ID: "v1", Status: store.VideoActive, ProcessingStatus: store.ProcessingReady})
	c := &recordingCache{}
	return New(s, c, nil, nil), s, c
}

func TestLike_RepeatStillInvalidates(t *testing.T) {
	svc, _, cache := newService(t)
	ctx := context.Background()

	changed, err := svc.Like(ctx, "u1", "v1")
	if err != nil || !changed {
		t.Fatalf("like: changed=%v err=%v", changed, err)
	}
	changed, err = svc.Like(ctx, "u1", "v1")
	if err != nil || changed {
		t.Fatalf("repeat like: changed=%v err=%v", changed, err)
	}
	if len(cache.calls) != 2 || cache.calls[0] != "u1:like" || cache.calls[1] != "u1:like" {
		t.Fatalf("unexpected invalidations %v", cache.calls)
	}

	if _, err := svc.Unlike(ctx, "u1", "v1"); err != nil {
		t.Fatalf("unlike: %v", err)
	}
	if len(cache.calls) != 3 || cache.calls[2] != "u1:unlike" {
		t.Fatalf("unlike must invalidate, got %v", cache.calls)
	}
}

func TestSaveUnsave_Invalidate(t *testing.T) {
	svc, _, cache := newService(t)
	ctx := context.Background()
	_, _ = svc.Save(ctx, "u1", "v1")
	_, _ = svc.Unsave(ctx, "u1", "v1")
	if len(cache.calls) != 2 || cache.calls[0] != "u1:save" || cache.calls[1] != "u1:unsave" {
		t.Fatalf("unexpected invalidations %v", cache.calls)
	}
}

func TestShare_DoesNotInvalidate(t *testing.T) {
	svc, s, cache := newService(t)
	ctx := context.Background()
	if err := svc.Share(ctx, "u1", "v1"); err != nil {
		t.Fatalf("share: %v", err)
	}
	if len(cache.calls) != 0 {
		t.Fatalf("share must not invalidate, got %v", cache.calls)
	}
	v, _ := s.GetVideo(ctx, "v1")
	if v.SharesCount != 1 {
		t.Fatalf("shares = %d, want 1", v.SharesCount)
	}
}

func TestComments_InvalidateAndOwnership(t *testing.T) {
	svc, _, cache := newService(t)
	ctx := context.Background()

	c, err := svc.AddComment(ctx, "u1", "v1", "  great clip ")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if c.Body != "great clip" {
		t.Fatalf("body = %q", c.Body)
	}
	if err := svc.DeleteComment(ctx, "u2", c.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("foreign delete: expected not found, got %v", err)
	}
	if err := svc.DeleteComment(ctx, "u1", c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	want := []string{"u1:comment", "u1:delete_comment"}
	if len(cache.calls) != 2 || cache.calls[0] != want[0] || cache.calls[1] != want[1] {
		t.Fatalf("invalidations = %v, want %v", cache.calls, want)
	}
}

func TestAddComment_Validation(t *testing.T) {
	svc, _, cache := newService(t)
	ctx := context.Background()
	for _, body := range []string{"   ", strings.Repeat("x", MaxCommentLength+1)} {
		if _, err := svc.AddComment(ctx, "u1", "v1", body); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	}
	if len(cache.calls) != 0 {
		t.Fatal("rejected comments must not invalidate")
	}
}

func TestLike_UnknownVideo(t *testing.T) {
	svc, _, cache := newService(t)
	if _, err := svc.Like(context.Background(), "u1", "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Like(context.Background(), "", "v1"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(cache.calls) != 0 {
		t.Fatal("failed writes must not invalidate")
	}
}

func TestLike_InvalidationFailureDoesNotFailWrite(t *testing.T) {
	svc, s, cache := newService(t)
	cache.err = errors.New("redis down")
	changed, err := svc.Like(context.Background(), "u1", "v1")
	if err != nil || !changed {
		t.Fatalf("like must succeed: changed=%v err=%v", changed, err)
	}
	st, _ := s.InteractionStates(context.Background(), "u1", []string{"v1"})
	if !st["v1"].Liked {
		t.Fatal("like not persisted")
	}
}

type flakyCache struct {
	recordingCache
	failures int
}

func (c *flakyCache) Invalidate(ctx context.Context, userID, reason string) error {
	_ = c.recordingCache.Invalidate(ctx, userID, reason)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("redis down")
	}
	return nil
}

func TestLike_RetryAfterFailedInvalidation(t *testing.T) {
	s := store.NewInMemoryStore(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	s.PutVideo(store.Video{ID: "v1", Status: store.VideoActive, ProcessingStatus: store.ProcessingReady})
	cache := &flakyCache{failures: 1}
	svc := New(s, cache, nil, nil)
	ctx := context.Background()

	changed, err := svc.Like(ctx, "u1", "v1")
	if err != nil || !changed {
		t.Fatalf("first like: changed=%v err=%v", changed, err)
	}
	changed, err = svc.Like(ctx, "u1", "v1")
	if err != nil || changed {
		t.Fatalf("retried like: changed=%v err=%v", changed, err)
	}
	if len(cache.calls) != 2 || cache.calls[1] != "u1:like" {
		t.Fatalf("retry must invalidate again, got %v", cache.calls)
	}
	if cache.failures != 0 {
		t.Fatal("second invalidation should have been attempted")
	}
}

func TestIsTasteSignal(t *testing.T) {
	for _, a := range []string{"like", "unlike", "save", "unsave", "comment", "delete_comment"} {
		if !IsTasteSignal(a) {
			t.Fatalf("expected %q to be a taste signal", a)
		}
	}
	for _, a := range []string{"share", "impression", "watch", ""} {
		if IsTasteSignal(a) {
			t.Fatalf("expected %q not to be a taste signal", a)
		}
	}
}
