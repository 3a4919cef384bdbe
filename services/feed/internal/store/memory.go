package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a development-only EngagementStore.
// WARNING: state is lost on restart and is not shared across instances.
type InMemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	videos      map[string]Video
	likes       map[string]map[string]time.Time // video_id -> user_id -> liked_at
	saves       map[string]map[string]time.Time // video_id -> user_id -> saved_at
	comments    map[string]Comment              // id -> comment
	shares      map[string][]time.Time          // video_id -> shared_at
	impressions map[string]Impression           // id -> impression
	watches     []WatchEvent
}

// NewInMemoryStore creates an empty store. now may be nil.
func NewInMemoryStore(now func() time.Time) *InMemoryStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryStore{
		now:         now,
		videos:      make(map[string]Video),
		likes:       make(map[string]map[string]time.Time),
		saves:       make(map[string]map[string]time.Time),
		comments:    make(map[string]Comment),
		shares:      make(map[string][]time.Time),
		impressions: make(map[string]Impression),
	}
}

// PutVideo inserts or replaces a video row. Counters on v are ignored;
// they are derived from recorded events.
func (s *InMemoryStore) PutVideo(v Video) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now().UTC()
	}
	if prev, ok := s.videos[v.ID]; ok {
		v.ViewsCount = prev.ViewsCount
	}
	s.videos[v.ID] = v
}

// SoftDeleteVideo flips the video to deleted.
func (s *InMemoryStore) SoftDeleteVideo(videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return ErrVideoNotFound
	}
	v.Status = VideoDeleted
	s.videos[videoID] = v
	return nil
}

// RecordEventAt backdates an engagement event. Used to seed data and in tests.
// kind is one of like, share, comment, impression.
func (s *InMemoryStore) RecordEventAt(kind, userID, videoID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "like":
		if s.likes[videoID] == nil {
			s.likes[videoID] = make(map[string]time.Time)
		}
		s.likes[videoID][userID] = at
	case "share":
		s.shares[videoID] = append(s.shares[videoID], at)
	case "comment":
		id := uuid.NewString()
		s.comments[id] = Comment{ID: id, VideoID: videoID, UserID: userID, CreatedAt: at}
	case "impression":
		id := uuid.NewString()
		s.impressions[id] = Impression{ID: id, UserID: userID, VideoID: videoID, Source: SourcePersonal, CreatedAt: at}
	}
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() {}

func (s *InMemoryStore) AggregateCandidates(_ context.Context, q AggregateQuery) ([]VideoWithCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pool []Video
	for _, v := range s.videos {
		if !v.Eligible() {
			continue
		}
		if !q.CreatedAfter.IsZero() && v.CreatedAt.Before(q.CreatedAfter) {
			continue
		}
		pool = append(pool, v)
	}
	sort.Slice(pool, func(i, j int) bool {
		if !pool[i].CreatedAt.Equal(pool[j].CreatedAt) {
			return pool[i].CreatedAt.After(pool[j].CreatedAt)
		}
		return pool[i].ID > pool[j].ID
	})
	if q.Limit > 0 && len(pool) > q.Limit {
		pool = pool[:q.Limit]
	}

	out := make([]VideoWithCounters, 0, len(pool))
	for _, v := range pool {
		out = append(out, VideoWithCounters{
			ID:        v.ID,
			CreatedAt: v.CreatedAt,
			Counters:  s.countersLocked(v, q.RecentSince),
		})
	}
	return out, nil
}

func (s *InMemoryStore) countersLocked(v Video, recentSince time.Time) Counters {
	var c Counters
	for _, at := range s.likes[v.ID] {
		c.Likes = bump(c.Likes, at, recentSince)
	}
	for _, at := range s.shares[v.ID] {
		c.Shares = bump(c.Shares, at, recentSince)
	}
	for _, cm := range s.comments {
		if cm.VideoID == v.ID && cm.DeletedAt == nil {
			c.Comments = bump(c.Comments, cm.CreatedAt, recentSince)
		}
	}
	for _, imp := range s.impressions {
		if imp.VideoID == v.ID {
			c.Impressions = bump(c.Impressions, imp.CreatedAt, recentSince)
		}
	}
	c.Views = v.ViewsCount
	return c
}

func bump(sig Signal, at, recentSince time.Time) Signal {
	sig.Total++
	if !at.Before(recentSince) {
		sig.Recent++
	}
	return sig
}

func (s *InMemoryStore) SeenVideoIDs(_ context.Context, userID string, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, imp := range s.impressions {
		if imp.UserID == userID && !imp.CreatedAt.Before(since) {
			seen[imp.VideoID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) GetVideo(_ context.Context, videoID string) (Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.videos[videoID]
	if !ok {
		return Video{}, ErrVideoNotFound
	}
	return s.withCountsLocked(v), nil
}

func (s *InMemoryStore) withCountsLocked(v Video) Video {
	c := s.countersLocked(v, time.Time{})
	v.LikesCount = c.Likes.Total
	v.CommentsCount = c.Comments.Total
	v.SharesCount = c.Shares.Total
	return v
}

func (s *InMemoryStore) GetImpression(_ context.Context, impressionID string) (Impression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	imp, ok := s.impressions[impressionID]
	if !ok {
		return Impression{}, ErrImpressionNotFound
	}
	return imp, nil
}

func (s *InMemoryStore) InsertImpression(_ context.Context, imp Impression) (Impression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if imp.ID == "" {
		imp.ID = uuid.NewString()
	}
	if imp.CreatedAt.IsZero() {
		imp.CreatedAt = s.now().UTC()
	}
	s.impressions[imp.ID] = imp
	return imp, nil
}

func (s *InMemoryStore) InsertWatchEvent(_ context.Context, ev WatchEvent) (WatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[ev.VideoID]
	if !ok || v.Status != VideoActive {
		return WatchEvent{}, ErrVideoNotFound
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	s.watches = append(s.watches, ev)
	v.ViewsCount++
	s.videos[ev.VideoID] = v
	return ev, nil
}

// WatchEvents returns a copy of all recorded watch events.
func (s *InMemoryStore) WatchEvents() []WatchEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]WatchEvent(nil), s.watches...)
}

func (s *InMemoryStore) activeLocked(videoID string) error {
	v, ok := s.videos[videoID]
	if !ok || v.Status != VideoActive {
		return ErrVideoNotFound
	}
	return nil
}

func (s *InMemoryStore) Like(_ context.Context, userID, videoID string) (bool, error) {
	return s.setMark(s.likes, userID, videoID)
}

func (s *InMemoryStore) Unlike(_ context.Context, userID, videoID string) (bool, error) {
	return s.clearMark(s.likes, userID, videoID)
}

func (s *InMemoryStore) Save(_ context.Context, userID, videoID string) (bool, error) {
	return s.setMark(s.saves, userID, videoID)
}

func (s *InMemoryStore) Unsave(_ context.Context, userID, videoID string) (bool, error) {
	return s.clearMark(s.saves, userID, videoID)
}

func (s *InMemoryStore) setMark(marks map[string]map[string]time.Time, userID, videoID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activeLocked(videoID); err != nil {
		return false, err
	}
	if marks[videoID] == nil {
		marks[videoID] = make(map[string]time.Time)
	}
	if _, ok := marks[videoID][userID]; ok {
		return false, nil
	}
	marks[videoID][userID] = s.now().UTC()
	return true, nil
}

func (s *InMemoryStore) clearMark(marks map[string]map[string]time.Time, userID, videoID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[videoID]; !ok {
		return false, ErrVideoNotFound
	}
	if _, ok := marks[videoID][userID]; !ok {
		return false, nil
	}
	delete(marks[videoID], userID)
	return true, nil
}

func (s *InMemoryStore) Share(_ context.Context, _ string, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activeLocked(videoID); err != nil {
		return err
	}
	s.shares[videoID] = append(s.shares[videoID], s.now().UTC())
	return nil
}

func (s *InMemoryStore) AddComment(_ context.Context, c Comment) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activeLocked(c.VideoID); err != nil {
		return Comment{}, err
	}
	c.ID = uuid.NewString()
	c.Body = strings.TrimSpace(c.Body)
	c.CreatedAt = s.now().UTC()
	c.DeletedAt = nil
	s.comments[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) DeleteComment(_ context.Context, commentID, userID string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok || c.UserID != userID || c.DeletedAt != nil {
		return Comment{}, ErrNotFoundOrForbidden
	}
	now := s.now().UTC()
	c.DeletedAt = &now
	s.comments[commentID] = c
	return c, nil
}

func (s *InMemoryStore) VideoDetails(_ context.Context, videoIDs []string) (map[string]Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Video, len(videoIDs))
	for _, id := range videoIDs {
		if v, ok := s.videos[id]; ok {
			out[id] = s.withCountsLocked(v)
		}
	}
	return out, nil
}

func (s *InMemoryStore) InteractionStates(_ context.Context, userID string, videoIDs []string) (map[string]InteractionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]InteractionState, len(videoIDs))
	if userID == "" {
		return out, nil
	}
	for _, id := range videoIDs {
		_, liked := s.likes[id][userID]
		_, saved := s.saves[id][userID]
		if liked || saved {
			out[id] = InteractionState{Liked: liked, Saved: saved}
		}
	}
	return out, nil
}

var _ EngagementStore = (*InMemoryStore)(nil)
