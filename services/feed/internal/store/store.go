// Package store holds the engagement data model and its persistence:
// videos with their raw engagement events, impressions and watch events.
// The feed engine only reads aggregates from it and appends telemetry rows.
package store

import (
	"context"
	"errors"
	"time"
)

type VideoStatus string

const (
	VideoActive  VideoStatus = "active"
	VideoDeleted VideoStatus = "deleted"
)

type ProcessingStatus string

const (
	ProcessingPending ProcessingStatus = "processing"
	ProcessingReady   ProcessingStatus = "ready"
	ProcessingFailed  ProcessingStatus = "failed"
)

// Source is the feed surface that produced an impression.
type Source string

const (
	SourcePersonal Source = "personal"
	SourceTrending Source = "trending"
	SourceRandom   Source = "random"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourcePersonal, SourceTrending, SourceRandom:
		return true
	}
	return false
}

// RecentWindow is the span treated as "recent" engagement.
const RecentWindow = 24 * time.Hour

var (
	ErrVideoNotFound      = errors.New("video not found")
	ErrImpressionNotFound = errors.New("impression not found")
	// ErrNotFoundOrForbidden is returned when a comment does not exist or belongs to someone else.
	ErrNotFoundOrForbidden = errors.New("not found or forbidden")
)

// Video is the denormalized video row served in feed pages.
type Video struct {
	ID               string           `json:"id"`
	AuthorID         string           `json:"author_id"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	VideoURL         string           `json:"video_url"`
	ThumbnailURL     string           `json:"thumbnail_url,omitempty"`
	Status           VideoStatus      `json:"status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	LikesCount       int64            `json:"likes_count"`
	CommentsCount    int64            `json:"comments_count"`
	SharesCount      int64            `json:"shares_count"`
	ViewsCount       int64            `json:"views_count"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Eligible reports whether the video may appear in any feed.
func (v Video) Eligible() bool {
	return v.Status == VideoActive && v.ProcessingStatus == ProcessingReady
}

// Signal is one engagement counter split by the recent window.
// Recent is always a subset of Total.
type Signal struct {
	Total  int64 `json:"total"`
	Recent int64 `json:"recent"`
}

// Older returns the part of the signal outside the recent window.
func (s Signal) Older() int64 {
	if s.Recent > s.Total {
		return 0
	}
	return s.Total - s.Recent
}

// Counters are the raw engagement aggregates used for ranking.
type Counters struct {
	Likes       Signal `json:"likes"`
	Shares      Signal `json:"shares"`
	Comments    Signal `json:"comments"`
	Impressions Signal `json:"impressions"`
	Views       int64  `json:"views"`
}

// VideoWithCounters is a ranking candidate.
type VideoWithCounters struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Counters  Counters  `json:"counters"`
}

type Impression struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	VideoID      string    `json:"video_id"`
	SessionID    string    `json:"session_id"`
	Position     int       `json:"position"`
	Source       Source    `json:"source"`
	ModelVersion string    `json:"model_version,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type WatchEvent struct {
	ID                   string    `json:"id"`
	ImpressionID         *string   `json:"impression_id,omitempty"`
	UserID               string    `json:"user_id"`
	VideoID              string    `json:"video_id"`
	WatchDurationSeconds float64   `json:"watch_duration_seconds"`
	Completed            bool      `json:"completed"`
	CreatedAt            time.Time `json:"created_at"`
}

type Comment struct {
	ID        string     `json:"id"`
	VideoID   string     `json:"video_id"`
	UserID    string     `json:"user_id"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// InteractionState is the per-user enrichment attached to feed items.
type InteractionState struct {
	Liked bool `json:"liked"`
	Saved bool `json:"saved"`
}

// AggregateQuery selects eligible candidates and their counters.
// Only active, ready videos are ever returned.
type AggregateQuery struct {
	// RecentSince is the cutoff for the recent part of each signal.
	RecentSince time.Time
	// CreatedAfter, when non-zero, restricts candidates to newer videos.
	CreatedAfter time.Time
	// Limit bounds the pool; candidates are taken newest first.
	Limit int
}

// CandidateReader is the read side the ranking pipeline depends on.
type CandidateReader interface {
	AggregateCandidates(ctx context.Context, q AggregateQuery) ([]VideoWithCounters, error)
	SeenVideoIDs(ctx context.Context, userID string, since time.Time) ([]string, error)
}

// TelemetryStore persists impressions and watch events.
type TelemetryStore interface {
	GetVideo(ctx context.Context, videoID string) (Video, error)
	GetImpression(ctx context.Context, impressionID string) (Impression, error)
	InsertImpression(ctx context.Context, imp Impression) (Impression, error)
	// InsertWatchEvent appends the event and increments the video's views by one.
	InsertWatchEvent(ctx context.Context, ev WatchEvent) (WatchEvent, error)
}

// InteractionStore holds the explicit taste signals.
// The bool results report whether the call changed state.
type InteractionStore interface {
	Like(ctx context.Context, userID, videoID string) (bool, error)
	Unlike(ctx context.Context, userID, videoID string) (bool, error)
	Save(ctx context.Context, userID, videoID string) (bool, error)
	Unsave(ctx context.Context, userID, videoID string) (bool, error)
	Share(ctx context.Context, userID, videoID string) error
	AddComment(ctx context.Context, c Comment) (Comment, error)
	DeleteComment(ctx context.Context, commentID, userID string) (Comment, error)
}

// DetailReader supplies the denormalized detail and per-user state for a page.
type DetailReader interface {
	VideoDetails(ctx context.Context, videoIDs []string) (map[string]Video, error)
	InteractionStates(ctx context.Context, userID string, videoIDs []string) (map[string]InteractionState, error)
}

// EngagementStore is the full store with an explicit lifecycle.
type EngagementStore interface {
	CandidateReader
	TelemetryStore
	InteractionStore
	DetailReader
	Ping(ctx context.Context) error
	Close()
}
