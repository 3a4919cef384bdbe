// Package candidates produces the pool of eligible videos for a feed
// request: active, fully processed, and optionally not yet seen by the user.
package candidates

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

// DefaultLookback bounds the impression history used for seen-exclusion.
const DefaultLookback = 72 * time.Hour

// Query describes one candidate fetch.
type Query struct {
	UserID string
	// ExcludeSeen drops videos the user had an impression of within Lookback.
	// Ignored for anonymous users.
	ExcludeSeen bool
	Lookback    time.Duration
	// Limit bounds the returned pool after exclusion. Zero means the store default.
	Limit int
	// CreatedAfter, when set, keeps only videos uploaded after it.
	CreatedAfter time.Time
}

// Source reads candidates and their raw counters from the engagement store.
type Source struct {
	store store.CandidateReader
	cb    *gobreaker.CircuitBreaker
	log   *zap.Logger
	now   func() time.Time
}

// Option configures the Source.
type Option func(*Source)

// WithCircuitBreaker routes every store read through cb.
func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(s *Source) { s.cb = cb }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Source) { s.log = log }
}

// WithClock overrides time.Now. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

func New(r store.CandidateReader, opts ...Option) *Source {
	s := &Source{store: r, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch returns unscored candidates, newest first. Backend failures are
// reported as transient errors, never as an empty pool.
func (s *Source) Fetch(ctx context.Context, q Query) ([]store.VideoWithCounters, error) {
	now := s.now().UTC()

	var seen map[string]struct{}
	if q.ExcludeSeen && q.UserID != "" {
		lookback := q.Lookback
		if lookback <= 0 {
			lookback = DefaultLookback
		}
		ids, err := s.seenIDs(ctx, q.UserID, now.Add(-lookback))
		if err != nil {
			return nil, errs.Classify("candidates: seen set", err)
		}
		seen = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	limit := q.Limit
	if limit > 0 {
		// Over-fetch so the pool still fills up after exclusion.
		limit += len(seen)
	}
	pool, err := s.aggregate(ctx, store.AggregateQuery{
		RecentSince:  now.Add(-store.RecentWindow),
		CreatedAfter: q.CreatedAfter,
		Limit:        limit,
	})
	if err != nil {
		return nil, errs.Classify("candidates: aggregate", err)
	}

	if len(seen) == 0 {
		return truncate(pool, q.Limit), nil
	}
	out := make([]store.VideoWithCounters, 0, len(pool))
	for _, v := range pool {
		if _, ok := seen[v.ID]; ok {
			continue
		}
		out = append(out, v)
	}
	s.log.Debug("candidates fetched",
		zap.String("user_id", q.UserID),
		zap.Int("pool", len(pool)),
		zap.Int("excluded", len(pool)-len(out)))
	return truncate(out, q.Limit), nil
}

func truncate(vs []store.VideoWithCounters, limit int) []store.VideoWithCounters {
	if limit > 0 && len(vs) > limit {
		return vs[:limit]
	}
	return vs
}

func (s *Source) seenIDs(ctx context.Context, userID string, since time.Time) ([]string, error) {
	if s.cb == nil {
		return s.store.SeenVideoIDs(ctx, userID, since)
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.store.SeenVideoIDs(ctx, userID, since)
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (s *Source) aggregate(ctx context.Context, q store.AggregateQuery) ([]store.VideoWithCounters, error) {
	if s.cb == nil {
		return s.store.AggregateCandidates(ctx, q)
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.store.AggregateCandidates(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return res.([]store.VideoWithCounters), nil
}
