package candidates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReader struct {
	pool      []store.VideoWithCounters
	seen      []string
	aggErr    error
	seenErr   error
	lastQuery store.AggregateQuery
	lastSince time.Time
	aggCalls  int
}

func (f *fakeReader) AggregateCandidates(_ context.Context, q store.AggregateQuery) ([]store.VideoWithCounters, error) {
	f.aggCalls++
	f.lastQuery = q
	if f.aggErr != nil {
		return nil, f.aggErr
	}
	out := f.pool
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeReader) SeenVideoIDs(_ context.Context, _ string, since time.Time) ([]string, error) {
	f.lastSince = since
	return f.seen, f.seenErr
}

func videos(ids ...string) []store.VideoWithCounters {
	out := make([]store.VideoWithCounters, len(ids))
	for i, id := range ids {
		out[i] = store.VideoWithCounters{ID: id, CreatedAt: now.Add(-time.Duration(i) * time.Minute)}
	}
	return out
}

func TestFetch_ExcludesSeen(t *testing.T) {
	r := &fakeReader{pool: videos("a", "b", "c", "d"), seen: []string{"b", "d"}}
	s := New(r, WithClock(func() time.Time { return now }))

	got, err := s.Fetch(context.Background(), Query{UserID: "u1", ExcludeSeen: true, Lookback: 48 * time.Hour})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("unexpected pool %+v", got)
	}
	if !r.lastSince.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("lookback not applied: %v", r.lastSince)
	}
	if !r.lastQuery.RecentSince.Equal(now.Add(-store.RecentWindow)) {
		t.Fatalf("recent cutoff = %v", r.lastQuery.RecentSince)
	}
}

func TestFetch_NeverExcludesUnseen(t *testing.T) {
	r := &fakeReader{pool: videos("a", "b"), seen: []string{"zzz"}}
	s := New(r)
	got, err := s.Fetch(context.Background(), Query{UserID: "u1", ExcludeSeen: true})
	if err != nil || len(got) != 2 {
		t.Fatalf("expected both candidates, got %v %v", got, err)
	}
}

func TestFetch_OverFetchesToFillLimit(t *testing.T) {
	r := &fakeReader{pool: videos("a", "b", "c", "d", "e"), seen: []string{"a", "b"}}
	s := New(r)

	got, err := s.Fetch(context.Background(), Query{UserID: "u1", ExcludeSeen: true, Limit: 3})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if r.lastQuery.Limit != 5 {
		t.Fatalf("expected store limit 5, got %d", r.lastQuery.Limit)
	}
	if len(got) != 3 || got[0].ID != "c" {
		t.Fatalf("unexpected pool %+v", got)
	}
}

func TestFetch_AnonymousSkipsSeen(t *testing.T) {
	r := &fakeReader{pool: videos("a"), seenErr: errors.New("must not be called")}
	s := New(r)
	if _, err := s.Fetch(context.Background(), Query{ExcludeSeen: true}); err != nil {
		t.Fatalf("anonymous fetch: %v", err)
	}
}

func TestFetch_BackendTimeoutIsTransient(t *testing.T) {
	r := &fakeReader{aggErr: context.DeadlineExceeded}
	s := New(r)
	_, err := s.Fetch(context.Background(), Query{})
	if !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestFetch_SeenFailureIsTransient(t *testing.T) {
	r := &fakeReader{pool: videos("a"), seenErr: context.DeadlineExceeded}
	s := New(r)
	_, err := s.Fetch(context.Background(), Query{UserID: "u1", ExcludeSeen: true})
	if !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if r.aggCalls != 0 {
		t.Fatal("aggregate must not run after seen-set failure")
	}
}

func TestFetch_BreakerOpensOnTransientFailures(t *testing.T) {
	r := &fakeReader{aggErr: context.DeadlineExceeded}
	cb := NewBreaker(BreakerConfig{Name: "test-store", FailureThreshold: 2, Timeout: time.Minute}, nil)
	s := New(r, WithCircuitBreaker(cb))

	for i := 0; i < 2; i++ {
		_, _ = s.Fetch(context.Background(), Query{})
	}
	calls := r.aggCalls
	_, err := s.Fetch(context.Background(), Query{})
	if !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("open breaker must surface as transient, got %v", err)
	}
	if r.aggCalls != calls {
		t.Fatal("open breaker must not reach the store")
	}
}

func TestFetch_BreakerIgnoresPermanentErrors(t *testing.T) {
	r := &fakeReader{aggErr: errors.New("syntax error")}
	cb := NewBreaker(BreakerConfig{Name: "test-permanent", FailureThreshold: 1, Timeout: time.Minute}, nil)
	s := New(r, WithCircuitBreaker(cb))

	for i := 0; i < 3; i++ {
		_, err := s.Fetch(context.Background(), Query{})
		if errors.Is(err, errs.ErrTransient) {
			t.Fatalf("permanent error misclassified: %v", err)
		}
	}
	if r.aggCalls != 3 {
		t.Fatalf("breaker must stay closed, store calls = %d", r.aggCalls)
	}
}
