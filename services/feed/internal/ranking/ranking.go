// Package ranking turns raw engagement counters into an ordered feed.
// Everything here is pure: inputs are never mutated and the same
// counters with the same seed always produce the same order.
package ranking

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

// Mode selects the ordering applied to a candidate pool.
type Mode string

const (
	// ModeRecommended is weighted popularity with a seeded tie-break.
	ModeRecommended Mode = "recommended"
	// ModeFresh orders recent uploads by the seeded randomness alone.
	ModeFresh Mode = "fresh"
	// ModeLatest is plain newest first.
	ModeLatest Mode = "latest"
)

// ParseMode maps a query value to a Mode. Empty means ModeRecommended.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeRecommended, nil
	case ModeRecommended, ModeFresh, ModeLatest:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sort mode %q", s)
	}
}

// Weights are per-signal multipliers.
type Weights struct {
	Likes       float64
	Shares      float64
	Comments    float64
	Impressions float64
}

var (
	// BaseWeights apply to engagement older than store.RecentWindow.
	BaseWeights = Weights{Likes: 5, Shares: 3, Comments: 2, Impressions: 3}
	// RecentWeights apply to engagement inside store.RecentWindow.
	RecentWeights = Weights{Likes: 20, Shares: 13, Comments: 9, Impressions: 13}
)

// StableHash buckets a video id into [0, 1000). It depends only on the id.
func StableHash(videoID string) uint64 {
	return xxhash.Sum64String(videoID) % 1000
}

// Randomness is the seeded tie-break term added to every score, in (0, 10].
// The seed rotates the hash bucket, so a new seed reshuffles near ties while
// a fixed seed keeps the order reproducible. The term is never zero.
func Randomness(videoID string, seed float64) float64 {
	return (math.Mod(float64(StableHash(videoID))+seed*1000, 1000) + 1) * 0.01
}

// Weighted is the popularity part of the score.
func Weighted(c store.Counters) float64 {
	return signal(c.Likes, BaseWeights.Likes, RecentWeights.Likes) +
		signal(c.Shares, BaseWeights.Shares, RecentWeights.Shares) +
		signal(c.Comments, BaseWeights.Comments, RecentWeights.Comments) +
		signal(c.Impressions, BaseWeights.Impressions, RecentWeights.Impressions)
}

func signal(s store.Signal, base, recent float64) float64 {
	return float64(s.Older())*base + float64(s.Recent)*recent
}

// Score is the final recommended-mode score of one candidate.
func Score(v store.VideoWithCounters, seed float64) float64 {
	return Weighted(v.Counters) + Randomness(v.ID, seed)
}

type scored struct {
	v     store.VideoWithCounters
	score float64
}

// Rank orders candidates by Score descending, then createdAt descending.
func Rank(candidates []store.VideoWithCounters, seed float64) []store.VideoWithCounters {
	return order(candidates, func(v store.VideoWithCounters) float64 { return Score(v, seed) })
}

// RankFresh orders candidates by the randomness term only. The caller is
// expected to have restricted the pool to recent uploads.
func RankFresh(candidates []store.VideoWithCounters, seed float64) []store.VideoWithCounters {
	return order(candidates, func(v store.VideoWithCounters) float64 { return Randomness(v.ID, seed) })
}

// RankLatest orders candidates newest first. The seed plays no part.
func RankLatest(candidates []store.VideoWithCounters) []store.VideoWithCounters {
	return order(candidates, func(store.VideoWithCounters) float64 { return 0 })
}

// RankMode dispatches to the ranking for mode.
func RankMode(mode Mode, candidates []store.VideoWithCounters, seed float64) []store.VideoWithCounters {
	switch mode {
	case ModeFresh:
		return RankFresh(candidates, seed)
	case ModeLatest:
		return RankLatest(candidates)
	default:
		return Rank(candidates, seed)
	}
}

func order(candidates []store.VideoWithCounters, score func(store.VideoWithCounters) float64) []store.VideoWithCounters {
	items := make([]scored, len(candidates))
	for i, v := range candidates {
		items[i] = scored{v: v, score: score(v)}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.v.CreatedAt.Equal(b.v.CreatedAt) {
			return a.v.CreatedAt.After(b.v.CreatedAt)
		}
		return a.v.ID < b.v.ID
	})
	out := make([]store.VideoWithCounters, len(items))
	for i, it := range items {
		out[i] = it.v
	}
	return out
}
