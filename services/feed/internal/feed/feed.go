// Package feed serves ranked, paginated feed pages. It is the only entry
// point controllers use to read a feed: cache first, then candidate fetch
// and ranking on a miss, then per-page enrichment.
package feed

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/analytics"
	"github.com/example/shortvideo-platform/services/feed/internal/candidates"
	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/feedcache"
	"github.com/example/shortvideo-platform/services/feed/internal/metrics"
	"github.com/example/shortvideo-platform/services/feed/internal/ranking"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

// CandidateFetcher is the candidate pool the orchestrator ranks.
type CandidateFetcher interface {
	Fetch(ctx context.Context, q candidates.Query) ([]store.VideoWithCounters, error)
}

// Config tunes paging and the candidate pool.
type Config struct {
	DefaultLimit int
	MaxLimit     int
	// WindowSize is how many ranked ids one cache entry holds.
	WindowSize int
	// PoolSize bounds the candidates ranked per computation. The pool is the
	// newest eligible uploads, so older videos never rank and Total is capped
	// at PoolSize.
	PoolSize     int
	SeenLookback time.Duration
	FreshMaxAge  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 20
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 50
	}
	if c.DefaultLimit > c.MaxLimit {
		c.DefaultLimit = c.MaxLimit
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 200
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 1000
	}
	if c.SeenLookback <= 0 {
		c.SeenLookback = candidates.DefaultLookback
	}
	if c.FreshMaxAge <= 0 {
		c.FreshMaxAge = 7 * 24 * time.Hour
	}
	return c
}

// Request is one feed page request. An empty UserID is an anonymous feed.
type Request struct {
	UserID string
	Page   int
	Limit  int
	Mode   ranking.Mode
	// Seed keeps pagination stable within a session. Nil asks for a new one.
	Seed *float64
}

// Item is one video on a page with the viewer's interaction state.
type Item struct {
	store.Video
	Liked bool `json:"liked"`
	Saved bool `json:"saved"`
}

// Page is a served feed page.
type Page struct {
	Videos  []Item       `json:"videos"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
	Mode    ranking.Mode `json:"sort"`
	Seed    float64      `json:"seed"`
	// Degraded is set when personalization was skipped or a stale page was served.
	Degraded bool `json:"degraded"`
	// Stale is set when the page came from an entry past its TTL.
	Stale bool `json:"stale"`
}

type Orchestrator struct {
	candidates CandidateFetcher
	cache      *feedcache.Cache
	details    store.DetailReader
	pub        *analytics.Publisher
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
	seed       func() float64
}

type Option func(*Orchestrator)

func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithPublisher emits a feed_served event per page.
func WithPublisher(p *analytics.Publisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}

// WithClock overrides time.Now. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSeedSource overrides the generator used when a request has no seed.
func WithSeedSource(f func() float64) Option {
	return func(o *Orchestrator) { o.seed = f }
}

func New(c CandidateFetcher, cache *feedcache.Cache, details store.DetailReader, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		candidates: c,
		cache:      cache,
		details:    details,
		cfg:        cfg.withDefaults(),
		log:        zap.NewNop(),
		now:        time.Now,
		seed:       rand.Float64,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// windowState carries the degradation flags of the windows behind a page.
type windowState struct {
	degraded bool
	stale    bool
}

// GetFeed returns one page. Validation errors are returned as is; backend
// trouble is retried once, then answered with a non-personalized ranking,
// then with a stale entry, and only then surfaced as a transient error.
func (o *Orchestrator) GetFeed(ctx context.Context, req Request) (Page, error) {
	if err := o.normalize(&req); err != nil {
		return Page{}, err
	}
	seed := *req.Seed
	ws := o.cfg.WindowSize
	start := (req.Page - 1) * req.Limit
	end := start + req.Limit

	var (
		ids   []string
		total int
		state windowState
	)
	for pos := start; pos < end; {
		w := pos / ws
		e, st, err := o.window(ctx, req, w)
		if err != nil {
			return Page{}, err
		}
		state.degraded = state.degraded || st.degraded
		state.stale = state.stale || st.stale
		total = e.Total

		lo := pos - w*ws
		if lo >= len(e.VideoIDs) {
			break
		}
		hi := min(len(e.VideoIDs), lo+(end-pos))
		ids = append(ids, e.VideoIDs[lo:hi]...)
		pos += hi - lo
		if len(e.VideoIDs) < ws {
			// Last window of the pool.
			break
		}
	}

	items, err := o.enrich(ctx, req.UserID, ids)
	if err != nil {
		return Page{}, err
	}

	page := Page{
		Videos:   items,
		Total:    total,
		HasMore:  req.Page*req.Limit < total,
		Page:     req.Page,
		Limit:    req.Limit,
		Mode:     req.Mode,
		Seed:     seed,
		Degraded: state.degraded || state.stale,
		Stale:    state.stale,
	}
	o.pub.Publish(analytics.SubjectFeedServed, "feed_served", req.UserID, map[string]any{
		"sort":     string(req.Mode),
		"page":     req.Page,
		"limit":    req.Limit,
		"count":    len(items),
		"seed":     seed,
		"degraded": page.Degraded,
		"stale":    page.Stale,
	})
	return page, nil
}

func (o *Orchestrator) normalize(req *Request) error {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.Page < 1 {
		return errs.Invalid("page", "must be >= 1")
	}
	switch {
	case req.Limit == 0:
		req.Limit = o.cfg.DefaultLimit
	case req.Limit < 0:
		return errs.Invalid("limit", "must be >= 1")
	case req.Limit > o.cfg.MaxLimit:
		req.Limit = o.cfg.MaxLimit
	}
	mode, err := ranking.ParseMode(string(req.Mode))
	if err != nil {
		return errs.Invalid("sort", err.Error())
	}
	req.Mode = mode
	if req.Seed == nil {
		s := o.seed()
		req.Seed = &s
	}
	if s := *req.Seed; math.IsNaN(s) || s < 0 || s >= 1 {
		return errs.Invalid("seed", "must be in [0, 1)")
	}
	return nil
}

func (o *Orchestrator) window(ctx context.Context, req Request, w int) (feedcache.Entry, windowState, error) {
	key := feedcache.Key{UserID: req.UserID, Mode: string(req.Mode), Seed: *req.Seed, Window: w}
	personalized := req.UserID != ""

	e, _, err := o.cache.GetOrCompute(ctx, key, o.compute(req, w, personalized))
	if err == nil || !errs.IsTransient(err) || ctx.Err() != nil {
		return e, windowState{}, err
	}

	o.log.Warn("feed compute failed, retrying", zap.String("key", key.String()), zap.Error(err))
	e, _, err = o.cache.GetOrCompute(ctx, key, o.compute(req, w, personalized))
	if err == nil || !errs.IsTransient(err) {
		return e, windowState{}, err
	}

	if personalized && ctx.Err() == nil {
		anon := key
		anon.UserID = ""
		fe, _, ferr := o.cache.GetOrCompute(ctx, anon, o.compute(req, w, false))
		if ferr == nil {
			metrics.DegradedTotal.WithLabelValues("non_personalized").Inc()
			o.log.Warn("serving non-personalized feed", zap.String("user_id", req.UserID), zap.Error(err))
			return fe, windowState{degraded: true}, nil
		}
		o.log.Warn("non-personalized fallback failed", zap.String("user_id", req.UserID), zap.Error(ferr))
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	defer cancel()
	if se, ok, serr := o.cache.LookupStale(sctx, key); serr == nil && ok {
		metrics.RecordLookup("stale")
		metrics.DegradedTotal.WithLabelValues("stale").Inc()
		o.log.Warn("serving stale feed", zap.String("key", key.String()), zap.Time("computed_at", se.ComputedAt))
		return se, windowState{stale: true}, nil
	}
	return feedcache.Entry{}, windowState{}, err
}

// compute ranks the candidate pool and keeps window w of it.
func (o *Orchestrator) compute(req Request, w int, personalized bool) feedcache.ComputeFunc {
	return func(ctx context.Context) (feedcache.Entry, error) {
		start := time.Now()
		now := o.now().UTC()
		q := candidates.Query{Limit: o.cfg.PoolSize, Lookback: o.cfg.SeenLookback}
		if personalized {
			q.UserID = req.UserID
			q.ExcludeSeen = true
		}
		if req.Mode == ranking.ModeFresh {
			q.CreatedAfter = now.Add(-o.cfg.FreshMaxAge)
		}

		pool, err := o.candidates.Fetch(ctx, q)
		metrics.ObserveCompute(string(req.Mode), err, time.Since(start))
		if err != nil {
			return feedcache.Entry{}, err
		}
		ranked := ranking.RankMode(req.Mode, pool, *req.Seed)

		ws := o.cfg.WindowSize
		lo := min(w*ws, len(ranked))
		hi := min(lo+ws, len(ranked))
		ids := make([]string, 0, hi-lo)
		fresh := 0
		for _, v := range ranked[lo:hi] {
			ids = append(ids, v.ID)
			if now.Sub(v.CreatedAt) <= store.RecentWindow {
				fresh++
			}
		}
		e := feedcache.Entry{VideoIDs: ids, Total: len(ranked), ComputedAt: now}
		if len(ids) > 0 {
			e.FreshRatio = float64(fresh) / float64(len(ids))
		}
		return e, nil
	}
}

// enrich loads details for ids in order. Videos that stopped being
// eligible since the window was cached are dropped.
func (o *Orchestrator) enrich(ctx context.Context, userID string, ids []string) ([]Item, error) {
	items := make([]Item, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}
	details, err := o.details.VideoDetails(ctx, ids)
	if err != nil {
		return nil, errs.Classify("feed: video details", err)
	}
	var states map[string]store.InteractionState
	if userID != "" {
		states, err = o.details.InteractionStates(ctx, userID, ids)
		if err != nil {
			if !errs.IsTransient(err) && !errors.Is(err, context.Canceled) {
				return nil, err
			}
			// Flags are cosmetic; a page without them beats no page.
			o.log.Warn("interaction states unavailable", zap.String("user_id", userID), zap.Error(err))
		}
	}
	for _, id := range ids {
		v, ok := details[id]
		if !ok || !v.Eligible() {
			continue
		}
		st := states[id]
		items = append(items, Item{Video: v, Liked: st.Liked, Saved: st.Saved})
	}
	return items, nil
}

// InvalidateUserCache drops every cached window of userID.
func (o *Orchestrator) InvalidateUserCache(ctx context.Context, userID string) error {
	return o.cache.Invalidate(ctx, userID, "api")
}

// InvalidateAll drops every cached window.
func (o *Orchestrator) InvalidateAll(ctx context.Context) error {
	return o.cache.InvalidateAll(ctx, "api")
}
