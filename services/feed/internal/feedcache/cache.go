package feedcache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/metrics"
)

// Config bounds entry lifetime and recomputation.
type Config struct {
	// TTL is how long an entry is served as fresh.
	TTL time.Duration
	// StaleGrace is how long past TTL an entry is kept for LookupStale.
	StaleGrace time.Duration
	// ComputeTimeout bounds one recomputation regardless of caller deadlines.
	ComputeTimeout time.Duration
	// Prefix namespaces storage keys.
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 2 * time.Minute
	}
	if c.StaleGrace < 0 {
		c.StaleGrace = 0
	}
	if c.ComputeTimeout <= 0 {
		c.ComputeTimeout = 3 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "feed:v1"
	}
	return c
}

// Broadcaster tells other instances about an invalidation.
// An empty userID means every user.
type Broadcaster interface {
	Broadcast(userID string) error
}

// ComputeFunc builds a window on a miss. ctx carries ComputeTimeout and is
// detached from the caller that started the flight.
type ComputeFunc func(ctx context.Context) (Entry, error)

// Outcome tells how GetOrCompute produced its entry.
type Outcome struct {
	Hit bool
	// Shared is set when the result came from a flight this caller did not start.
	Shared bool
}

type Cache struct {
	backend Backend
	cfg     Config
	flights singleflight.Group
	bus     Broadcaster
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Cache)

func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithBroadcaster fans local invalidations out to other instances.
func WithBroadcaster(b Broadcaster) Option {
	return func(c *Cache) { c.bus = b }
}

// WithClock overrides time.Now. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(b Backend, cfg Config, opts ...Option) *Cache {
	c := &Cache{backend: b, cfg: cfg.withDefaults(), log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Cache) Config() Config { return c.cfg }

func (c *Cache) resolve(ctx context.Context, k Key) (string, error) {
	ep, err := c.backend.Epochs(ctx, k.user())
	if err != nil {
		return "", err
	}
	return storageKey(c.cfg.Prefix, k, ep), nil
}

// Lookup returns the entry for k if one was computed within TTL under the
// current epochs. Backend failures are reported as misses with an error.
func (c *Cache) Lookup(ctx context.Context, k Key) (Entry, bool, error) {
	full, err := c.resolve(ctx, k)
	if err != nil {
		return Entry{}, false, err
	}
	return c.lookup(ctx, full, c.cfg.TTL)
}

// LookupStale is Lookup with the freshness bound widened by StaleGrace.
// Invalidated entries are never returned.
func (c *Cache) LookupStale(ctx context.Context, k Key) (Entry, bool, error) {
	full, err := c.resolve(ctx, k)
	if err != nil {
		return Entry{}, false, err
	}
	return c.lookup(ctx, full, c.cfg.TTL+c.cfg.StaleGrace)
}

func (c *Cache) lookup(ctx context.Context, full string, maxAge time.Duration) (Entry, bool, error) {
	e, ok, err := c.backend.Get(ctx, full)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if c.now().Sub(e.ComputedAt) >= maxAge {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Store saves e under k's current epochs.
func (c *Cache) Store(ctx context.Context, k Key, e Entry) error {
	full, err := c.resolve(ctx, k)
	if err != nil {
		return err
	}
	return c.store(ctx, full, e)
}

func (c *Cache) store(ctx context.Context, full string, e Entry) error {
	if e.ComputedAt.IsZero() {
		e.ComputedAt = c.now().UTC()
	}
	return c.backend.Set(ctx, full, e, c.cfg.TTL+c.cfg.StaleGrace)
}

// GetOrCompute returns the fresh entry for k, or runs compute exactly once
// per storage key no matter how many callers miss concurrently. Callers
// give up when their own ctx ends; the flight itself is bounded by
// ComputeTimeout and stores its result for later callers.
func (c *Cache) GetOrCompute(ctx context.Context, k Key, compute ComputeFunc) (Entry, Outcome, error) {
	cacheable := true
	flight, err := c.resolve(ctx, k)
	if err != nil {
		// Without epochs nothing can be stored safely; still dedupe the work.
		c.log.Warn("feed cache epochs unavailable", zap.String("key", k.String()), zap.Error(err))
		cacheable = false
		flight = "uncached:" + k.String()
	} else {
		e, ok, err := c.lookup(ctx, flight, c.cfg.TTL)
		if err != nil {
			c.log.Warn("feed cache get failed", zap.String("key", k.String()), zap.Error(err))
		}
		if ok {
			metrics.RecordLookup("hit")
			return e, Outcome{Hit: true}, nil
		}
	}
	metrics.RecordLookup("miss")

	ch := c.flights.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ComputeTimeout)
		defer cancel()

		start := time.Now()
		e, err := compute(fctx)
		if err != nil {
			return Entry{}, err
		}
		if e.ComputedAt.IsZero() {
			e.ComputedAt = c.now().UTC()
		}
		if cacheable {
			if err := c.store(fctx, flight, e); err != nil {
				c.log.Warn("feed cache set failed", zap.String("key", k.String()), zap.Error(err))
			}
		}
		c.log.Debug("feed window computed",
			zap.String("key", k.String()),
			zap.Int("ids", len(e.VideoIDs)),
			zap.Duration("took", time.Since(start)))
		return e, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, Outcome{}, errs.Classify("feed cache: wait", ctx.Err())
	case res := <-ch:
		if res.Shared {
			metrics.SingleFlightSharedTotal.Inc()
		}
		if res.Err != nil {
			return Entry{}, Outcome{Shared: res.Shared}, res.Err
		}
		return res.Val.(Entry), Outcome{Shared: res.Shared}, nil
	}
}

// Invalidate drops every entry of userID by bumping its epoch, then tells
// other instances. It returns after the local bump is visible.
func (c *Cache) Invalidate(ctx context.Context, userID string, reason string) error {
	if userID == "" {
		userID = AnonymousUser
	}
	if err := c.backend.BumpUser(ctx, userID); err != nil {
		return errs.Classify("feed cache: invalidate", err)
	}
	metrics.InvalidationsTotal.WithLabelValues(reason).Inc()
	c.broadcast(userID)
	return nil
}

// InvalidateAll drops every entry of every user.
func (c *Cache) InvalidateAll(ctx context.Context, reason string) error {
	if err := c.backend.BumpGlobal(ctx); err != nil {
		return errs.Classify("feed cache: invalidate all", err)
	}
	metrics.InvalidationsTotal.WithLabelValues(reason).Inc()
	c.broadcast("")
	return nil
}

// ApplyRemote applies an invalidation received from another instance
// without broadcasting it again.
func (c *Cache) ApplyRemote(ctx context.Context, userID string) error {
	var err error
	if userID == "" {
		err = c.backend.BumpGlobal(ctx)
	} else {
		err = c.backend.BumpUser(ctx, userID)
	}
	if err != nil {
		return err
	}
	metrics.InvalidationsTotal.WithLabelValues("remote").Inc()
	return nil
}

func (c *Cache) broadcast(userID string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Broadcast(userID); err != nil {
		c.log.Warn("feed cache broadcast failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Ping checks the backend.
func (c *Cache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

func (c *Cache) Close() error {
	return c.backend.Close()
}
