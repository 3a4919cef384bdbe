package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/analytics"
	"github.com/example/shortvideo-platform/internal/platform/auth"
	"github.com/example/shortvideo-platform/internal/platform/config"
	"github.com/example/shortvideo-platform/internal/platform/db"
	"github.com/example/shortvideo-platform/internal/platform/httpserver"
	"github.com/example/shortvideo-platform/internal/platform/logging"
	"github.com/example/shortvideo-platform/internal/platform/migrate"
	"github.com/example/shortvideo-platform/internal/platform/natsconn"
	"github.com/example/shortvideo-platform/internal/platform/run"
	"github.com/example/shortvideo-platform/services/feed/internal/candidates"
	feedconfig "github.com/example/shortvideo-platform/services/feed/internal/config"
	"github.com/example/shortvideo-platform/services/feed/internal/feed"
	"github.com/example/shortvideo-platform/services/feed/internal/feedcache"
	"github.com/example/shortvideo-platform/services/feed/internal/handlers"
	feedhttp "github.com/example/shortvideo-platform/services/feed/internal/http"
	"github.com/example/shortvideo-platform/services/feed/internal/impressions"
	"github.com/example/shortvideo-platform/services/feed/internal/interactions"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
	"github.com/example/shortvideo-platform/services/feed/internal/worker"
	"github.com/example/shortvideo-platform/services/feed/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	fcfg, err := feedconfig.Load()
	if err != nil {
		log.Error("feed config", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}

	st, closeStore := initStore(log, cfg, fcfg)
	defer closeStore()

	backend, err := initCacheBackend(log, fcfg)
	if err != nil {
		log.Error("feed cache backend", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}

	// NATS is optional: without it analytics are dropped and invalidations
	// stay local to this instance.
	var (
		nc  *nats.Conn
		js  nats.JetStreamContext
		pub *analytics.Publisher
	)
	nc, err = natsconn.Connect(natsconn.Options{URL: fcfg.NATSURL, Name: "feed", Logger: log})
	if err != nil {
		log.Warn("nats unavailable, analytics and cross-instance invalidation disabled", zap.Error(err))
	} else {
		defer nc.Close()
		js, err = nc.JetStream()
		if err != nil {
			log.Warn("jetstream unavailable", zap.Error(err))
		} else if err := analytics.EnsureStream(js, analytics.StreamConfig(), log); err != nil {
			log.Warn("analytics stream", zap.Error(err))
		}
	}
	pub = analytics.New(js, log)

	cacheOpts := []feedcache.Option{feedcache.WithLogger(log)}
	var bus *feedcache.Bus
	if nc != nil {
		bus = feedcache.NewBus(nc, feedcache.InvalidateSubject, log)
		// Redis epochs are already shared; only the in-process backend needs fan-out.
		if _, local := backend.(*feedcache.MemoryBackend); local {
			cacheOpts = append(cacheOpts, feedcache.WithBroadcaster(bus))
		}
	}
	cache := feedcache.New(backend, feedcache.Config{
		TTL:            fcfg.CacheTTL,
		StaleGrace:     fcfg.CacheStaleGrace,
		ComputeTimeout: fcfg.ComputeTimeout,
	}, cacheOpts...)
	defer func() { _ = cache.Close() }()
	if bus != nil {
		if _, err := bus.Bind(cache); err != nil {
			log.Warn("feed cache invalidation subscribe", zap.Error(err))
		}
	}

	breaker := candidates.NewBreaker(candidates.BreakerConfig{
		Name:             "engagement-store",
		MaxRequests:      fcfg.CBMaxRequests,
		Interval:         fcfg.CBInterval,
		Timeout:          fcfg.CBTimeout,
		FailureThreshold: fcfg.CBFailureThreshold,
	}, log)
	source := candidates.New(st, candidates.WithCircuitBreaker(breaker), candidates.WithLogger(log))

	orch := feed.New(source, cache, st, feed.Config{
		DefaultLimit: fcfg.DefaultLimit,
		MaxLimit:     fcfg.MaxLimit,
		WindowSize:   fcfg.WindowSize,
		PoolSize:     fcfg.PoolSize,
		SeenLookback: fcfg.SeenLookback,
		FreshMaxAge:  fcfg.FreshMaxAge,
	}, feed.WithLogger(log), feed.WithPublisher(pub))
	recorder := impressions.New(st, pub, log)
	engagement := interactions.New(st, cache, pub, log)
	limiter := feedhttp.NewRateLimiter(fcfg.RateLimitRPS, fcfg.RateLimitBurst)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return errors.Join(st.Ping(ctx), cache.Ping(ctx))
		},
		Metrics: promhttp.Handler(),
	})
	handlers.Register(r, handlers.Deps{
		Feed:        orch,
		Telemetry:   recorder,
		Engagement:  engagement,
		Cache:       orch,
		Verifier:    auth.JWTVerifier{Secret: []byte(fcfg.JWTSecret)},
		RateLimiter: limiter.Middleware,
		Logger:      log,
	})

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		if js != nil && fcfg.InteractionsConsumer {
			consumer := worker.NewInteractionsConsumer(cache, fcfg.InteractionsSubject, fcfg.InteractionsDurable, log)
			go func() {
				if err := consumer.Run(ctx, js); err != nil {
					log.Error("interactions consumer", zap.Error(err))
				}
			}()
		}

		go runner.Graceful(ctx, srv.Shutdown)
		return srv.Start()
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// initStore selects the EngagementStore backend.
// In production (APP_ENV=production) it requires a working Postgres connection
// and terminates the process otherwise.
func initStore(log *zap.Logger, cfg config.AppConfig, fcfg feedconfig.Config) (store.EngagementStore, func()) {
	if fcfg.DatabaseURL == "" {
		if cfg.IsProduction() {
			log.Error("DATABASE_URL is required in production")
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("DATABASE_URL not set, using in-memory engagement store (development only)")
		s := store.NewInMemoryStore(time.Now)
		return s, s.Close
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, fcfg.DatabaseURL)
	if err != nil {
		if cfg.IsProduction() {
			log.Error("postgres is required in production but unavailable", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		log.Warn("postgres unavailable, falling back to in-memory store", zap.Error(err))
		s := store.NewInMemoryStore(time.Now)
		return s, s.Close
	}

	if fcfg.MigrateOnStart {
		if err := migrate.Up(ctx, fcfg.DatabaseURL, migrations.FS); err != nil {
			pool.Close()
			log.Error("migrations failed", zap.Error(err))
			_ = log.Sync()
			run.Exit(1)
		}
		log.Info("migrations applied")
	}

	log.Info("engagement store: postgres")
	s := store.NewPostgresStore(pool)
	return s, s.Close
}

// initCacheBackend picks redis when REDIS_URL is set and the in-process LRU otherwise.
func initCacheBackend(log *zap.Logger, fcfg feedconfig.Config) (feedcache.Backend, error) {
	if fcfg.RedisURL == "" {
		log.Info("feed cache backend: memory", zap.Int("max_entries", fcfg.CacheMaxEntries))
		return feedcache.NewMemoryBackend(fcfg.CacheMaxEntries, time.Now), nil
	}
	rb, err := feedcache.NewRedisBackend(fcfg.RedisURL, "feed")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rb.Ping(ctx); err != nil {
		log.Warn("redis ping failed at startup, continuing", zap.Error(err))
	}
	log.Info("feed cache backend: redis")
	return rb, nil
}
