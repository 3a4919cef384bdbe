package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/auth"
)

// Deps are the services behind the /v1 routes.
type Deps struct {
	Feed        FeedReader
	Telemetry   TelemetryRecorder
	Engagement  Engagement
	Cache       CacheAdmin
	Verifier    auth.JWTVerifier
	RateLimiter func(http.Handler) http.Handler
	Logger      *zap.Logger
}

// Register mounts the feed API on r. The feed itself accepts anonymous
// callers; everything else needs a bearer token and the cache endpoint
// needs the admin role.
func Register(r chi.Router, d Deps) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r.With(auth.OptionalUser(d.Verifier)).Get("/v1/feed", GetFeed(d.Feed, log))

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(d.Verifier))

		r.Group(func(r chi.Router) {
			if d.RateLimiter != nil {
				r.Use(d.RateLimiter)
			}
			r.Post("/v1/impressions", PostImpression(d.Telemetry, log))
			r.Post("/v1/watch", PostWatch(d.Telemetry, log))
		})

		r.Post("/v1/videos/{id}/like", LikeVideo(d.Engagement, log))
		r.Delete("/v1/videos/{id}/like", UnlikeVideo(d.Engagement, log))
		r.Post("/v1/videos/{id}/save", SaveVideo(d.Engagement, log))
		r.Delete("/v1/videos/{id}/save", UnsaveVideo(d.Engagement, log))
		r.Post("/v1/videos/{id}/share", ShareVideo(d.Engagement, log))
		r.Post("/v1/videos/{id}/comments", CreateComment(d.Engagement, log))
		r.Delete("/v1/comments/{id}", DeleteComment(d.Engagement, log))

		r.With(auth.RequireAdmin).Post("/v1/admin/feed-cache/invalidate", InvalidateFeedCache(d.Cache, log))
	})
}
