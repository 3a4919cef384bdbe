package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/api"
	"github.com/example/shortvideo-platform/internal/platform/auth"
	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/feed"
	"github.com/example/shortvideo-platform/services/feed/internal/ranking"
)

// FeedReader serves feed pages.
type FeedReader interface {
	GetFeed(ctx context.Context, req feed.Request) (feed.Page, error)
}

// GetFeed handles GET /v1/feed?page=&limit=&sort=&seed=
// Anonymous callers get the non-personalized feed.
func GetFeed(fr FeedReader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := auth.UserIDFromContext(r.Context())
		q := r.URL.Query()

		page, err := intParam(q, "page")
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		limit, err := intParam(q, "limit")
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		req := feed.Request{
			UserID: userID,
			Page:   page,
			Limit:  limit,
			Mode:   ranking.Mode(strings.TrimSpace(q.Get("sort"))),
		}
		if raw := strings.TrimSpace(q.Get("seed")); raw != "" {
			seed, perr := strconv.ParseFloat(raw, 64)
			if perr != nil {
				writeError(w, r, log, errs.Invalid("seed", "must be a number"))
				return
			}
			req.Seed = &seed
		}

		p, err := fr.GetFeed(r.Context(), req)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		if p.Degraded {
			w.Header().Set("X-Feed-Degraded", "true")
		}
		api.WriteJSON(w, http.StatusOK, p)
	}
}

// intParam parses an optional integer query parameter; absent is zero.
func intParam(q url.Values, name string) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Invalid(name, "must be an integer")
	}
	return n, nil
}
