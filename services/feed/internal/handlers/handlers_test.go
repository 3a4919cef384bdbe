package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/api"
	"github.com/example/shortvideo-platform/internal/platform/auth"
	"github.com/example/shortvideo-platform/services/feed/internal/candidates"
	"github.com/example/shortvideo-platform/services/feed/internal/errs"
	"github.com/example/shortvideo-platform/services/feed/internal/feed"
	"github.com/example/shortvideo-platform/services/feed/internal/feedcache"
	feedhttp "github.com/example/shortvideo-platform/services/feed/internal/http"
	"github.com/example/shortvideo-platform/services/feed/internal/impressions"
	"github.com/example/shortvideo-platform/services/feed/internal/interactions"
	"github.com/example/shortvideo-platform/services/feed/internal/store"
)

var testSecret = []byte("handler-test-secret")

type env struct {
	store  *store.InMemoryStore
	orch   *feed.Orchestrator
	router chi.Router
}

func newEnv(t *testing.T, videos int, deps ...func(*Deps)) *env {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := store.NewInMemoryStore(clock)
	for i := 0; i < videos; i++ {
		id := fmt.Sprintf("video-%03d", i)
		s.PutVideo(store.Video{
			ID:               id,
			Title:            id,
			VideoURL:         "https://cdn.example.com/" + id + ".mp4",
			Status:           store.VideoActive,
			ProcessingStatus: store.ProcessingReady,
			CreatedAt:        now.Add(-time.Duration(i) * time.Hour),
		})
	}
	cache := feedcache.New(feedcache.NewMemoryBackend(100, clock), feedcache.Config{}, feedcache.WithClock(clock))
	orch := feed.New(candidates.New(s, candidates.WithClock(clock)), cache, s, feed.Config{}, feed.WithClock(clock))

	d := Deps{
		Feed:       orch,
		Telemetry:  impressions.New(s, nil, nil),
		Engagement: interactions.New(s, cache, nil, nil),
		Cache:      orch,
		Verifier:   auth.JWTVerifier{Secret: testSecret},
		Logger:     zap.NewNop(),
	}
	for _, f := range deps {
		f(&d)
	}
	r := chi.NewRouter()
	Register(r, d)
	return &env{store: s, orch: orch, router: r}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *env) do(t *testing.T, method, url, body, tok string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, url, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.APIError {
	t.Helper()
	var body api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	return body.Error
}

func expectValidation(t *testing.T, rr *httptest.ResponseRecorder, field string) {
	t.Helper()
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	e := decodeError(t, rr)
	if e.Code != "VALIDATION_FAILED" || e.Details["field"] != field {
		t.Fatalf("expected VALIDATION_FAILED on %s, got %+v", field, e)
	}
}

func TestGetFeed_Anonymous(t *testing.T) {
	e := newEnv(t, 30)

	rr := e.do(t, http.MethodGet, "/v1/feed?limit=10&seed=0.5", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var p feed.Page
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Videos) != 10 || p.Total != 30 || !p.HasMore {
		t.Fatalf("unexpected page: %d videos, total %d, has_more %v", len(p.Videos), p.Total, p.HasMore)
	}
	if p.Seed != 0.5 || p.Mode != "recommended" || p.Page != 1 {
		t.Fatalf("unexpected echo: seed %v sort %q page %d", p.Seed, p.Mode, p.Page)
	}
}

func TestGetFeed_InvalidParams(t *testing.T) {
	e := newEnv(t, 5)

	cases := map[string]string{
		"/v1/feed?page=abc":    "page",
		"/v1/feed?page=-1":     "page",
		"/v1/feed?limit=x":     "limit",
		"/v1/feed?sort=viral":  "sort",
		"/v1/feed?seed=banana": "seed",
		"/v1/feed?seed=1.5":    "seed",
	}
	for url, field := range cases {
		expectValidation(t, e.do(t, http.MethodGet, url, "", ""), field)
	}
}

func TestGetFeed_InvalidTokenRejected(t *testing.T) {
	e := newEnv(t, 5)
	rr := e.do(t, http.MethodGet, "/v1/feed", "", "not-a-jwt")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

type failingFeed struct{ err error }

func (f failingFeed) GetFeed(context.Context, feed.Request) (feed.Page, error) {
	return feed.Page{}, f.err
}

func TestGetFeed_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errs.Transient("aggregate", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: video x", errs.ErrNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := GetFeed(failingFeed{err: tc.err}, zap.NewNop())
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/feed", nil))
		if rr.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	GetFeed(failingFeed{err: errs.Transient("aggregate", context.DeadlineExceeded)}, zap.NewNop()).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/feed", nil))
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on 503")
	}
	if got := decodeError(t, rr).Code; got != "BACKEND_UNAVAILABLE" {
		t.Fatalf("expected BACKEND_UNAVAILABLE, got %q", got)
	}
}

func TestGetFeed_DegradedHeader(t *testing.T) {
	h := GetFeed(degradedFeed{}, zap.NewNop())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/feed", nil))
	if rr.Code != http.StatusOK || rr.Header().Get("X-Feed-Degraded") != "true" {
		t.Fatalf("expected degraded header, got %d %v", rr.Code, rr.Header())
	}
}

type degradedFeed struct{}

func (degradedFeed) GetFeed(_ context.Context, req feed.Request) (feed.Page, error) {
	return feed.Page{Videos: []feed.Item{}, Degraded: true, Page: 1}, nil
}

func TestPostImpression(t *testing.T) {
	e := newEnv(t, 5)
	tok := token(t, "user-a", "")

	rr := e.do(t, http.MethodPost, "/v1/impressions",
		`{"video_id":"video-001","session_id":"s1","position":3,"source":"personal","visible_ms":800}`, tok)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var imp store.Impression
	if err := json.NewDecoder(rr.Body).Decode(&imp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if imp.ID == "" || imp.UserID != "user-a" || imp.Position != 3 || imp.Source != store.SourcePersonal {
		t.Fatalf("unexpected impression: %+v", imp)
	}
}

func TestPostImpression_RequiresAuth(t *testing.T) {
	e := newEnv(t, 1)
	rr := e.do(t, http.MethodPost, "/v1/impressions", `{"video_id":"video-000"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestPostImpression_Validation(t *testing.T) {
	e := newEnv(t, 2)
	tok := token(t, "user-a", "")

	cases := map[string]string{
		`{"video_id":"video-000","session_id":"s","position":1.5,"source":"personal"}`:               "position",
		`{"video_id":"video-000","session_id":"s","source":"personal"}`:                              "position",
		`{"video_id":"video-000","session_id":"s","position":-1,"source":"personal"}`:                "position",
		`{"video_id":"video-000","session_id":"s","position":0,"source":"billboard"}`:                "source",
		`{"video_id":"video-000","position":0,"source":"personal"}`:                                  "session_id",
		`{"video_id":"video-000","session_id":"s","position":0,"source":"random","visible_ms":100}`:  "visible_ms",
		`{"video_id":"video-000","session_id":"s","position":0,"source":"trending","visible_ms":0}`:  "visible_ms",
	}
	for body, field := range cases {
		expectValidation(t, e.do(t, http.MethodPost, "/v1/impressions", body, tok), field)
	}

	rr := e.do(t, http.MethodPost, "/v1/impressions", `{"video_id":`, tok)
	if rr.Code != http.StatusBadRequest || decodeError(t, rr).Code != "INVALID_JSON" {
		t.Fatalf("expected INVALID_JSON, got %d", rr.Code)
	}
}

func TestPostImpression_UnknownVideo(t *testing.T) {
	e := newEnv(t, 1)
	rr := e.do(t, http.MethodPost, "/v1/impressions",
		`{"video_id":"missing","session_id":"s","position":0,"source":"personal"}`, token(t, "user-a", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPostImpression_RateLimited(t *testing.T) {
	rl := feedhttp.NewRateLimiter(0.001, 1)
	e := newEnv(t, 2, func(d *Deps) { d.RateLimiter = rl.Middleware })
	tok := token(t, "user-a", "")
	body := `{"video_id":"video-000","session_id":"s","position":0,"source":"personal"}`

	if rr := e.do(t, http.MethodPost, "/v1/impressions", body, tok); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/impressions", body, tok); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	// The feed itself is not behind the limiter.
	if rr := e.do(t, http.MethodGet, "/v1/feed", "", tok); rr.Code != http.StatusOK {
		t.Fatalf("expected feed 200, got %d", rr.Code)
	}
}

func TestPostWatch(t *testing.T) {
	e := newEnv(t, 2)
	tok := token(t, "user-a", "")

	expectValidation(t, e.do(t, http.MethodPost, "/v1/watch", `{"video_id":"video-000"}`, tok), "watch_duration_seconds")
	expectValidation(t, e.do(t, http.MethodPost, "/v1/watch", `{"video_id":"video-000","watch_duration_seconds":-2}`, tok), "watch_duration_seconds")

	rr := e.do(t, http.MethodPost, "/v1/watch", `{"video_id":"video-000","watch_duration_seconds":12.5,"completed":true}`, tok)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	v, err := e.store.GetVideo(context.Background(), "video-000")
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if v.ViewsCount != 1 {
		t.Fatalf("expected 1 view, got %d", v.ViewsCount)
	}

	rr = e.do(t, http.MethodPost, "/v1/watch", `{"video_id":"video-000","watch_duration_seconds":1,"impression_id":"nope"}`, tok)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown impression, got %d", rr.Code)
	}
}

func TestLikeAndSave_ShowUpInFeed(t *testing.T) {
	e := newEnv(t, 5)
	tok := token(t, "user-a", "")

	rr := e.do(t, http.MethodPost, "/v1/videos/video-002/like", "", tok)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp toggleResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Changed || resp.Liked == nil || !*resp.Liked {
		t.Fatalf("unexpected like response: %+v", resp)
	}

	rr = e.do(t, http.MethodPost, "/v1/videos/video-002/like", "", tok)
	resp = toggleResponse{}
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Changed {
		t.Fatal("expected repeated like to be a no-op")
	}

	if rr := e.do(t, http.MethodPost, "/v1/videos/video-003/save", "", tok); rr.Code != http.StatusOK {
		t.Fatalf("save: expected 200, got %d", rr.Code)
	}

	rr = e.do(t, http.MethodGet, "/v1/feed?seed=0.1", "", tok)
	var p feed.Page
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	flags := map[string]feed.Item{}
	for _, it := range p.Videos {
		flags[it.ID] = it
	}
	if !flags["video-002"].Liked || !flags["video-003"].Saved || flags["video-001"].Liked {
		t.Fatalf("unexpected interaction flags: %+v", flags)
	}

	rr = e.do(t, http.MethodDelete, "/v1/videos/video-002/like", "", tok)
	resp = toggleResponse{}
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if !resp.Changed || resp.Liked == nil || *resp.Liked {
		t.Fatalf("unexpected unlike response: %+v", resp)
	}
}

func TestLike_UnknownVideo(t *testing.T) {
	e := newEnv(t, 1)
	rr := e.do(t, http.MethodPost, "/v1/videos/nope/like", "", token(t, "user-a", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestShare(t *testing.T) {
	e := newEnv(t, 1)
	rr := e.do(t, http.MethodPost, "/v1/videos/video-000/share", "", token(t, "user-a", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	v, _ := e.store.GetVideo(context.Background(), "video-000")
	if v.SharesCount != 1 {
		t.Fatalf("expected 1 share, got %d", v.SharesCount)
	}
}

func TestComments(t *testing.T) {
	e := newEnv(t, 1)
	owner := token(t, "user-a", "")
	other := token(t, "user-b", "")

	expectValidation(t, e.do(t, http.MethodPost, "/v1/videos/video-000/comments", `{"body":"   "}`, owner), "body")

	rr := e.do(t, http.MethodPost, "/v1/videos/video-000/comments", `{"body":"  nice  "}`, owner)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var c store.Comment
	if err := json.NewDecoder(rr.Body).Decode(&c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Body != "nice" || c.UserID != "user-a" {
		t.Fatalf("unexpected comment: %+v", c)
	}

	if rr := e.do(t, http.MethodDelete, "/v1/comments/"+c.ID, "", other); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for someone else's comment, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodDelete, "/v1/comments/"+c.ID, "", owner); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodDelete, "/v1/comments/"+c.ID, "", owner); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rr.Code)
	}
}

type recordingAdmin struct {
	users []string
	all   int
}

func (a *recordingAdmin) InvalidateUserCache(_ context.Context, userID string) error {
	a.users = append(a.users, userID)
	return nil
}

func (a *recordingAdmin) InvalidateAll(context.Context) error {
	a.all++
	return nil
}

func TestInvalidateFeedCache(t *testing.T) {
	admin := &recordingAdmin{}
	e := newEnv(t, 1, func(d *Deps) { d.Cache = admin })

	if rr := e.do(t, http.MethodPost, "/v1/admin/feed-cache/invalidate", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/admin/feed-cache/invalidate", "", token(t, "user-a", "")); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	tok := token(t, "root", "admin")
	rr := e.do(t, http.MethodPost, "/v1/admin/feed-cache/invalidate", "", tok)
	if rr.Code != http.StatusOK || admin.all != 1 {
		t.Fatalf("expected global invalidation, got %d (all=%d)", rr.Code, admin.all)
	}

	rr = e.do(t, http.MethodPost, "/v1/admin/feed-cache/invalidate", `{"user_id":"user-z"}`, tok)
	if rr.Code != http.StatusOK || len(admin.users) != 1 || admin.users[0] != "user-z" {
		t.Fatalf("expected user invalidation, got %d (%v)", rr.Code, admin.users)
	}
	var resp invalidateResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Scope != "user" || resp.UserID != "user-z" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if rr := e.do(t, http.MethodPost, "/v1/admin/feed-cache/invalidate", `{`, tok); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}
}

func TestInvalidateFeedCache_RefreshesFeed(t *testing.T) {
	e := newEnv(t, 3)
	anon := func() int {
		rr := e.do(t, http.MethodGet, "/v1/feed?seed=0.2", "", "")
		var p feed.Page
		_ = json.NewDecoder(rr.Body).Decode(&p)
		return p.Total
	}
	if got := anon(); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if err := e.store.SoftDeleteVideo("video-000"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if got := anon(); got != 3 {
		t.Fatalf("expected cached total 3, got %d", got)
	}
	rr := e.do(t, http.MethodPost, "/v1/admin/feed-cache/invalidate", "", token(t, "root", "admin"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := anon(); got != 2 {
		t.Fatalf("expected recomputed total 2, got %d", got)
	}
}
