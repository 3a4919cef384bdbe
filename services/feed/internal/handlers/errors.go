package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/shortvideo-platform/internal/platform/api"
	"github.com/example/shortvideo-platform/internal/platform/auth"
	"github.com/example/shortvideo-platform/internal/platform/httpserver"
	"github.com/example/shortvideo-platform/services/feed/internal/errs"
)

const maxBodyBytes = 64 << 10

// writeError maps the engine's error classes onto the API envelope.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	var ve *errs.ValidationError
	switch {
	case errors.As(err, &ve):
		api.BadRequest(w, "VALIDATION_FAILED", ve.Error(), rid, map[string]any{"field": ve.Field})
	case errors.Is(err, errs.ErrNotFound):
		api.NotFound(w, "NOT_FOUND", err.Error(), rid)
	case errs.IsTransient(err):
		log.Warn("backend unavailable", zap.String("path", r.URL.Path), zap.String("request_id", rid), zap.Error(err))
		api.Unavailable(w, "BACKEND_UNAVAILABLE", "backend temporarily unavailable, retry", rid)
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		log.Debug("request cancelled", zap.String("path", r.URL.Path), zap.String("request_id", rid))
	default:
		log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body is reported
// as io.EOF so callers can treat it as optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

func badJSON(w http.ResponseWriter, r *http.Request) {
	api.BadRequest(w, "INVALID_JSON", "invalid JSON", httpserver.RequestIDFromContext(r.Context()), nil)
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		api.Unauthorized(w, "UNAUTHORIZED", "authentication required", httpserver.RequestIDFromContext(r.Context()))
		return "", false
	}
	return userID, true
}

func isEOF(err error) bool { return errors.Is(err, io.EOF) }
