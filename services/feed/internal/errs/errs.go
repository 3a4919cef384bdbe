// Package errs contains the error taxonomy shared by the feed engine and
// mapped to HTTP statuses at the transport edge.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a referenced video or impression does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks a backend that is unavailable or timed out.
	// It is the only class eligible for retry or fallback.
	ErrTransient = errors.New("transient backend error")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type transientError struct {
	op  string
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a transient backend failure of op.
// A nil err stays nil and an already transient err is returned as is.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{op: op, err: err}
}

// Classify wraps backend errors that look transient and returns everything
// else unchanged. Validation and not-found errors pass through.
func Classify(op string, err error) error {
	if err == nil || errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return &ValidationError{Field: "id", Reason: "malformed identifier"}
	}
	if IsTransient(err) {
		return Transient(op, err)
	}
	return err
}

// IsTransient reports whether err is worth a retry: timeouts, cancelled
// contexts, network failures, an open circuit breaker or a lost connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, redis.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 57P: operator intervention (admin shutdown, cannot connect now),
		// 53: insufficient resources, 40001: serialization failure.
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08",
			len(pgErr.Code) >= 3 && pgErr.Code[:3] == "57P",
			len(pgErr.Code) >= 2 && pgErr.Code[:2] == "53",
			pgErr.Code == "40001",
			pgErr.Code == "57014":
			return true
		}
	}
	return false
}
