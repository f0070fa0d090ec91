// Package dberror turns store failures into messages an API client can act
// on, and retries reads that failed on something the next attempt may not hit.
package dberror

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/faucet/utils/pkg/retry"
)

type Class int

const (
	ClassUnknown Class = iota
	// ClassUnavailable covers lost connections, a server that is starting or
	// shutting down, exhausted resources and serialization conflicts.
	ClassUnavailable
	ClassTimeout
	ClassAuth
	// ClassInput is a statement the server rejected as written.
	ClassInput
)

func (c Class) String() string {
	switch c {
	case ClassUnavailable:
		return "unavailable"
	case ClassTimeout:
		return "timeout"
	case ClassAuth:
		return "auth"
	case ClassInput:
		return "input"
	default:
		return "unknown"
	}
}

// Failures pgxpool and pgconn report as plain errors.
var unavailableMessages = []string{
	"closed pool",
	"conn closed",
	"connection refused",
	"connection reset by peer",
}

// Classify reports the Class of err. Server errors are classified by their
// SQLSTATE; client-side failures by the pgconn and net error types.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return ClassTimeout
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ClassUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassUnavailable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ClassUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, m := range unavailableMessages {
		if strings.Contains(msg, m) {
			return ClassUnavailable
		}
	}
	return ClassUnknown
}

func classifySQLState(code string) Class {
	switch {
	case code == "57014": // query_canceled, also raised by statement_timeout
		return ClassTimeout
	case code == "42501": // insufficient_privilege
		return ClassAuth
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"),
		strings.HasPrefix(code, "57"), strings.HasPrefix(code, "40"):
		return ClassUnavailable
	case strings.HasPrefix(code, "28"):
		return ClassAuth
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"), strings.HasPrefix(code, "42"):
		return ClassInput
	}
	return ClassUnknown
}

// IsTransient reports whether a retry of the same call could succeed. An
// expired or cancelled context never qualifies.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	switch Classify(err) {
	case ClassUnavailable, ClassTimeout:
		return true
	}
	return false
}

// UserMessage is the client-facing text for a failed store call.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case ClassUnavailable:
		return "Database temporarily unavailable. Please try again in a moment."
	case ClassTimeout:
		return "Request timed out. Please try again."
	case ClassAuth:
		return "Database authentication error. Please contact support."
	case ClassInput:
		return "The request could not be processed. Please check your input."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// DefaultRetryConfig is the policy for API reads.
func DefaultRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		Retryable:   IsTransient,
	}
}

// Retry runs fn under cfg, retrying only transient store failures.
func Retry[T any](ctx context.Context, cfg retry.Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg.Retryable = IsTransient
	var out T
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
