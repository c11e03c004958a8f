// Package syncerr classifies failures raised while synchronizing remote CRM
// data so callers can branch on retryability instead of matching messages.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the retryability class of a failure.
type Kind int

const (
	// KindFatal covers configuration problems and anything unrecognised. Never retried.
	KindFatal Kind = iota
	// KindTransient covers serialization failures, deadlocks, lock timeouts,
	// insert races and remote timeouts. Retried with backoff.
	KindTransient
	// KindData is a malformed or incomplete record. The record is skipped.
	KindData
	// KindAuth is an expired or rejected credential. Refreshed once, then surfaced.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindData:
		return "data"
	case KindAuth:
		return "auth"
	default:
		return "fatal"
	}
}

var (
	ErrNoAgencyToken    = errors.New("no agency token")
	ErrExchangeFailed   = errors.New("location token exchange failed")
	ErrRefreshFailed    = errors.New("agency token refresh failed")
	ErrLocationNotFound = errors.New("location not found")
	ErrConcurrentInsert = errors.New("concurrent insert")
	ErrInvalidRecord    = errors.New("invalid record")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind     Kind
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s (%s, %d attempts): %v", e.Op, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an explicit kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap wraps err with its classified kind. Returns nil for a nil err.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// StatusCoder is implemented by remote API errors carrying an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify determines the Kind of err structurally. An explicit *Error
// anywhere in the chain wins.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, ErrConcurrentInsert):
		return KindTransient
	case errors.Is(err, ErrInvalidRecord):
		return KindData
	case errors.Is(err, ErrNoAgencyToken), errors.Is(err, ErrLocationNotFound):
		return KindFatal
	case errors.Is(err, ErrRefreshFailed), errors.Is(err, ErrExchangeFailed):
		return KindAuth
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyHTTPStatus(sc.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindFatal
}

// KindOf is Classify under a name that reads better at call sites.
func KindOf(err error) Kind {
	return Classify(err)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

func classifySQLState(code string) Kind {
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"23505": // unique_violation: a concurrent insert won the race
		return KindTransient
	case "23502", "23503", "23514":
		return KindData
	}
	if strings.HasPrefix(code, "22") {
		return KindData
	}
	if strings.HasPrefix(code, "08") {
		return KindTransient
	}
	return KindFatal
}

func classifyHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	case status >= 400:
		return KindData
	}
	return KindFatal
}
