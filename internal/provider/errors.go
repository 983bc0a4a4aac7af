package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a provider failure so callers can choose between
// retrying, treating it as empty, or asking the operator to re-consent.
type ErrorKind int

const (
	// KindTransient covers rate limits, 5xx responses and timeouts.
	KindTransient ErrorKind = iota
	// KindAuth covers expired or revoked credentials.
	KindAuth
	// KindDefinitive covers everything the caller must not retry.
	KindDefinitive
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	default:
		return "definitive"
	}
}

// Error is a typed provider failure.
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "google.users.list"
	Status int    // HTTP status when known, else 0
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAuth reports whether err means the provider credentials are no longer
// valid and the operator must re-consent.
func IsAuth(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindAuth
}

// kindForStatus maps an HTTP status code to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == 429 || status >= 500:
		return KindTransient
	case status == 401 || status == 403:
		return KindAuth
	default:
		return KindDefinitive
	}
}
