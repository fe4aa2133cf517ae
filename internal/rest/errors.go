package rest

import (
	"errors"
	"fmt"
)

// Kind classifies an API failure by how the caller should react.
type Kind int

const (
	// KindTransient covers timeouts and dropped connections: retried with
	// backoff, never fatal.
	KindTransient Kind = iota
	// KindAuth covers rejected credentials: the session is over, retrying
	// cannot help.
	KindAuth
	// KindConflict covers operating on a message that is gone or not
	// owned by the caller: terminal for that operation only.
	KindConflict
	// KindServer covers 5xx responses: retried a bounded number of times,
	// then surfaced.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	default:
		return "server"
	}
}

// APIError is a classified failure from the pull API.
type APIError struct {
	Kind   Kind
	Status int // HTTP status, 0 for network-level failures
	Op     string
	Err    error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// AuthFailure lets packages that cannot import this one recognize a
// rejected-credentials error through a plain interface assertion.
func (e *APIError) AuthFailure() bool { return e.Kind == KindAuth }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return hasKind(err, KindAuth) }

// IsConflict reports whether err is a conflict or not-found failure.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

// IsRetryable reports whether err is worth retrying: transient network
// failures and server-side errors.
func IsRetryable(err error) bool {
	return hasKind(err, KindTransient) || hasKind(err, KindServer)
}

func hasKind(err error, k Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == k
}

// classify maps an HTTP status to an error kind.
func classify(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404 || status == 409 || status == 410:
		return KindConflict
	case status >= 500:
		return KindServer
	default:
		return KindConflict
	}
}
