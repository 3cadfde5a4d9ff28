package remote

import (
	"errors"
	"fmt"
)

// ErrUnconfigured reports that no remote backend is configured. Callers
// treat this as "operate local-only", not as an error to surface.
var ErrUnconfigured = errors.New("remote backend not configured")

// ErrorKind classifies a remote failure. The classification drives what
// happens next: NotFound triggers the collection-name fallback probe,
// Auth is never retried against fallback names (that would mask a real
// permission problem as a naming problem), and Transient is retried with
// backoff by the sync worker.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindNotFound
	KindAuth
)

// Error wraps a backend failure with its classification and the
// collection it happened on.
type Error struct {
	Kind       ErrorKind
	Collection string
	Err        error
}

func (e *Error) Error() string {
	kind := "transient"
	switch e.Kind {
	case KindNotFound:
		kind = "not found"
	case KindAuth:
		kind = "auth"
	}
	return fmt.Sprintf("remote %s error on %s: %v", kind, e.Collection, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a "collection not found" class of
// remote failure.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindNotFound
}

// IsAuth reports whether err is an authentication/authorization failure.
func IsAuth(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindAuth
}

// IsTransient reports whether err is a retryable network-class failure.
// Anything that isn't NotFound, Auth, or Unconfigured counts.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrUnconfigured) {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	return true
}

func notFoundErr(collection string, err error) *Error {
	return &Error{Kind: KindNotFound, Collection: collection, Err: err}
}

func authErr(collection string, err error) *Error {
	return &Error{Kind: KindAuth, Collection: collection, Err: err}
}

func transientErr(collection string, err error) *Error {
	return &Error{Kind: KindTransient, Collection: collection, Err: err}
}
