package domain

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies upstream fetch failures for retry decisions.
type FetchErrorKind string

const (
	// FetchTransient covers timeouts and upstream throttling. Retried by the
	// scheduler; never mutates the cache.
	FetchTransient FetchErrorKind = "transient"
	// FetchPermanent covers unknown or delisted subjects and other
	// non-retriable responses. Not retried past the attempt budget.
	FetchPermanent FetchErrorKind = "permanent"
)

// FetchError is a typed failure from the fetch collaborator.
type FetchError struct {
	Kind    FetchErrorKind
	Subject Subject
	Err     error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.Subject, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retriable fetch failure.
func NewTransientError(subject Subject, err error) *FetchError {
	return &FetchError{Kind: FetchTransient, Subject: subject, Err: err}
}

// NewPermanentError wraps err as a non-retriable fetch failure.
func NewPermanentError(subject Subject, err error) *FetchError {
	return &FetchError{Kind: FetchPermanent, Subject: subject, Err: err}
}

// IsTransient reports whether err is a retriable fetch failure. Errors that
// are not FetchError at all are treated as transient so that unexpected
// failures get the benefit of the retry budget.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == FetchTransient
	}
	return true
}

// IsPermanent reports whether err is a non-retriable fetch failure.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchPermanent
}

// ErrCheckpointWrite marks checkpoint persistence failures. An unpersisted
// checkpoint risks silently skipping a subject on resume, so callers abort
// the run instead of continuing.
var ErrCheckpointWrite = errors.New("checkpoint write failed")
