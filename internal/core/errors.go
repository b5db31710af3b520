package core

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure into the externally stable taxonomy.
type Kind string

// Error kinds.
const (
	KindInvalidInput        Kind = "InvalidInput"
	KindRateLimited         Kind = "RateLimited"
	KindProviderAuth        Kind = "ProviderAuthError"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindProviderRateLimited Kind = "ProviderRateLimited"
	KindSynthesisFailed     Kind = "SynthesisFailed"
	KindStorage             Kind = "StorageError"
	KindPersistence         Kind = "PersistenceError"
	KindInvalidFilename     Kind = "InvalidFilename"
	KindNotFound            Kind = "NotFound"
	KindUnauthorized        Kind = "Unauthorized"
)

// Error is a classified failure. Message is safe to show to callers; Err keeps
// the underlying cause for server-side logs.
type Error struct {
	Kind       Kind
	Message    string
	Details    []string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error wrapping cause.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		Details:    nil,
		RetryAfter: 0,
		Err:        cause,
	}
}

// KindOf returns the kind of the first classified error in err's chain, or an
// empty Kind when err carries no classification.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
