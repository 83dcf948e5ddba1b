package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind classifies failures surfaced by the ranking core.
type Kind int

const (
	// KindUnknown is any error without an explicit classification.
	KindUnknown Kind = iota
	// KindNotFound means the POI could not be resolved. Fatal to the request.
	KindNotFound
	// KindProviderUnavailable means a remote service failed after retries or
	// the circuit is open.
	KindProviderUnavailable
	// KindInvalidConfiguration covers bad weights, thresholds or settings.
	KindInvalidConfiguration
	// KindBadRequest is a non-retryable rejection by a remote service.
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindInvalidConfiguration:
		return "invalid_configuration"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

// Error returns the cause's message, or the kind name for a sentinel.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Err == nil
	}
	return false
}

// Sentinels for errors.Is checks. Each matches every error of its kind.
var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrProviderUnavailable  = &Error{Kind: KindProviderUnavailable}
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrBadRequest           = &Error{Kind: KindBadRequest}
)

// ErrIsochroneUnavailable is in the chain of errors returned when isochrones
// could not be fetched and no cached entry exists to fall back on.
var ErrIsochroneUnavailable = eris.New("isochrone unavailable")

// IsochroneUnavailable classifies cause as a ProviderUnavailable error that
// also matches ErrIsochroneUnavailable.
func IsochroneUnavailable(cause error) error {
	return &Error{Kind: KindProviderUnavailable, Err: fmt.Errorf("%w: %w", ErrIsochroneUnavailable, cause)}
}

// Wrap classifies err with kind, adding msg as context.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: eris.Wrap(err, msg)}
}

// Errorf builds a new classified error.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: eris.New(fmt.Sprintf(format, args...))}
}

// KindOf returns the outermost Kind in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
