// Package apierr implements the broker's error taxonomy: a small closed
// set of kinds, each with a fixed HTTP status, that every layer of the
// broker translates its failures into before they reach the response
// envelope.
package apierr

import "net/http"

// Kind is one of the closed set of broker error kinds.
type Kind string

const (
	InvalidAPIKey      Kind = "INVALID_API_KEY"
	InvalidSignature   Kind = "INVALID_SIGNATURE"
	TimestampExpired   Kind = "TIMESTAMP_EXPIRED"
	InvalidState       Kind = "INVALID_STATE"
	ConnectionNotFound Kind = "CONNECTION_NOT_FOUND"
	ConnectionExpired  Kind = "CONNECTION_EXPIRED"
	ConnectionRevoked  Kind = "CONNECTION_REVOKED"
	ScopeInsufficient  Kind = "SCOPE_INSUFFICIENT"
	ProviderError      Kind = "PROVIDER_ERROR"
	RateLimited        Kind = "RATE_LIMITED"
	ValidationError    Kind = "VALIDATION_ERROR"
	NotFound           Kind = "NOT_FOUND"
	Forbidden          Kind = "FORBIDDEN"
	InternalError      Kind = "INTERNAL_ERROR"
)

var statusByKind = map[Kind]int{
	InvalidAPIKey:      http.StatusUnauthorized,
	InvalidSignature:   http.StatusUnauthorized,
	TimestampExpired:   http.StatusUnauthorized,
	InvalidState:       http.StatusBadRequest,
	ConnectionNotFound: http.StatusNotFound,
	ConnectionExpired:  http.StatusUnauthorized,
	ConnectionRevoked:  http.StatusUnauthorized,
	ScopeInsufficient:  http.StatusForbidden,
	ProviderError:      http.StatusBadGateway,
	RateLimited:        http.StatusTooManyRequests,
	ValidationError:    http.StatusBadRequest,
	NotFound:           http.StatusNotFound,
	Forbidden:          http.StatusForbidden,
	InternalError:      http.StatusInternalServerError,
}

// Error is a broker error carrying a kind, a human message, and optional
// machine-readable details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	// wrapped is the underlying cause, if any; not serialized.
	wrapped error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind that also carries the
// original cause, for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

// WithDetails attaches machine-readable details and returns the receiver
// for chaining.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}
