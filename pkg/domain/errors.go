package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, user-visible error kind string.
type Kind string

const (
	KindInvalidInput           Kind = "invalid_input"
	KindNotFound               Kind = "not_found"
	KindInsufficientCandidates Kind = "insufficient_candidates"
	KindCapability             Kind = "capability_error"
	KindCacheUnavailable       Kind = "cache_unavailable"
	KindNoCandidates           Kind = "no_candidates"
	KindUpstreamUnavailable    Kind = "upstream_unavailable"
	KindRateLimited            Kind = "rate_limited"
	KindInternal               Kind = "internal"
)

// HTTPStatus maps a kind to the status the public API responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoCandidates, KindUpstreamUnavailable, KindCapability:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind and a message that is safe to show to callers.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrInvalidInput           = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInsufficientCandidates = &Error{Kind: KindInsufficientCandidates, Message: "insufficient candidates"}
	ErrCapability             = &Error{Kind: KindCapability, Message: "capability error"}
	ErrCacheUnavailable       = &Error{Kind: KindCacheUnavailable, Message: "cache unavailable"}
	ErrNoCandidates           = &Error{Kind: KindNoCandidates, Message: "no candidates"}
	ErrUpstreamUnavailable    = &Error{Kind: KindUpstreamUnavailable, Message: "upstream unavailable"}
	ErrRateLimited            = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrInternal               = &Error{Kind: KindInternal, Message: "internal error"}
)

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func InvalidInput(format string, args ...any) *Error {
	return newError(KindInvalidInput, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func InsufficientCandidates(got, want int) *Error {
	return newError(KindInsufficientCandidates, nil, "only %d of %d candidates survived filtering", got, want)
}

func NoCandidates(msg string) *Error {
	return newError(KindNoCandidates, nil, "%s", msg)
}

func CacheUnavailable(cause error) *Error {
	return newError(KindCacheUnavailable, cause, "cache unavailable")
}

func UpstreamUnavailable(cause error, format string, args ...any) *Error {
	return newError(KindUpstreamUnavailable, cause, format, args...)
}

func RateLimited(msg string) *Error {
	return newError(KindRateLimited, nil, "%s", msg)
}

// KindOf returns the kind of the first *Error in err's chain, or internal.
// Errors that satisfy Is against a sentinel (like capability errors) are resolved too.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, s := range []*Error{ErrCapability, ErrNotFound, ErrInvalidInput, ErrUpstreamUnavailable, ErrRateLimited} {
		if errors.Is(err, s) {
			return s.Kind
		}
	}
	return KindInternal
}

// PublicMessage returns text safe to show to a client. Internal errors are masked.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	if k := KindOf(err); k != KindInternal && k != "" {
		return string(k)
	}
	return "internal error"
}
