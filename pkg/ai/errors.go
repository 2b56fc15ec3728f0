package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/shahmir-m/liber/pkg/domain"
)

// Reason classifies why a capability call failed.
type Reason string

const (
	ReasonRateLimited     Reason = "rate_limited"
	ReasonMalformedOutput Reason = "malformed_output"
	ReasonTimeout         Reason = "timeout"
	ReasonUnavailable     Reason = "unavailable"
)

// CapabilityError is returned by every provider call in this package.
type CapabilityError struct {
	Provider string
	Reason   Reason
	Err      error
}

func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Provider, e.Reason)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// ErrorKind reports the failure reason, used as a scrape job's last error kind.
func (e *CapabilityError) ErrorKind() string { return "capability_" + string(e.Reason) }

// Is lets callers match any capability failure with domain.ErrCapability.
func (e *CapabilityError) Is(target error) bool {
	return target == domain.ErrCapability
}

func capabilityErr(provider string, reason Reason, err error) *CapabilityError {
	return &CapabilityError{Provider: provider, Reason: reason, Err: err}
}

// classifyTransport maps a transport error to a capability error.
func classifyTransport(provider string, err error) *CapabilityError {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return capabilityErr(provider, ReasonTimeout, err)
	}
	return capabilityErr(provider, ReasonUnavailable, err)
}

// classifyStatus maps an HTTP error status to a capability error.
func classifyStatus(provider string, status int, err error) *CapabilityError {
	switch {
	case status == http.StatusTooManyRequests:
		return capabilityErr(provider, ReasonRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return capabilityErr(provider, ReasonTimeout, err)
	default:
		return capabilityErr(provider, ReasonUnavailable, err)
	}
}
