package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/swarmgen/internal/protocol"
)

// FailReason categorizes a provider failure for retry and routing decisions.
type FailReason string

const (
	// ReasonRateLimit is HTTP 429; retryable.
	ReasonRateLimit FailReason = "rate_limit"
	// ReasonTimeout covers deadline exceeded and connection timeouts;
	// retryable.
	ReasonTimeout FailReason = "timeout"
	// ReasonServerError is HTTP 5xx; retryable.
	ReasonServerError FailReason = "server_error"
	// ReasonAuth is HTTP 401/403; permanent.
	ReasonAuth FailReason = "auth"
	// ReasonQuota is HTTP 402 or an exhausted-billing error; permanent.
	ReasonQuota FailReason = "quota"
	// ReasonInvalidRequest is HTTP 400; permanent.
	ReasonInvalidRequest FailReason = "invalid_request"
	// ReasonUnknown is anything unclassified; treated as permanent so an
	// unrecognized failure mode cannot spin a retry loop.
	ReasonUnknown FailReason = "unknown"
)

// Retryable reports whether a retry may plausibly succeed.
func (r FailReason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Reason   FailReason
	Provider protocol.Provider
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Reason, e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(" ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether err is a retryable provider failure.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.Retryable()
	}
	return false
}

// ReasonFromStatus maps an HTTP status to a FailReason.
func ReasonFromStatus(status int) FailReason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonQuota
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// Classify wraps err as a ProviderError with the given HTTP status, if known.
// Context deadline errors classify as timeouts regardless of status.
func Classify(p protocol.Provider, model string, status int, err error) *ProviderError {
	reason := ReasonFromStatus(status)
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	return &ProviderError{
		Reason:   reason,
		Provider: p,
		Model:    model,
		Status:   status,
		Cause:    err,
	}
}
