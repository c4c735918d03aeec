package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind buckets exchange failures by how callers should react.
type ErrorKind string

const (
	KindRateLimit ErrorKind = "rate_limit" // bounded wait then propagate
	KindAuth      ErrorKind = "auth"       // fatal, never retried
	KindNetwork   ErrorKind = "network"    // transient, bounded retry
	KindAPI       ErrorKind = "api"        // exchange rejected the request
)

// APIError is the typed error every client method returns on failure. Code
// carries the exchange error code when the response body had one.
type APIError struct {
	Kind       ErrorKind
	Code       int
	HTTPStatus int
	Message    string
	RetryAfter time.Duration // only set for rate limits that advised one
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange %s (code %d, http %d): %s", e.Kind, e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("exchange %s: %s", e.Kind, e.Message)
}

// Retryable reports whether a bounded retry makes sense for this error.
func (e *APIError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimit
}

// Exchange error codes that mark authentication problems. Everything else
// with a 4xx status is a plain API rejection.
var authCodes = map[int]bool{
	-2014: true, // API-key format invalid
	-2015: true, // invalid key, IP or permissions
	-1022: true, // signature not valid
}

const (
	codeTooManyRequests  = -1003
	codeUnknownOrder     = -2011
	codeReduceOnlyReject = -2022
)

// classify maps an HTTP status plus exchange code to an ErrorKind.
func classify(httpStatus, code int) ErrorKind {
	switch {
	case httpStatus == 429 || code == codeTooManyRequests:
		return KindRateLimit
	case httpStatus == 401 || httpStatus == 403 || authCodes[code]:
		return KindAuth
	case httpStatus >= 500:
		return KindNetwork
	default:
		return KindAPI
	}
}

// networkError wraps a transport-level failure.
func networkError(err error) *APIError {
	return &APIError{Kind: KindNetwork, Message: err.Error()}
}

// IsRateLimit reports whether err is a rate-limit rejection.
func IsRateLimit(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindRateLimit
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindAuth
}

// IsNetwork reports whether err is a transient transport failure.
func IsNetwork(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind == KindNetwork
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether a caller may retry the failed call.
func IsRetryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return IsNetwork(err)
}

// IsUnknownOrder reports whether the exchange no longer knows the order,
// typically because it already filled or was cancelled.
func IsUnknownOrder(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == codeUnknownOrder
}

// IsReduceOnlyReject reports whether a reduce-only order was rejected for
// lack of a position to reduce.
func IsReduceOnlyReject(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == codeReduceOnlyReject
}
