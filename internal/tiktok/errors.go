package tiktok

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// searchIDInvalidPattern matches the API bug where a search ID the API just
// issued is rejected as invalid; such requests succeed on a later attempt.
var searchIDInvalidPattern = regexp.MustCompile(`Search Id \d+ is invalid or expired`)

// RateLimitError reports a 429 response: the daily request quota is spent.
// The quota resets deterministically at UTC midnight, so the error is
// recoverable by waiting.
type RateLimitError struct {
	RequestsSent int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("api rate limit exceeded after %d requests", e.RequestsSent)
}

// ServerError reports a 500 response. The API does this occasionally; the
// request may be retried as-is.
type ServerError struct {
	Body string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("api server error: %s", e.Body)
}

// RequestError reports a request the API rejected (400 and other
// non-retryable statuses).
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("api rejected request (status %d, code %q): %s", e.StatusCode, e.Code, e.Message)
}

// InvalidSearchIDError reports the API rejecting a search ID or cursor it
// issued itself. Retried with a short linear wait as a workaround.
type InvalidSearchIDError struct {
	RequestError
}

// Unwrap exposes the underlying RequestError to errors.As.
func (e *InvalidSearchIDError) Unwrap() error {
	return &e.RequestError
}

// InvalidUsernameError reports a user info request for a username the API
// cannot find.
type InvalidUsernameError struct {
	RequestError
}

func (e *InvalidUsernameError) Unwrap() error {
	return &e.RequestError
}

// RefusedUsernameError reports the API declining to return a user's
// information.
type RefusedUsernameError struct {
	RequestError
}

func (e *RefusedUsernameError) Unwrap() error {
	return &e.RequestError
}

// DecodeError reports a response body that should have been JSON but was not
// decodable. Observed transiently from the API; retried once.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode api response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FailureKind classifies an error for the retry policy.
type FailureKind int

// Failure classifications, from most to least severe.
const (
	// FailureFatal is never retried.
	FailureFatal FailureKind = iota
	// FailureTransient gets bounded exponential backoff.
	FailureTransient
	// FailureQuota gets unbounded retry under the configured wait strategy.
	FailureQuota
	// FailureSearchID gets a short linear wait (API search-ID bug).
	FailureSearchID
)

func (k FailureKind) String() string {
	switch k {
	case FailureFatal:
		return "fatal"
	case FailureTransient:
		return "transient"
	case FailureQuota:
		return "quota_exceeded"
	case FailureSearchID:
		return "invalid_search_id"
	}
	return "unknown"
}

// Classify maps an error from the request client onto a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureFatal
	}
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return FailureQuota
	}
	var searchID *InvalidSearchIDError
	if errors.As(err, &searchID) {
		return FailureSearchID
	}
	var request *RequestError
	if errors.As(err, &request) {
		return FailureFatal
	}
	var server *ServerError
	if errors.As(err, &server) {
		return FailureTransient
	}
	var decode *DecodeError
	if errors.As(err, &decode) {
		return FailureTransient
	}
	// Network and transport failures.
	return FailureTransient
}
