// Package providers defines the shared contract every upstream adapter
// implements (Complete, ListModels, Probe) plus the plumbing common to all
// of them: context propagation, HTTP helpers, and error classification.
package providers

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusError captures a non-2xx HTTP response from an upstream provider.
// Adapters inspect it via errors.As to classify the failure.
type StatusError struct {
	StatusCode int
	Body       string

	// RetryAfterSecs is populated from a Retry-After response header when
	// the upstream sent one. Zero means none was specified.
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter reads a Retry-After header value expressed in seconds.
// Providers in this system never send the HTTP-date form, so that form is
// not handled.
func (e *StatusError) ParseRetryAfter(headerValue string) {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return
	}
	if secs, err := strconv.Atoi(headerValue); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// Class is the closed set of error classes adapters must map upstream
// failures onto.
type Class string

const (
	ClassAuth        Class = "auth"
	ClassRateLimited Class = "rate_limited"
	ClassTransient   Class = "transient"
	ClassBadRequest  Class = "bad_request"
)

// ClassifiedError wraps an upstream error with its routing classification.
type ClassifiedError struct {
	Err            error
	Class          Class
	RetryAfterSecs int
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }
