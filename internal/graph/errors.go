package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel error kinds for Graph API failures. Callers branch on these with
// errors.Is to decide between re-auth, backoff and giving up.
var (
	ErrAuthFailed = errors.New("graph: authentication failed")
	ErrThrottled  = errors.New("graph: throttled")
	ErrTransient  = errors.New("graph: transient error")
	ErrPermanent  = errors.New("graph: permanent error")
)

// APIError carries the status and body of a failed Graph call.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph API error (status %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

func newAPIError(status int, body string, retryAfter time.Duration) *APIError {
	e := &APIError{StatusCode: status, Message: body, RetryAfter: retryAfter}
	switch {
	case status == 401 || status == 403:
		e.kind = ErrAuthFailed
	case status == 429:
		e.kind = ErrThrottled
	case status >= 500:
		e.kind = ErrTransient
	default:
		e.kind = ErrPermanent
	}
	return e
}

// newTokenError classifies token endpoint failures. The endpoint reports a
// dead refresh token as 400 invalid_grant, which means the mailbox needs
// re-authorization rather than that the request itself was malformed.
func newTokenError(status int, body string) *APIError {
	e := newAPIError(status, body, 0)
	if status == 400 || strings.Contains(body, "invalid_grant") {
		e.kind = ErrAuthFailed
	}
	return e
}
