// Package icloud provides an HTTP client for the iCloud web services used by
// the backup engine: Apple ID sign-in, iCloud Drive listing and download, and
// the CloudKit photo library, with retry and error classification.
package icloud

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, icloud.ErrSessionExpired) to check.
var (
	ErrBadRequest     = errors.New("icloud: bad request")
	ErrSessionExpired = errors.New("icloud: session expired")
	ErrForbidden      = errors.New("icloud: forbidden")
	ErrNotFound       = errors.New("icloud: not found")
	ErrConflict       = errors.New("icloud: conflict")
	ErrThrottled      = errors.New("icloud: throttled")
	ErrServerError    = errors.New("icloud: server error")
)

// Authentication errors. These are fatal for the current invocation.
var (
	ErrAuthFailed   = errors.New("icloud: authentication failed")
	ErrMFARequired  = errors.New("icloud: two-factor code required but no prompt available")
	ErrNotLoggedIn  = errors.New("icloud: not logged in")
	ErrNoWebservice = errors.New("icloud: webservice not available for this account")
)

// statusMisdirected is returned by iCloud when the session cookie no longer
// matches the partition serving the account.
const statusMisdirected = 421

// APIError wraps a sentinel error with HTTP status code, response headers
// and the response body for debugging.
type APIError struct {
	StatusCode int
	Header     http.Header
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("icloud: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized, statusMisdirected:
		return ErrSessionExpired
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
