package platform

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the bridge's failure taxonomy. Platform
// clients wrap these so the bridge can route on errors.Is without
// knowing platform specifics.
var (
	// ErrUnavailable marks transport-level failure: connection down,
	// timeout, 5xx. The message is queued for retry.
	ErrUnavailable = errors.New("platform unavailable")

	// ErrRateLimited marks a platform-side throttle (HTTP 429).
	ErrRateLimited = errors.New("platform rate limited")

	// ErrSessionConflict marks another live session on the same
	// credentials. The supervisor applies a fixed cooldown plus a
	// session cleanup instead of the normal backoff curve.
	ErrSessionConflict = errors.New("platform session conflict")

	// ErrCapacity marks a platform resource limit, notably the staff
	// platform's channel-count cap. Ticket creation parks in pending.
	ErrCapacity = errors.New("platform capacity reached")

	// ErrNotFound marks a missing platform resource (deleted channel,
	// unknown user). Treated as already-gone, not retried.
	ErrNotFound = errors.New("platform resource not found")
)

// Error is a structured platform failure carrying the platform name,
// the platform's own error code, and the HTTP status when one exists.
// It wraps one of the sentinels so errors.Is routing still works.
type Error struct {
	Platform   string
	Code       string
	Message    string
	StatusCode int
	Kind       error // one of the sentinels above, or nil
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Platform, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

// Unwrap exposes the sentinel for errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

// AsError extracts a structured platform error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
