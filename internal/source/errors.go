package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/kartta/types"
)

// ThrottleError is returned when the upstream asks us to slow down.
type ThrottleError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// PermissionError is returned when the credential lacks access to a unit.
// It is never retried.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string { return fmt.Sprintf("permission denied: %v", e.Err) }

func (e *PermissionError) Unwrap() error { return e.Err }

// AuthError is returned when the credential itself is rejected.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// Classify maps a listing error onto the discovery taxonomy. Anything
// unrecognized is treated as transient.
func Classify(err error) (kind types.ErrorKind, retryAfter time.Duration) {
	var (
		throttle *ThrottleError
		perm     *PermissionError
		auth     *AuthError
	)
	switch {
	case err == nil:
		return "", 0
	case errors.As(err, &throttle):
		return types.KindTransientSource, throttle.RetryAfter
	case errors.As(err, &perm):
		return types.KindPermissionDenied, 0
	case errors.As(err, &auth):
		return types.KindCredential, 0
	case errors.Is(err, types.ErrPermissionDenied):
		return types.KindPermissionDenied, 0
	case errors.Is(err, types.ErrCredential):
		return types.KindCredential, 0
	default:
		return types.KindTransientSource, 0
	}
}

// IsThrottle reports whether err is a throttle signal.
func IsThrottle(err error) bool {
	var throttle *ThrottleError
	return errors.As(err, &throttle)
}

// IsContextError reports whether err is cancellation rather than a
// source failure.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
