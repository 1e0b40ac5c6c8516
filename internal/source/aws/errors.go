package aws

import (
	"errors"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/kartta/internal/source"
)

var (
	throttleCodes = map[string]bool{
		"Throttling":                             true,
		"ThrottlingException":                    true,
		"ThrottledException":                     true,
		"RequestLimitExceeded":                   true,
		"TooManyRequestsException":               true,
		"RequestThrottled":                       true,
		"RequestThrottledException":              true,
		"ProvisionedThroughputExceededException": true,
		"SlowDown":                               true,
	}
	permissionCodes = map[string]bool{
		"AccessDenied":                  true,
		"AccessDeniedException":         true,
		"UnauthorizedOperation":         true,
		"AuthorizationError":            true,
		"OptInRequired":                 true,
		"SubscriptionRequiredException": true,
	}
	authCodes = map[string]bool{
		"ExpiredToken":                true,
		"ExpiredTokenException":       true,
		"InvalidClientTokenId":        true,
		"UnrecognizedClientException": true,
		"AuthFailure":                 true,
		"SignatureDoesNotMatch":       true,
	}
)

// classify wraps an SDK error in the source error the enumerator
// understands. Unknown errors are returned as they are and treated as
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := apiErr.ErrorCode()
	switch {
	case throttleCodes[code]:
		return &source.ThrottleError{Err: err}
	case permissionCodes[code]:
		return &source.PermissionError{Err: err}
	case authCodes[code]:
		return &source.AuthError{Err: err}
	}
	return err
}
