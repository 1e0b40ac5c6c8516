package azure

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/yairfalse/kartta/internal/source"
)

// classify wraps a Resource Manager error in the source error the
// enumerator understands. Other errors pass through as transient.
func classify(err error) error {
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return &source.AuthError{Err: err}
	}

	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusUnauthorized:
		return &source.AuthError{Err: err}
	case http.StatusForbidden:
		return &source.PermissionError{Err: err}
	case http.StatusTooManyRequests:
		return &source.ThrottleError{RetryAfter: retryAfter(respErr.RawResponse), Err: err}
	}
	return err
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
