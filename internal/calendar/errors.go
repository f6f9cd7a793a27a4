package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

// IsRateLimited reports a quota or throttling rejection. The caller must
// stop issuing calls and cool down.
func IsRateLimited(err error) bool {
	return errdefs.IsResourceExhausted(err)
}

// IsTransient reports a failure worth retrying on a later tick.
func IsTransient(err error) bool {
	return errdefs.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports a request the provider will never accept as sent.
func IsPermanent(err error) bool {
	return errdefs.IsInvalidArgument(err) || errdefs.IsPermissionDenied(err) ||
		errdefs.IsUnauthorized(err) || errdefs.IsFailedPrecondition(err)
}

// IsNotFound reports that the calendar or event does not exist (any more).
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// IsAlreadyExists reports that an object with the requested ID exists.
func IsAlreadyExists(err error) bool {
	return errdefs.IsAlreadyExists(err)
}

// FromHTTPStatus classifies an HTTP failure. err is kept in the chain.
func FromHTTPStatus(code int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(code))
	}
	var kind error
	switch {
	case code == http.StatusTooManyRequests:
		kind = errdefs.ErrResourceExhausted
	case code == http.StatusNotFound || code == http.StatusGone:
		kind = errdefs.ErrNotFound
	case code == http.StatusConflict:
		kind = errdefs.ErrAlreadyExists
	case code == http.StatusUnauthorized:
		kind = errdefs.ErrUnauthenticated
	case code == http.StatusForbidden:
		kind = errdefs.ErrPermissionDenied
	case code == http.StatusPreconditionFailed:
		kind = errdefs.ErrFailedPrecondition
	case code == http.StatusRequestTimeout || code >= 500:
		kind = errdefs.ErrUnavailable
	case code >= 400:
		kind = errdefs.ErrInvalidArgument
	default:
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// resultLabel names the class of err for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRateLimited(err):
		return "rate_limited"
	case IsNotFound(err):
		return "not_found"
	case IsAlreadyExists(err):
		return "already_exists"
	case IsTransient(err):
		return "transient"
	case IsPermanent(err):
		return "permanent"
	}
	return "error"
}
