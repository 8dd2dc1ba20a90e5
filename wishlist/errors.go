package wishlist

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/wishlist-sync/internal/errors"
)

// Errors returned by the package. They alias the shared sentinels so
// callers can use errors.Is without importing internal packages.
var (
	ErrUnauthenticated = apperrors.ErrUnauthenticated
	ErrOffline         = apperrors.ErrOffline
	ErrSyncInProgress  = apperrors.ErrSyncInProgress
	ErrInvalidItem     = apperrors.ErrInvalidItem
	ErrSessionExpired  = apperrors.ErrSessionExpired
	ErrRemoteRejected  = apperrors.ErrRemoteRejected
	ErrRemoteFailure   = apperrors.ErrRemoteFailure
	ErrUnreachable     = apperrors.ErrUnreachable
)

// APIError is a non-2xx response from the wishlist service.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
	kind     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Status, e.Message)
}

// Unwrap returns the sentinel matching the status class.
func (e *APIError) Unwrap() error {
	return e.kind
}

func newAPIError(endpoint string, status int, message string) *APIError {
	kind := ErrRemoteRejected
	switch {
	case status == 401:
		kind = ErrSessionExpired
	case status >= 500:
		kind = ErrRemoteFailure
	}
	return &APIError{Endpoint: endpoint, Status: status, Message: message, kind: kind}
}

// deferrable reports whether a failed remote call should be recorded in
// the change log and retried later instead of rolled back.
func deferrable(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrRemoteFailure) ||
		errors.Is(err, context.DeadlineExceeded)
}
