package errors

import "errors"

// Client-side conditions. These are expected during normal operation and
// are reported through wishlist.Result rather than surfaced to the UI.
var (
	ErrUnauthenticated = errors.New("not signed in")
	ErrOffline         = errors.New("offline")
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrInvalidItem     = errors.New("invalid wishlist item")
)

// Remote service errors.
var (
	ErrSessionExpired = errors.New("session expired")
	ErrRemoteRejected = errors.New("request rejected by wishlist service")
	ErrRemoteFailure  = errors.New("wishlist service failure")
	ErrUnreachable    = errors.New("wishlist service unreachable")
)

// Server-side errors.
var (
	ErrConflict   = errors.New("wishlist modified concurrently")
	ErrBadRequest = errors.New("bad request")
)
