// Package auth keeps the session's bearer credential valid. It holds the
// current credential (Provider), obtains new ones from an upstream Source,
// and coordinates refreshes so that concurrent failures across transports
// share a single refresh episode (Coordinator). When a refresh itself fails
// the Coordinator escalates to session invalidation.
package auth

import (
	"errors"
	"fmt"
)

// ErrNotLoggedIn is returned when no credential has been stored.
var ErrNotLoggedIn = errors.New("auth: not logged in")

// ErrNoRefreshToken is returned by sources that hold an access token but no
// refresh grant to exchange.
var ErrNoRefreshToken = errors.New("auth: no refresh token available")

// ErrSessionChanged is returned when the session was switched or logged out
// while a refresh was in flight. The refreshed credential is discarded; it
// says nothing about the validity of the current session.
var ErrSessionChanged = errors.New("auth: session changed during refresh")

// RefreshError reports that the upstream refresh call failed. It is terminal
// for the refresh episode: callers never retry it, the Coordinator invalidates
// the session instead.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("auth: credential refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}
