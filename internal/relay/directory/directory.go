// Package directory is the relay's read-mostly view of externally
// owned records: which uuid maps to which hub and account, which
// devices belong to a user, and the notification log. The core only
// consumes the interfaces declared by its packages; this package
// provides the embedded SQLite implementation.
package directory

import (
	"errors"
	"time"
)

var (
	// ErrHubUnknown is returned when no hub is registered under a uuid.
	ErrHubUnknown = errors.New("hub not registered")

	// ErrNoHub is returned when a user has no hub to route to.
	ErrNoHub = errors.New("no hub for user")
)

// HubRecord maps an externally presented uuid to the hub's internal
// identity. Read-only to the core; queried once per channel
// acceptance.
type HubRecord struct {
	UUID        string
	Secret      string
	HubID       string
	AccountID   string
	OwnerUserID string
	LastOnline  time.Time
}

// Device is one registered mobile device of a user.
type Device struct {
	Token  string
	UserID string
}
