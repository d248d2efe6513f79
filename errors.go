package taskdeck

import "errors"

var (
	// ErrNotSignedIn is returned by mutation entry points when no actor
	// is bound. No network call is made.
	ErrNotSignedIn = errors.New("taskdeck: not signed in")

	// ErrForbidden is returned when the actor's access role does not
	// permit the attempted action. No network call is made.
	ErrForbidden = errors.New("taskdeck: permission denied")

	// ErrNotFound is returned when an operation names a record the
	// cached collection does not contain.
	ErrNotFound = errors.New("taskdeck: record not found")

	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("taskdeck: manager disposed")
)
