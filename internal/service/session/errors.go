package session

import "errors"

var (
	// ErrSessionNotFound is returned for ids that were never issued or were terminated.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidArgument rejects malformed input before any guard or engine call.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSessionBroken marks a session whose execution state may no longer match its history.
	ErrSessionBroken = errors.New("session state diverged from history")
	// ErrCapacity is returned when the configured session limit is reached.
	ErrCapacity = errors.New("session capacity reached")
	// ErrRegistryClosed is returned by Create once Close has started.
	ErrRegistryClosed = errors.New("session registry is closed")
	// ErrDuplicateSession signals an id collision. Ids are generated, so this is an invariant violation.
	ErrDuplicateSession = errors.New("duplicate session id")
)
