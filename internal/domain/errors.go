package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	// ErrMalformedPayload marks a transport payload that could not be parsed.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownAction marks an action tag outside the known set.
	ErrUnknownAction = errors.New("unknown action")
	// ErrMissingReference marks an action whose referenced listing item is
	// not known locally.
	ErrMissingReference = errors.New("referenced entity missing")
	// ErrMissingHashField is a programmer error: an entity was hashed without
	// the fields its kind requires.
	ErrMissingHashField = errors.New("entity missing required hash field")
	// ErrUnavailable wraps bounded external calls that timed out or could not
	// reach the collaborator. Callers may retry on a later cycle.
	ErrUnavailable = errors.New("collaborator unavailable")
)
