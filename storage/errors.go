package storage

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrPayloadConflict indicates a payload was resubmitted with the same
	// derived id but different payload bytes. The original row is untouched.
	ErrPayloadConflict = errors.New("storage: conflicting payload for existing id")
	// ErrUnknownState indicates a stored state integer decoded to no known
	// variant. Unrecognized values fail closed rather than defaulting.
	ErrUnknownState = errors.New("storage: unknown state value")
	// ErrBadState indicates a transition between two known states that the
	// lifecycle does not allow, such as moving a message backward.
	ErrBadState = errors.New("storage: state transition not allowed")
)
