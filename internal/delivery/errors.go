package delivery

import "errors"

// The error taxonomy callers dispatch on. Anything else coming out of the
// engine is a persistence failure: reported to the caller, never retried
// here, and the operation is considered not applied.
var (
	ErrUnauthorized   = errors.New("not a participant")
	ErrNotFound       = errors.New("conversation not found")
	ErrInvalidPayload = errors.New("invalid payload")
)
