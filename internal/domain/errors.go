package domain

import "errors"

// Sentinel errors for business-rule violations. Handlers match these with
// errors.Is and translate them into user-correctable responses: ErrInvalidInput
// becomes HTTP 400, ErrNotFound 404, ErrInvalidState 409.

// ErrInvalidInput is returned when an ETA request is malformed, for example
// when neither or both time specifications are given.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotFound is returned when no active session exists or the user has no
// ETA in it. The fix is user-side: set an ETA first.
var ErrNotFound = errors.New("not found")

// ErrInvalidState is returned on an illegal status transition, such as
// marking a user arrived when their ETA already reached a terminal state.
var ErrInvalidState = errors.New("invalid state")
