package types

import "errors"

var (
	// store errors
	ErrStoreUnavailable = errors.New("coordination store unavailable")
	ErrStoreTimeout     = errors.New("coordination store call timed out")
	ErrMalformedValue   = errors.New("malformed coordination value")
	ErrInvalidTTL       = errors.New("invalid TTL")

	// ownership errors
	ErrNotAcquired = errors.New("ownership not acquired")
	ErrNotOwner    = errors.New("caller is not the current owner")
	ErrNotHeld     = errors.New("ownership not held by this process")

	// election errors
	ErrNotLeader = errors.New("not leader for identity")

	// registry errors
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrInvalidConnectionID = errors.New("invalid connection id")
)
