package core

import "errors"

// Error taxonomy shared by every layer. Callers match with errors.Is; the
// wrapping layer adds the detail.
var (
	// ErrNotFound is returned by HandleTable lookups of unknown or removed handles.
	ErrNotFound = errors.New("handle not found")
	// ErrInvalidHandle reports an unknown or removed mesh or instance handle.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrInvalidSlot reports a slot index outside an instance buffer.
	ErrInvalidSlot = errors.New("invalid instance slot")
	// ErrValidation reports malformed client input.
	ErrValidation = errors.New("validation error")
	// ErrCapacity reports that the device cannot hold the requested instances.
	ErrCapacity = errors.New("capacity error")
	// ErrDevice reports a failed resource creation or device call.
	ErrDevice = errors.New("device error")
)
