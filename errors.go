package meshpass

import "github.com/gekko3d/meshpass/rt/core"

// Errors returned by the renderers. Match with errors.Is.
var (
	ErrInvalidHandle = core.ErrInvalidHandle
	ErrValidation    = core.ErrValidation
	ErrCapacity      = core.ErrCapacity
	ErrDevice        = core.ErrDevice
	ErrNotFound      = core.ErrNotFound
	ErrInvalidSlot   = core.ErrInvalidSlot
)
