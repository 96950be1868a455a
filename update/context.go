package update

import (
	"github.com/google/uuid"

	"github.com/openenterprise/otacore/flash"
	"github.com/openenterprise/otacore/slot"
)

type state int

const (
	stateIdle state = iota
	stateBegun
	stateFileOpen
	stateFinalized
	stateError
)

// target identifies which component of the manifest a FileBegin call
// resolved to, resolved once and carried on the context rather than
// re-derived from the filename on every call.
type target int

const (
	targetNone target = iota
	targetBoot
	targetFw
	targetFs
)

// Action is the transport-facing result of FileBegin.
type Action int

const (
	ActionProcess Action = iota
	ActionSkip
	ActionAbort
)

// Context is the opaque, owned handle returned by Driver.Begin and
// threaded through the rest of an update. Callers hold it only as an
// identity; apart from ID and StatusMsg, its fields are private to the
// driver.
type Context struct {
	ID uuid.UUID

	state            state
	manifest         Manifest
	updateBootloader bool

	oldActive uint8
	inactive  uint8
	layout    slot.Layout // inactive slot's layout

	bootAddr       uint32
	bootConfigAddr uint32
	flashParams    [4]byte

	current     target
	writer      *flash.Writer
	expectedHex string

	fwSize, fsSize uint32
	observedSize   uint32

	StatusMsg string
}

// InactiveSlot returns the slot index targeted by this update.
func (c *Context) InactiveSlot() uint8 { return c.inactive }
