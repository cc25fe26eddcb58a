package cmdchan

import (
	"github.com/joeycumines/go-cmdchan/statestream"
)

// ControlKind identifies a control request. The values are persisted in
// saved state.
type ControlKind uint32

const (
	ControlPause ControlKind = iota + 1
	ControlResume
	ControlSaveState
	ControlLoadState
	ControlLoadStateDone
	ControlHostOpaque
	ControlTerminate
	ControlGuestOpaque
	ControlEnable
	ControlEnablePaused
	ControlDisable
	ControlResize
)

func (k ControlKind) String() string {
	switch k {
	case ControlPause:
		return "pause"
	case ControlResume:
		return "resume"
	case ControlSaveState:
		return "save-state"
	case ControlLoadState:
		return "load-state"
	case ControlLoadStateDone:
		return "load-state-done"
	case ControlHostOpaque:
		return "host-opaque"
	case ControlTerminate:
		return "terminate"
	case ControlGuestOpaque:
		return "guest-opaque"
	case ControlEnable:
		return "enable"
	case ControlEnablePaused:
		return "enable-paused"
	case ControlDisable:
		return "disable"
	case ControlResize:
		return "resize"
	default:
		return "unknown"
	}
}

// guest reports whether controls of this kind go on the guest list.
func (k ControlKind) guest() bool {
	return k == ControlGuestOpaque || k == ControlResize
}

// lifecycle reports whether the kind may be submitted while disabled.
func (k ControlKind) lifecycle() bool {
	switch k {
	case ControlEnable, ControlEnablePaused, ControlDisable, ControlTerminate,
		ControlSaveState, ControlLoadState, ControlLoadStateDone:
		return true
	default:
		return false
	}
}

// CompletionFunc receives a control once it has been processed, on the
// worker goroutine. It is called exactly once per submitted control.
type CompletionFunc func(ctl *Control, err error)

// Control is an out-of-band request. Ownership passes to the channel on
// submission and back to the completion function.
type Control struct {
	// Payload is the opaque body handed to the back end. For guest controls
	// it aliases the shared region.
	Payload []byte

	done CompletionFunc

	saveTo   *statestream.Writer
	loadFrom *statestream.Reader

	Kind ControlKind

	// Offset is the position of Payload in the shared region, for guest
	// controls.
	Offset uint32

	// ringOffset locates the ring for enable controls.
	ringOffset uint32
	// resultOffset, for enable/disable requests issued by the guest, is the
	// position of the record whose result word receives the outcome.
	resultOffset uint32
	guestRecord  bool

	version uint32
}
