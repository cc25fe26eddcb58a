package cmdchan

import (
	"fmt"

	"github.com/joeycumines/go-cmdchan/command"
	"github.com/joeycumines/go-cmdchan/statestream"
)

// Services are the facilities handed to a back end when the channel is
// enabled.
type Services struct {
	// Region is the whole shared region.
	Region []byte
	// Mapper maps guest-physical pages. It may be nil.
	Mapper command.PageMapper
}

// Backend executes the commands and controls the channel does not interpret
// itself, and follows the channel lifecycle. Every method is called from the
// worker goroutine, except ForwardCommand, which buffer workers also call.
type Backend interface {
	command.Forwarder
	HostControl(payload []byte) error
	GuestControl(kind ControlKind, payload []byte) error
	Enable(services Services) error
	Disable() error
	SaveState(w *statestream.Writer) error
	LoadState(r *statestream.Reader, version uint32) error
	LoadStateDone() error
}

// nopBackend is used when no back end is configured.
type nopBackend struct{}

func (nopBackend) ForwardCommand([]byte) error {
	return fmt.Errorf("%w: no back end", command.ErrUnsupported)
}

func (nopBackend) HostControl([]byte) error {
	return fmt.Errorf("%w: no back end", command.ErrUnsupported)
}

func (nopBackend) GuestControl(ControlKind, []byte) error {
	return fmt.Errorf("%w: no back end", command.ErrUnsupported)
}

func (nopBackend) Enable(Services) error { return nil }
func (nopBackend) Disable() error { return nil }
func (nopBackend) SaveState(*statestream.Writer) error { return nil }
func (nopBackend) LoadState(*statestream.Reader, uint32) error { return nil }
func (nopBackend) LoadStateDone() error { return nil }
