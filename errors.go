package cmdchan

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not valid in the
	// current lifecycle state.
	ErrInvalidState = errors.New("cmdchan: invalid state")

	// ErrAlreadyEnabled is returned by Enable on an enabled or paused channel.
	ErrAlreadyEnabled = fmt.Errorf("%w: already enabled", ErrInvalidState)

	// ErrDisabled completes guest controls still queued when the channel is
	// disabled.
	ErrDisabled = errors.New("cmdchan: channel disabled")

	// ErrInvalidControl is returned for a malformed or unknown control.
	ErrInvalidControl = errors.New("cmdchan: invalid control")

	// ErrTerminated is returned after the channel has processed a terminate
	// control, and completes every control still queued at that point.
	ErrTerminated = errors.New("cmdchan: channel terminated")

	// ErrAlreadyRunning is returned by a concurrent call to Run.
	ErrAlreadyRunning = errors.New("cmdchan: worker already running")

	// ErrOutOfBounds is returned for offsets or lengths outside the shared
	// region.
	ErrOutOfBounds = errors.New("cmdchan: out of bounds")

	// ErrBufferPoolOverloaded is returned by SubmitBuffer when every buffer
	// worker is busy.
	ErrBufferPoolOverloaded = errors.New("cmdchan: buffer pool overloaded")

	// ErrBadSaveState is returned by Load for a malformed state stream.
	ErrBadSaveState = errors.New("cmdchan: bad saved state")
)

// PanicError wraps a value recovered from a panic in a back-end call or a
// completion callback.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("cmdchan: panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
