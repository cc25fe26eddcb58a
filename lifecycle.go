package cmdchan

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-cmdchan/internal/shm"
	"github.com/joeycumines/go-cmdchan/ring"
)

// Guest enable record flags.
const (
	GuestEnable  uint32 = 1
	GuestDisable uint32 = 2
	GuestPaused  uint32 = 4
)

// GuestEnableRecordSize is the size of the guest enable/disable record:
// flags u32, ring offset u32, result i32.
const GuestEnableRecordSize = 12

// Enable attaches the ring at offset in the shared region and starts
// draining it, or leaves it paused.
func (c *Channel) Enable(ctx context.Context, offset uint32, paused bool) error {
	kind := ControlEnable
	if paused {
		kind = ControlEnablePaused
	}
	return c.await(ctx, &Control{Kind: kind, ringOffset: offset})
}

// Disable detaches the ring. Guest controls still queued fail with
// ErrDisabled. Disabling a disabled channel succeeds.
func (c *Channel) Disable(ctx context.Context) error {
	return c.await(ctx, &Control{Kind: ControlDisable})
}

// Pause stops ring commands and guest controls from draining. The channel
// must be enabled.
func (c *Channel) Pause(ctx context.Context) error {
	return c.await(ctx, &Control{Kind: ControlPause})
}

// Resume undoes Pause, or a Load.
func (c *Channel) Resume(ctx context.Context) error {
	return c.await(ctx, &Control{Kind: ControlResume})
}

// Shutdown disables the channel, fails every queued control with
// ErrTerminated and makes Run return.
func (c *Channel) Shutdown(ctx context.Context) error {
	return c.await(ctx, &Control{Kind: ControlTerminate})
}

// LoadDone tells the back end a restore has finished. It does not wait.
func (c *Channel) LoadDone() error {
	return c.submit(&Control{Kind: ControlLoadStateDone})
}

// HostControl passes payload to the back end from the worker, waiting for
// the result.
func (c *Channel) HostControl(ctx context.Context, payload []byte) error {
	return c.await(ctx, &Control{Kind: ControlHostOpaque, Payload: payload})
}

// SubmitHostControl queues an opaque host control. done may be nil.
func (c *Channel) SubmitHostControl(payload []byte, done CompletionFunc) error {
	return c.submit(&Control{Kind: ControlHostOpaque, Payload: payload, done: done})
}

// SubmitGuestControl queues a guest control whose payload is length bytes
// at offset in the shared region. Only ControlGuestOpaque and ControlResize
// are guest controls. It fails with ErrInvalidState while disabled.
func (c *Channel) SubmitGuestControl(kind ControlKind, offset, length uint32, done CompletionFunc) error {
	if !kind.guest() {
		return fmt.Errorf("%w: %s is not a guest control", ErrInvalidControl, kind)
	}
	payload, err := c.regionSlice(offset, length)
	if err != nil {
		return err
	}
	return c.submit(&Control{Kind: kind, Payload: payload, Offset: offset, done: done})
}

// GuestEnableControl queues the guest's enable or disable request, read from
// the record at recordOffset in the shared region. The outcome is also
// written to the record's result word, 0 or -1.
func (c *Channel) GuestEnableControl(recordOffset uint32, done CompletionFunc) error {
	rec, err := c.regionSlice(recordOffset, GuestEnableRecordSize)
	if err != nil {
		return err
	}
	if recordOffset%4 != 0 {
		return fmt.Errorf("%w: misaligned enable record %#x", ErrInvalidControl, recordOffset)
	}
	flags := shm.LoadUint32(rec, 0)
	ctl := &Control{
		Offset:       recordOffset,
		Payload:      rec,
		ringOffset:   shm.LoadUint32(rec, 4),
		resultOffset: recordOffset + 8,
		guestRecord:  true,
		done:         done,
	}
	switch {
	case flags&GuestEnable != 0 && flags&GuestDisable == 0:
		ctl.Kind = ControlEnable
		if flags&GuestPaused != 0 {
			ctl.Kind = ControlEnablePaused
		}
	case flags&GuestDisable != 0 && flags&GuestEnable == 0:
		ctl.Kind = ControlDisable
	default:
		c.violation("enable-flags").
			Uint64("flags", uint64(flags)).
			Log("guest enable record has invalid flags")
		return fmt.Errorf("%w: enable flags %#x", ErrInvalidControl, flags)
	}
	return c.submit(ctl)
}

func (c *Channel) storeGuestResult(offset uint32, err error) {
	var v int32
	if err != nil {
		v = -1
	}
	shm.StoreUint32(c.region, int(offset), uint32(v))
}

func (c *Channel) regionSlice(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(c.region)) {
		return nil, fmt.Errorf("%w: %d bytes at %#x", ErrOutOfBounds, length, offset)
	}
	return c.region[offset:end:end], nil
}

// await submits ctl and waits for its completion or for ctx.
func (c *Channel) await(ctx context.Context, ctl *Control) error {
	ch := make(chan error, 1)
	ctl.done = func(_ *Control, err error) { ch <- err }
	if err := c.submit(ctl); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enable attaches the ring. Worker only.
func (c *Channel) enable(offset uint32, paused bool) error {
	if s := c.State(); s != StateDisabled {
		return fmt.Errorf("%w (%s)", ErrAlreadyEnabled, s)
	}
	if offset%4 != 0 || uint64(offset) >= uint64(len(c.region)) {
		return fmt.Errorf("%w: ring offset %#x", ErrOutOfBounds, offset)
	}
	d, err := ring.Attach(c.region[offset:])
	if err != nil {
		return fmt.Errorf("cmdchan: attach ring at %#x: %w", offset, err)
	}

	if err := c.call("enable", func() error {
		return c.backend.Enable(Services{Region: c.region, Mapper: c.mapper})
	}); err != nil {
		return err
	}
	d.ResetEvents()

	state := StateEnabled
	if paused {
		state = StatePaused
	}
	c.faulted.Store(false)
	c.attached.Store(&attachment{desc: d, offset: offset})
	c.setState(state)
	// the worker holds the token
	d.SetEvents(ring.EventProcessing)

	c.logger.Info().
		Uint64("ring_offset", uint64(offset)).
		Uint64("data_size", uint64(d.DataSize())).
		Stringer("state", state).
		Log("channel enabled")
	return nil
}

// disable detaches the ring, failing queued guest controls with reason.
// Worker only.
func (c *Channel) disable(reason error) error {
	if c.State() == StateDisabled {
		return nil
	}

	c.clearProcessing()

	c.mu.Lock()
	c.state.Store(int32(StateDisabled))
	c.attached.Store(nil)
	dropped := c.guest.drain()
	c.guestPending.Add(-int64(len(dropped)))
	c.mu.Unlock()

	c.faulted.Store(false)
	c.metrics.setPending(c.hostPending.Load(), c.guestPending.Load())

	err := c.call("disable", c.backend.Disable)

	for _, ctl := range dropped {
		c.complete(ctl, reason)
	}

	c.logger.Info().
		Int("dropped_controls", len(dropped)).
		Log("channel disabled")
	return err
}

func (c *Channel) pause() error {
	if s := c.State(); s != StateEnabled {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, s)
	}
	c.setState(StatePaused)
	c.logger.Info().Log("channel paused")
	return nil
}

func (c *Channel) resume() error {
	if s := c.State(); s != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, s)
	}
	c.setState(StateEnabled)
	c.logger.Info().Log("channel resumed")
	return nil
}

// terminate disables the channel and fails everything still queued.
func (c *Channel) terminate(ctl *Control) {
	err := c.disable(ErrTerminated)

	c.mu.Lock()
	c.terminated.Store(true)
	dropped := c.host.drain()
	dropped = append(dropped, c.guest.drain()...)
	c.hostPending.Store(0)
	c.guestPending.Store(0)
	c.mu.Unlock()

	c.metrics.setPending(0, 0)
	for _, d := range dropped {
		c.complete(d, ErrTerminated)
	}
	c.complete(ctl, err)
}
