package cmdchan

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeycumines/go-cmdchan/statestream"
)

const (
	// savedDisabled replaces the ring offset in the state of a disabled
	// channel.
	savedDisabled uint32 = 0xFFFFFFFF

	// saveMarker follows the guest control list.
	saveMarker uint32 = 0x434D4443 // "CDMC"
)

// Save writes the channel state to w from the worker: the ring offset, then
// the pending guest controls as (kind, length, offset) triples, then the
// back end state. The channel must be paused, or disabled, in which case only
// a sentinel is written.
func (c *Channel) Save(ctx context.Context, w *statestream.Writer) error {
	return c.await(ctx, &Control{Kind: ControlSaveState, saveTo: w})
}

// Load restores state written by Save into a disabled channel, leaving it
// paused (or disabled, if it was saved disabled). On failure the channel is
// disabled again.
func (c *Channel) Load(ctx context.Context, r *statestream.Reader, version uint32) error {
	return c.await(ctx, &Control{Kind: ControlLoadState, loadFrom: r, version: version})
}

func (c *Channel) save(w *statestream.Writer) error {
	switch s := c.State(); s {
	case StateDisabled:
		w.PutU32(savedDisabled)
		return w.Err()
	case StatePaused:
	default:
		return fmt.Errorf("%w: save from %s", ErrInvalidState, s)
	}

	a := c.attached.Load()
	w.PutU32(a.offset)

	c.mu.Lock()
	var n int
	c.guest.each(func(ctl *Control) bool {
		w.PutU32(uint32(ctl.Kind))
		w.PutU32(uint32(len(ctl.Payload)))
		w.PutU32(ctl.Offset)
		n++
		return w.Err() == nil
	})
	c.mu.Unlock()

	w.PutU32(0)
	w.PutU32(saveMarker)
	if err := w.Err(); err != nil {
		return err
	}

	c.logger.Info().
		Uint64("ring_offset", uint64(a.offset)).
		Int("guest_controls", n).
		Log("channel state saved")

	return c.call("save-state", func() error { return c.backend.SaveState(w) })
}

func (c *Channel) load(r *statestream.Reader, version uint32) error {
	if s := c.State(); s != StateDisabled {
		return fmt.Errorf("%w: load into %s channel", ErrInvalidState, s)
	}

	offset := r.GetU32()
	if err := r.Err(); err != nil {
		return badSaveState(err)
	}
	if offset == savedDisabled {
		return nil
	}

	if err := c.enable(offset, true); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSaveState, err)
	}

	ctls, err := c.loadGuestControls(r)
	if err == nil {
		err = c.call("load-state", func() error { return c.backend.LoadState(r, version) })
	}
	if err != nil {
		_ = c.disable(ErrDisabled)
		return badSaveState(err)
	}

	c.mu.Lock()
	for _, ctl := range ctls {
		c.guest.push(ctl)
	}
	c.guestPending.Add(int64(len(ctls)))
	c.mu.Unlock()
	c.metrics.setPending(c.hostPending.Load(), c.guestPending.Load())

	c.logger.Info().
		Uint64("ring_offset", uint64(offset)).
		Int("guest_controls", len(ctls)).
		Uint64("version", uint64(version)).
		Log("channel state loaded")
	return nil
}

// badSaveState wraps err with ErrBadSaveState unless it already is one.
func badSaveState(err error) error {
	if errors.Is(err, ErrBadSaveState) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBadSaveState, err)
}

func (c *Channel) loadGuestControls(r *statestream.Reader) ([]*Control, error) {
	var ctls []*Control
	for {
		kind := ControlKind(r.GetU32())
		if kind == 0 {
			break
		}
		length, offset := r.GetU32(), r.GetU32()
		if err := r.Err(); err != nil {
			return nil, err
		}
		if !kind.guest() {
			return nil, fmt.Errorf("%w: control kind %d", ErrBadSaveState, kind)
		}
		payload, err := c.regionSlice(offset, length)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSaveState, err)
		}
		ctls = append(ctls, &Control{Kind: kind, Payload: payload, Offset: offset})
	}
	marker := r.GetU32()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if marker != saveMarker {
		return nil, fmt.Errorf("%w: marker %#x", ErrBadSaveState, marker)
	}
	return ctls, nil
}
