package cmdchan

import (
	"context"
	"errors"
	"fmt"

	"github.com/panjf2000/ants/v2"

	"github.com/joeycumines/go-cmdchan/command"
)

// Buffer descriptor flags. With neither set, Location is a guest-physical
// address and the buffer must lie within one guest page.
const (
	// BufferRegionOffset means Location is an offset into the shared region.
	BufferRegionOffset uint16 = 1
	// BufferInline means the buffer is Inline.
	BufferInline uint16 = 2
)

// BufferDescriptor locates a synchronous command buffer.
type BufferDescriptor struct {
	Inline   []byte
	Location uint64
	Size     uint32
	Flags    uint16
}

// SubmitBuffer executes the buffer described by desc on the buffer pool,
// then calls done with the outcome. It fails with ErrBufferPoolOverloaded
// when every buffer worker is busy.
func (c *Channel) SubmitBuffer(desc BufferDescriptor, done func(error)) error {
	if c.terminated.Load() {
		return ErrTerminated
	}
	err := c.buffers.Submit(func() {
		err := c.execBuffer(desc)
		if done != nil {
			c.safeExecute(func() { done(err) })
		}
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrBufferPoolOverloaded
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrTerminated
	default:
		return err
	}
}

// ExecBuffer executes the buffer described by desc and waits for the
// outcome.
func (c *Channel) ExecBuffer(ctx context.Context, desc BufferDescriptor) error {
	ch := make(chan error, 1)
	if err := c.SubmitBuffer(desc, func(err error) { ch <- err }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) execBuffer(desc BufferDescriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
		c.metrics.buffer(err)
		if err != nil {
			c.logger.Debug().
				Uint64("flags", uint64(desc.Flags)).
				Uint64("location", desc.Location).
				Err(err).
				Log("command buffer failed")
		}
	}()

	buf, release, err := c.resolveBuffer(desc)
	if err != nil {
		return err
	}
	defer release()

	x := command.BufferExecutor{
		Mapper:    c.mapper,
		Forwarder: c.backend,
		DirtyRect: c.opts.onDirtyRect,
		Region:    c.region,
	}
	return x.Execute(buf)
}

func (c *Channel) resolveBuffer(desc BufferDescriptor) ([]byte, func(), error) {
	switch desc.Flags {
	case BufferInline:
		if uint64(desc.Size) > uint64(len(desc.Inline)) {
			return nil, nil, fmt.Errorf("%w: inline buffer of %d bytes, size %d", ErrOutOfBounds, len(desc.Inline), desc.Size)
		}
		return desc.Inline[:desc.Size], func() {}, nil

	case BufferRegionOffset:
		if desc.Location > uint64(len(c.region)) {
			return nil, nil, fmt.Errorf("%w: buffer offset %#x", ErrOutOfBounds, desc.Location)
		}
		b, err := c.regionSlice(uint32(desc.Location), desc.Size)
		return b, func() {}, err

	case 0:
		if c.mapper == nil {
			return nil, nil, command.ErrNoMapper
		}
		if desc.Location&command.PageMask+uint64(desc.Size) > command.PageSize {
			return nil, nil, fmt.Errorf("%w: buffer at %#x crosses a guest page", ErrOutOfBounds, desc.Location)
		}
		page, release, err := c.mapper.MapGuestPage(desc.Location, false)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", command.ErrPageMapping, err)
		}
		if uint64(len(page)) < uint64(desc.Size) {
			release()
			return nil, nil, fmt.Errorf("%w: short guest mapping", ErrOutOfBounds)
		}
		return page[:desc.Size], release, nil

	default:
		return nil, nil, fmt.Errorf("%w: buffer flags %#x", ErrInvalidControl, desc.Flags)
	}
}
