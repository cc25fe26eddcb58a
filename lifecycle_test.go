package cmdchan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-cmdchan/internal/shm"
	"github.com/joeycumines/go-cmdchan/ring"
)

func TestLifecycleTransitions(t *testing.T) {
	h := newHarness(t)
	h.run()
	ctx := testContext(t)

	assert.ErrorIs(t, h.c.Pause(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.c.Resume(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.c.HostControl(ctx, nil), ErrInvalidState)
	require.NoError(t, h.c.Disable(ctx), "disable is idempotent")

	require.NoError(t, h.c.Enable(ctx, testRingOffset, false))
	off, ok := h.c.RingOffset()
	assert.True(t, ok)
	assert.Equal(t, uint32(testRingOffset), off)

	err := h.c.Enable(ctx, testRingOffset, false)
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, h.c.Resume(ctx), ErrInvalidState)

	require.NoError(t, h.c.Pause(ctx))
	assert.ErrorIs(t, h.c.Pause(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.c.Enable(ctx, testRingOffset, false), ErrAlreadyEnabled)
	require.NoError(t, h.c.Resume(ctx))

	require.NoError(t, h.c.Disable(ctx))
	require.NoError(t, h.c.Disable(ctx))
	assert.Equal(t, StateDisabled, h.c.State())
	_, ok = h.c.RingOffset()
	assert.False(t, ok)

	h.backend.mu.Lock()
	assert.Equal(t, 1, h.backend.enables)
	assert.Equal(t, 1, h.backend.disables)
	h.backend.mu.Unlock()

	logs := h.logs.String()
	assert.Contains(t, logs, `"msg":"channel enabled"`)
	assert.Contains(t, logs, `"msg":"channel paused"`)
	assert.Contains(t, logs, `"msg":"channel disabled"`)
}

func TestEnableRejects(t *testing.T) {
	h := newHarness(t)
	h.run()
	ctx := testContext(t)

	assert.ErrorIs(t, h.c.Enable(ctx, testRingOffset+2, false), ErrOutOfBounds)
	assert.ErrorIs(t, h.c.Enable(ctx, testRegionSize, false), ErrOutOfBounds)
	assert.ErrorIs(t, h.c.Enable(ctx, 0, false), ring.ErrBadDataSize, "no ring formatted there")
	assert.ErrorIs(t, h.c.Enable(ctx, testRegionSize-256, false), ring.ErrShortRegion)

	boom := errors.New("boom")
	h.backend.mu.Lock()
	h.backend.enableErr = boom
	h.backend.mu.Unlock()
	shm.StoreUint32(h.region.Bytes()[testRingOffset:], 0, 0x5A5A)
	assert.ErrorIs(t, h.c.Enable(ctx, testRingOffset, false), boom)
	assert.Equal(t, StateDisabled, h.c.State())
	assert.Equal(t, uint32(0x5A5A), h.producer.Events(), "a failed enable leaves the ring untouched")
}

func TestEnableClearsEvents(t *testing.T) {
	h := newHarness(t)
	shm.StoreUint32(h.region.Bytes()[testRingOffset:], 0, 0xFFFF)
	require.NoError(t, h.c.enable(testRingOffset, false))
	assert.Equal(t, ring.EventProcessing, h.producer.Events(), "the worker owns the token while enabling")
	assert.False(t, h.c.releaseIfIdle())
	assert.Zero(t, h.producer.Events())
}

func TestGuestControlValidation(t *testing.T) {
	h := newHarness(t)
	h.run()
	ctx := testContext(t)

	assert.ErrorIs(t, h.c.SubmitGuestControl(ControlGuestOpaque, 0, 4, nil), ErrInvalidState)

	require.NoError(t, h.c.Enable(ctx, testRingOffset, false))
	assert.ErrorIs(t, h.c.SubmitGuestControl(ControlHostOpaque, 0, 4, nil), ErrInvalidControl)
	assert.ErrorIs(t, h.c.SubmitGuestControl(ControlGuestOpaque, testRegionSize-2, 4, nil), ErrOutOfBounds)

	done := make(chan error, 1)
	copy(h.c.Region()[64:], "opaque")
	require.NoError(t, h.c.SubmitGuestControl(ControlGuestOpaque, 64, 6, func(ctl *Control, err error) {
		assert.Equal(t, uint32(64), ctl.Offset)
		done <- err
	}))
	require.NoError(t, <-done)
	assert.Equal(t, []guestCall{{kind: ControlGuestOpaque, payload: []byte("opaque")}}, h.backend.guestCalls())
}

func TestDisableFailsQueuedGuestControls(t *testing.T) {
	h := newHarness(t)
	h.run()
	ctx := testContext(t)
	require.NoError(t, h.c.Enable(ctx, testRingOffset, true))

	errs := make(chan error, 3)
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, h.c.SubmitGuestControl(ControlGuestOpaque, i*8, 8, func(_ *Control, err error) { errs <- err }))
	}
	assert.Equal(t, 3, h.c.Pending())

	require.NoError(t, h.c.Disable(ctx))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, ErrDisabled)
	}
	assert.Zero(t, h.c.Pending())
	assert.Empty(t, h.backend.guestCalls())
}

func TestGuestEnableControl(t *testing.T) {
	h := newHarness(t)
	h.run()
	region := h.c.Region()

	const rec = 0x200
	putRecord := func(flags, offset uint32) {
		shm.StoreUint32(region, rec, flags)
		shm.StoreUint32(region, rec+4, offset)
		shm.StoreUint32(region, rec+8, 0x7777)
	}
	submit := func() error {
		done := make(chan error, 1)
		if err := h.c.GuestEnableControl(rec, func(_ *Control, err error) { done <- err }); err != nil {
			return err
		}
		return <-done
	}
	result := func() int32 { return int32(shm.LoadUint32(region, rec+8)) }

	putRecord(GuestEnable|GuestPaused, testRingOffset)
	require.NoError(t, submit())
	assert.Equal(t, StatePaused, h.c.State())
	assert.Zero(t, result())

	putRecord(GuestEnable, testRingOffset)
	assert.ErrorIs(t, submit(), ErrAlreadyEnabled)
	assert.Equal(t, int32(-1), result())

	putRecord(GuestDisable, 0)
	require.NoError(t, submit())
	assert.Equal(t, StateDisabled, h.c.State())
	assert.Zero(t, result())

	putRecord(GuestEnable|GuestDisable, 0)
	assert.ErrorIs(t, submit(), ErrInvalidControl)
	assert.Equal(t, int32(0x7777), result())
	assert.Contains(t, h.logs.String(), `"violation":"enable-flags"`)

	assert.ErrorIs(t, h.c.GuestEnableControl(rec+2, nil), ErrInvalidControl)
	assert.ErrorIs(t, h.c.GuestEnableControl(testRegionSize-8, nil), ErrOutOfBounds)
}

func TestHostControlPanic(t *testing.T) {
	h := newHarness(t)
	h.backend.onHost = func(payload []byte) error {
		if string(payload) == "panic" {
			panic(errors.New("kaboom"))
		}
		return nil
	}
	h.run()
	ctx := testContext(t)
	require.NoError(t, h.c.Enable(ctx, testRingOffset, false))

	err := h.c.HostControl(ctx, []byte("panic"))
	var pe PanicError
	require.ErrorAs(t, err, &pe)
	assert.EqualError(t, err, "cmdchan: panic: kaboom")
	require.NoError(t, h.c.HostControl(ctx, []byte("fine")))
}

func TestCompletionPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.run()
	ctx := testContext(t)
	require.NoError(t, h.c.Enable(ctx, testRingOffset, false))
	require.NoError(t, h.c.SubmitHostControl([]byte("x"), func(*Control, error) { panic("oops") }))
	require.NoError(t, h.c.HostControl(ctx, []byte("y")))
	assert.Contains(t, h.logs.String(), "control completion panicked")
}

func TestHostControlWaitHonoursContext(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.enable(testRingOffset, false))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// no worker
	assert.ErrorIs(t, h.c.HostControl(ctx, nil), context.DeadlineExceeded)
	assert.Equal(t, 1, h.c.Pending())
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.enable(testRingOffset, true))

	errs := make(chan error, 2)
	require.NoError(t, h.c.SubmitGuestControl(ControlGuestOpaque, 0, 4, func(_ *Control, err error) { errs <- err }))

	var g errgroup.Group
	g.Go(func() error { return h.c.Run(context.Background()) })

	ctx := testContext(t)
	require.NoError(t, h.c.Shutdown(ctx))
	require.NoError(t, g.Wait())
	assert.ErrorIs(t, <-errs, ErrTerminated)
	assert.Equal(t, StateDisabled, h.c.State())

	assert.ErrorIs(t, h.c.Enable(ctx, testRingOffset, false), ErrTerminated)
	assert.ErrorIs(t, h.c.LoadDone(), ErrTerminated)
	assert.ErrorIs(t, h.c.Run(ctx), ErrTerminated)
	assert.ErrorIs(t, h.c.SubmitBuffer(BufferDescriptor{}, nil), ErrTerminated)
}

func TestControlKindString(t *testing.T) {
	for k := ControlPause; k <= ControlResize; k++ {
		assert.NotEqual(t, "unknown", k.String(), "kind %d", k)
	}
	assert.Equal(t, "unknown", ControlKind(0).String())
	assert.Equal(t, "Paused", StatePaused.String())
}
