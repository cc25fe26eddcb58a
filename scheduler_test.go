package cmdchan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-cmdchan/command"
	"github.com/joeycumines/go-cmdchan/ring"
)

// queueHost queues a host control without going through submit, which
// would try to take the token.
func (h *harness) queueHost(kind ControlKind, payload string) {
	h.c.mu.Lock()
	h.c.host.push(&Control{Kind: kind, Payload: []byte(payload)})
	h.c.hostPending.Add(1)
	h.c.mu.Unlock()
}

func (h *harness) queueGuest(payload string) {
	h.c.mu.Lock()
	h.c.guest.push(&Control{Kind: ControlGuestOpaque, Payload: []byte(payload)})
	h.c.guestPending.Add(1)
	h.c.mu.Unlock()
}

func TestCheckForWorkMutualExclusion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.enable(testRingOffset, false))
	h.c.token.release()
	h.queueHost(ControlHostOpaque, "x")

	for round := 0; round < 50; round++ {
		var goAhead, owned atomic.Int32
		var g errgroup.Group
		start := make(chan struct{})
		for i := 0; i < 16; i++ {
			g.Go(func() error {
				<-start
				switch s := h.c.CheckForWork(); s {
				case WorkGoAhead:
					goAhead.Add(1)
				case WorkAlreadyOwned:
					owned.Add(1)
				default:
					return fmt.Errorf("unexpected %s", s)
				}
				return nil
			})
		}
		close(start)
		require.NoError(t, g.Wait())
		require.Equal(t, int32(1), goAhead.Load(), "round %d", round)
		require.Equal(t, int32(15), owned.Load(), "round %d", round)
		assert.NotZero(t, h.producer.Events()&ring.EventProcessing)
		h.c.clearProcessing()
		h.c.token.release()
	}
}

func TestTokenHoldersNeverOverlap(t *testing.T) {
	h := newHarness(t)
	h.c.token.release()
	h.queueHost(ControlHostOpaque, "x")

	var holders, acquired atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 2000; j++ {
				if h.c.CheckForWork() != WorkGoAhead {
					continue
				}
				acquired.Add(1)
				if n := holders.Add(1); n != 1 {
					return fmt.Errorf("%d holders", n)
				}
				holders.Add(-1)
				h.c.token.release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.NotZero(t, acquired.Load())
}

func TestCheckForWorkStatuses(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, WorkDisabled, h.c.CheckForWork())

	h.queueHost(ControlEnable, "")
	assert.Equal(t, WorkAlreadyOwned, h.c.CheckForWork(), "worker owns the token until it first idles")
	h.c.token.release()
	assert.Equal(t, WorkGoAhead, h.c.CheckForWork())
	assert.Equal(t, WorkAlreadyOwned, h.c.CheckForWork())
	assert.Equal(t, tokenProcessing, h.c.token.load())

	ctl := h.c.popControl()
	require.NotNil(t, ctl)
	assert.False(t, h.c.releaseIfIdle())
	assert.Equal(t, WorkDisabled, h.c.CheckForWork())

	require.NoError(t, h.c.enable(testRingOffset, false))
	assert.Equal(t, WorkEmpty, h.c.CheckForWork())
	assert.Equal(t, "AlreadyOwned", WorkAlreadyOwned.String())
}

func TestReleaseIfIdleReacquires(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.enable(testRingOffset, false))

	var injected bool
	h.c.testHooks = &channelTestHooks{PostRelease: func() {
		assert.Zero(t, h.producer.Events()&ring.EventProcessing)
		_, err := h.producer.Write(command.AppendOpaque(nil, command.OpNopCmd, nil))
		require.NoError(t, err)
		injected = true
	}}

	// the producer saw the processing bit clear, but the worker re-checks
	// before anyone rings the doorbell
	assert.True(t, h.c.releaseIfIdle())
	assert.True(t, injected)
	assert.Equal(t, tokenProcessing, h.c.token.load())
	assert.NotZero(t, h.producer.Events()&ring.EventProcessing)
	assert.Equal(t, unitRecord, h.c.nextUnit().kind)
}

func TestNoLostWakeup(t *testing.T) {
	for _, tc := range []struct {
		name  string
		hooks func(submit func()) *channelTestHooks
	}{
		{"post release", func(submit func()) *channelTestHooks {
			return &channelTestHooks{PostRelease: submit}
		}},
		{"pre sleep", func(submit func()) *channelTestHooks {
			return &channelTestHooks{PreSleep: submit}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.c.enable(testRingOffset, false))
			const n = 20
			var injected atomic.Int32
			done := make(chan struct{}, n)
			h.c.testHooks = tc.hooks(func() {
				if injected.Add(1) > n {
					return
				}
				go func() {
					_ = h.c.SubmitHostControl([]byte("late"), func(_ *Control, err error) {
						assert.NoError(t, err)
						done <- struct{}{}
					})
				}()
				// give the submitter a chance to land inside the window
				time.Sleep(time.Millisecond)
			})
			h.run()
			waitFor(t, done, n)
		})
	}
}

func TestDoorbellProtocolUnderLoad(t *testing.T) {
	const n = 500
	done, hook := completions(n)
	h := newHarness(t, hook)
	h.run()
	require.NoError(t, h.c.Enable(testContext(t), testRingOffset, false))

	ctx := testContext(t)
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < n; i++ {
			cmd := command.AppendPagingFill(nil, uint32(i%4)*4096, 64, uint32(i))
			for {
				_, err := h.producer.Write(cmd)
				if err == nil {
					break
				}
				if !errors.Is(err, ring.ErrFull) {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.c.CheckForNewRingData()
				time.Sleep(100 * time.Microsecond)
			}
			if h.producer.Events()&ring.EventProcessing == 0 {
				h.c.CheckForNewRingData()
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	waitFor(t, done, n)
}

func TestPriority(t *testing.T) {
	for _, order := range [][]string{
		{"ring", "guest", "host"},
		{"guest", "host", "ring"},
		{"host", "ring", "guest"},
		{"guest", "ring", "host", "host"},
	} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.c.enable(testRingOffset, false))
			hosts := 0
			for _, what := range order {
				switch what {
				case "ring":
					_, err := h.producer.Write(command.AppendOpaque(nil, command.OpNopCmd, nil))
					require.NoError(t, err)
				case "guest":
					h.queueGuest("g")
				case "host":
					h.queueHost(ControlHostOpaque, "h")
					hosts++
				}
			}

			var got []unitKind
			for {
				u := h.c.nextUnit()
				if u.kind == unitNone {
					break
				}
				switch u.kind {
				case unitControl:
					if u.ctl.Kind == ControlHostOpaque {
						got = append(got, unitControl)
					} else {
						got = append(got, -1)
					}
				case unitRecord:
					got = append(got, unitRecord)
					u.desc.Complete(u.rec)
				}
			}
			want := make([]unitKind, 0, hosts+2)
			for i := 0; i < hosts; i++ {
				want = append(want, unitControl)
			}
			want = append(want, -1, unitRecord)
			assert.Equal(t, want, got)
		})
	}
}

func TestPausedDrainsHostOnly(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.enable(testRingOffset, true))
	assert.Equal(t, StatePaused, h.c.State())

	_, err := h.producer.Write(command.AppendOpaque(nil, command.OpNopCmd, nil))
	require.NoError(t, err)
	h.queueGuest("g")
	h.queueHost(ControlHostOpaque, "h")

	assert.True(t, h.c.hasWork())
	u := h.c.nextUnit()
	require.Equal(t, unitControl, u.kind)
	assert.Equal(t, ControlHostOpaque, u.ctl.Kind)
	assert.Equal(t, unitNone, h.c.nextUnit().kind)
	assert.False(t, h.c.hasWork())
	assert.Equal(t, 1, h.c.Pending())

	// resume is applied inside nextUnit, which then moves on to the guest
	var resumed error = context.Canceled
	h.c.mu.Lock()
	h.c.host.push(&Control{Kind: ControlResume, done: func(_ *Control, err error) { resumed = err }})
	h.c.hostPending.Add(1)
	h.c.mu.Unlock()
	u = h.c.nextUnit()
	assert.NoError(t, resumed)
	require.Equal(t, unitControl, u.kind)
	assert.Equal(t, ControlGuestOpaque, u.ctl.Kind)
	assert.Equal(t, unitRecord, h.c.nextUnit().kind)
}

func TestPauseStopsRunningWorker(t *testing.T) {
	done, hook := completions(2)
	h := newHarness(t, hook)
	h.run()
	ctx := testContext(t)
	require.NoError(t, h.c.Enable(ctx, testRingOffset, false))
	require.NoError(t, h.c.Pause(ctx))

	guestDone := make(chan error, 1)
	copy(h.c.Region()[100:], "resize!")
	require.NoError(t, h.c.SubmitGuestControl(ControlResize, 100, 7, func(_ *Control, err error) { guestDone <- err }))
	a := h.write(command.AppendOpaque(nil, command.OpNopCmd, nil))
	b := h.write(command.AppendOpaque(nil, command.OpNopCmd, nil))

	require.NoError(t, h.c.HostControl(ctx, []byte("still served")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ring.StateSubmitted, a.State())
	assert.Empty(t, h.backend.guestCalls())

	require.NoError(t, h.c.Resume(ctx))
	require.NoError(t, <-guestDone)
	waitFor(t, done, 2)
	assert.Equal(t, ring.StateInProgress, b.State())
	assert.Equal(t, []guestCall{{kind: ControlResize, payload: []byte("resize!")}}, h.backend.guestCalls())
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = h.c.Run(ctx)
	}()
	require.Eventually(t, h.c.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.c.Run(ctx), ErrAlreadyRunning)
	assert.ErrorIs(t, h.c.Close(), ErrInvalidState)
	cancel()
	wg.Wait()
	assert.ErrorIs(t, runErr, context.Canceled)

	// a new Run picks up where the last left off
	h.run()
	require.NoError(t, h.c.Enable(testContext(t), testRingOffset, false))
}
