package cmdchan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-cmdchan/command"
	"github.com/joeycumines/go-cmdchan/ring"
)

type unitKind int

const (
	unitNone unitKind = iota
	// unitTorn means the next ring record is still being written.
	unitTorn
	unitControl
	unitRecord
)

// unit is one piece of work returned by nextUnit.
type unit struct {
	ctl  *Control
	desc *ring.Descriptor
	rec  ring.Record
	kind unitKind
}

// Run runs the worker on the calling goroutine until ctx is cancelled, in
// which case it returns ctx.Err(), or until a Shutdown is processed, in which
// case it returns nil. Run may be called again after a cancellation.
func (c *Channel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	if c.terminated.Load() {
		return ErrTerminated
	}

	stop := context.AfterFunc(ctx, c.wake.signal)
	defer stop()

	c.logger.Debug().Log("worker started")

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Debug().Err(err).Log("worker stopped")
			return err
		}

		// A Processing token is always the worker's: either it never
		// released it, or a submitter acquired it and signalled.
		if c.token.load() != tokenProcessing && c.CheckForWork() != WorkGoAhead {
			c.sleep(-1)
			continue
		}

		switch u := c.nextUnit(); u.kind {
		case unitNone:
			c.tornRetries = 0
			if !c.releaseIfIdle() {
				c.sleep(-1)
			}
		case unitTorn:
			c.waitTorn()
		case unitControl:
			if c.processControl(u.ctl) {
				c.logger.Info().Log("worker terminated")
				return nil
			}
		case unitRecord:
			c.tornRetries = 0
			c.processRecord(u.desc, u.rec)
		}
	}
}

func (c *Channel) sleep(timeout time.Duration) {
	if c.testHooks != nil && c.testHooks.PreSleep != nil {
		c.testHooks.PreSleep()
	}
	if timeout < 0 {
		c.metrics.idled()
	}
	c.wake.wait(timeout)
}

// nextUnit returns the next piece of work, by strict priority: host
// controls, then guest controls (enabled only), then the ring (enabled
// only). Pause and resume are applied here, so a paused channel can always
// be resumed. The caller must own the processor token.
func (c *Channel) nextUnit() unit {
	for {
		ctl := c.popControl()
		if ctl == nil {
			break
		}
		switch ctl.Kind {
		case ControlPause:
			c.complete(ctl, c.pause())
		case ControlResume:
			c.complete(ctl, c.resume())
		default:
			return unit{kind: unitControl, ctl: ctl}
		}
	}

	if c.State() != StateEnabled || c.faulted.Load() {
		return unit{}
	}
	a := c.attached.Load()
	if a == nil {
		return unit{}
	}

	rec, status := a.desc.Peek()
	switch status {
	case ring.StatusOK:
		return unit{kind: unitRecord, desc: a.desc, rec: rec}
	case ring.StatusEmpty:
		return unit{}
	case ring.StatusPartial:
		return unit{kind: unitTorn}
	default:
		c.faulted.Store(true)
		c.logger.Err().
			Stringer("status", status).
			Uint64("ring_offset", uint64(a.offset)).
			Log("ring protocol violation, ignoring the ring until it is re-enabled")
		return unit{}
	}
}

func (c *Channel) popControl() *Control {
	c.mu.Lock()
	ctl := c.host.pop()
	if ctl != nil {
		c.hostPending.Add(-1)
	} else if c.State() == StateEnabled {
		if ctl = c.guest.pop(); ctl != nil {
			c.guestPending.Add(-1)
		}
	}
	c.mu.Unlock()
	if ctl != nil {
		c.metrics.setPending(c.hostPending.Load(), c.guestPending.Load())
	}
	return ctl
}

// waitTorn waits for the producer to finish the record at the head of the
// ring, still holding the token so controls queued meanwhile are seen by the
// next nextUnit.
func (c *Channel) waitTorn() {
	c.tornRetries++
	c.metrics.tornWrite()
	interval := c.opts.tornWriteInterval
	if c.tornRetries > c.opts.tornWriteRetries {
		interval = c.opts.tornWriteBackoff
		if c.tornRetries == c.opts.tornWriteRetries+1 {
			c.violation("torn-write").
				Int("retries", c.opts.tornWriteRetries).
				Dur("backoff", interval).
				Log("ring record still incomplete, backing off")
		}
	}
	c.wake.wait(interval)
}

// processControl handles a dequeued control, reporting whether the worker
// must stop.
func (c *Channel) processControl(ctl *Control) bool {
	var err error
	switch ctl.Kind {
	case ControlEnable, ControlEnablePaused:
		err = c.enable(ctl.ringOffset, ctl.Kind == ControlEnablePaused)
	case ControlDisable:
		err = c.disable(ErrDisabled)
	case ControlSaveState:
		err = c.save(ctl.saveTo)
	case ControlLoadState:
		err = c.load(ctl.loadFrom, ctl.version)
	case ControlLoadStateDone:
		err = c.call("load-state-done", c.backend.LoadStateDone)
	case ControlHostOpaque:
		err = c.call("host-control", func() error { return c.backend.HostControl(ctl.Payload) })
	case ControlGuestOpaque, ControlResize:
		err = c.call("guest-control", func() error { return c.backend.GuestControl(ctl.Kind, ctl.Payload) })
	case ControlTerminate:
		c.terminate(ctl)
		return true
	default:
		err = fmt.Errorf("%w: unknown control kind %d", ErrInvalidControl, ctl.Kind)
	}
	if ctl.guestRecord {
		c.storeGuestResult(ctl.resultOffset, err)
	}
	c.complete(ctl, err)
	return false
}

// processRecord executes one ring record and consumes it.
func (c *Channel) processRecord(d *ring.Descriptor, rec ring.Record) {
	op := command.OpCode(d.OpCode(rec))
	switch {
	case op == command.OpNop:
		c.metrics.command(op, outcomePadding)
		d.Complete(rec)
		return
	case len(rec.Data) < command.HeaderSize:
		c.violation("short-record").
			Int("length", len(rec.Data)).
			Log("ring record shorter than a command header")
		c.metrics.command(op, outcomeInvalid)
		d.Complete(rec)
		return
	case !d.ClaimCommand(rec):
		c.logger.Trace().
			Stringer("opcode", op).
			Log("command cancelled")
		c.metrics.command(op, outcomeCancelled)
		d.Complete(rec)
		return
	}

	err := c.execute(rec.Data)
	d.SetResult(rec, command.ResultCode(err))
	d.Complete(rec)

	if err != nil {
		c.metrics.command(op, outcomeFailed)
		var ce *command.CommandError
		if errors.As(err, &ce) {
			c.violation(op.String()).
				Err(err).
				Log("command rejected")
		} else {
			c.logger.Debug().
				Stringer("opcode", op).
				Err(err).
				Log("command failed")
		}
	} else {
		c.metrics.command(op, outcomeOK)
	}

	if fn := c.opts.onCommandComplete; fn != nil {
		c.safeExecute(fn)
	}
}

// execute runs the interpreter, converting a panic into a PanicError.
func (c *Channel) execute(cmd []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
			c.logger.Err().
				Any("panic", r).
				Log("command execution panicked")
		}
	}()
	return c.interp.Execute(cmd)
}

func (c *Channel) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Err().
				Any("panic", r).
				Log("hook panicked")
		}
	}()
	fn()
}
