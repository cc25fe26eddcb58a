package cmdchan

import (
	"fmt"

	"github.com/joeycumines/go-cmdchan/ring"
)

// WorkStatus is the outcome of CheckForWork.
type WorkStatus int

const (
	// WorkGoAhead means the caller acquired the processor token on behalf of
	// the worker, and must wake it.
	WorkGoAhead WorkStatus = iota
	// WorkEmpty means there is nothing to do.
	WorkEmpty
	// WorkAlreadyOwned means the token is held, so whoever holds it will
	// see the work. This is the common case under load.
	WorkAlreadyOwned
	// WorkDisabled means the channel is disabled and no host control is
	// queued.
	WorkDisabled
)

func (s WorkStatus) String() string {
	switch s {
	case WorkGoAhead:
		return "GoAhead"
	case WorkEmpty:
		return "Empty"
	case WorkAlreadyOwned:
		return "AlreadyOwned"
	case WorkDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// hasWork reports whether nextUnit could return something. It reads only
// atomics, so it may be called without the queue mutex.
func (c *Channel) hasWork() bool {
	if c.hostPending.Load() > 0 {
		return true
	}
	if c.State() != StateEnabled {
		return false
	}
	if c.guestPending.Load() > 0 {
		return true
	}
	a := c.attached.Load()
	return a != nil && !c.faulted.Load() && !a.desc.Empty()
}

// CheckForWork acquires the processor token if there is work and nobody
// holds it. On GoAhead the token now belongs to the worker, and the caller
// must wake it (the exported submission methods do so).
//
// The token is only ever released by the worker, so a Processing token
// always means the worker is, or is about to be, draining work.
func (c *Channel) CheckForWork() WorkStatus {
	if c.State() == StateDisabled && c.hostPending.Load() == 0 {
		return WorkDisabled
	}
	if !c.hasWork() {
		return WorkEmpty
	}
	if !c.token.tryAcquire() {
		return WorkAlreadyOwned
	}
	c.setProcessing()
	return WorkGoAhead
}

// CheckForNewRingData is the doorbell: the front end calls it when the
// guest signals that it wrote ring records.
func (c *Channel) CheckForNewRingData() WorkStatus {
	s := c.CheckForWork()
	if s == WorkGoAhead {
		c.signal()
	}
	return s
}

func (c *Channel) signal() {
	c.metrics.wakeup()
	c.wake.signal()
}

// releaseIfIdle gives up the token and re-checks for work that arrived while
// the worker was deciding it had none. It reports whether the worker still
// owns the token. If a submitter won the race for the token instead, it has
// signalled (or will signal) the worker.
func (c *Channel) releaseIfIdle() bool {
	c.clearProcessing()
	c.token.release()
	if c.testHooks != nil && c.testHooks.PostRelease != nil {
		c.testHooks.PostRelease()
	}
	if !c.hasWork() || !c.token.tryAcquire() {
		return false
	}
	c.setProcessing()
	return true
}

func (c *Channel) setProcessing() {
	if a := c.attached.Load(); a != nil {
		a.desc.SetEvents(ring.EventProcessing)
	}
}

func (c *Channel) clearProcessing() {
	if a := c.attached.Load(); a != nil {
		a.desc.ClearEvents(ring.EventProcessing)
	}
}

// submit queues ctl and wakes the worker if needed.
func (c *Channel) submit(ctl *Control) error {
	c.mu.Lock()
	if c.terminated.Load() {
		c.mu.Unlock()
		return ErrTerminated
	}
	if c.State() == StateDisabled && !ctl.Kind.lifecycle() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s while disabled", ErrInvalidState, ctl.Kind)
	}
	if ctl.Kind.guest() {
		c.guest.push(ctl)
		c.guestPending.Add(1)
	} else {
		c.host.push(ctl)
		c.hostPending.Add(1)
	}
	c.mu.Unlock()

	c.metrics.setPending(c.hostPending.Load(), c.guestPending.Load())
	c.logger.Trace().
		Stringer("kind", ctl.Kind).
		Log("control submitted")

	if c.CheckForWork() == WorkGoAhead {
		c.signal()
	}
	return nil
}
