package cmdchan

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/panjf2000/ants/v2"

	"github.com/joeycumines/go-cmdchan/command"
	"github.com/joeycumines/go-cmdchan/internal/shm"
	"github.com/joeycumines/go-cmdchan/ring"
)

// EnableState is the lifecycle state of a Channel.
type EnableState int32

const (
	// StateDisabled means no ring is attached. The zero value is Paused, so
	// New stores this explicitly.
	StateDisabled EnableState = -1
	// StatePaused means host controls drain, but guest controls and ring
	// commands do not.
	StatePaused EnableState = 0
	// StateEnabled means all work drains.
	StateEnabled EnableState = 1
)

func (s EnableState) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StatePaused:
		return "Paused"
	case StateEnabled:
		return "Enabled"
	default:
		return "Unknown"
	}
}

// attachment is an enabled ring and where it lives in the shared region.
type attachment struct {
	desc   *ring.Descriptor
	offset uint32
}

// channelTestHooks allows tests to inject interleavings.
type channelTestHooks struct {
	// PreSleep runs on the worker just before it blocks while idle.
	PreSleep func()
	// PostRelease runs on the worker just after it released the processor
	// token, before it re-checks for work.
	PostRelease func()
}

// Channel is an asynchronous command channel: a scheduler multiplexing host
// controls, guest controls and guest ring commands onto one worker, plus a
// pool executing synchronous command buffers.
//
// Submission methods are safe for concurrent use. Run must be called to
// process anything.
type Channel struct {
	logger     *logiface.Logger[logiface.Event]
	backend    Backend
	mapper     command.PageMapper
	metrics    *Metrics
	violations *catrate.Limiter
	buffers    *ants.Pool
	opts       *channelOptions
	token      *processorToken
	wake       *waker
	testHooks  *channelTestHooks

	attached atomic.Pointer[attachment]

	// host and guest are guarded by mu, as are transitions of state and
	// terminated.
	host  controlQueue
	guest controlQueue

	region []byte
	interp command.Interpreter

	// tornRetries counts consecutive torn write waits. Worker only.
	tornRetries int

	mu sync.Mutex

	hostPending  atomic.Int64
	guestPending atomic.Int64
	state        atomic.Int32
	faulted      atomic.Bool
	running      atomic.Bool
	terminated   atomic.Bool
}

// New creates a disabled channel over region, the memory shared with the
// guest, which must be 4-byte aligned and outlive the channel.
func New(region []byte, opts ...Option) (*Channel, error) {
	if !shm.Aligned(region) {
		return nil, fmt.Errorf("cmdchan: shared region: %w", ring.ErrMisaligned)
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		logger:     cfg.logger,
		backend:    cfg.backend,
		mapper:     cfg.mapper,
		metrics:    cfg.metrics,
		violations: catrate.NewLimiter(cfg.violationRates),
		opts:       cfg,
		token:      newProcessorToken(),
		region:     region,
	}
	if c.backend == nil {
		c.backend = nopBackend{}
	}
	c.interp = command.Interpreter{
		Mapper:    c.mapper,
		Forwarder: c.backend,
		Region:    region,
	}
	c.state.Store(int32(StateDisabled))

	if c.wake, err = newWaker(); err != nil {
		return nil, fmt.Errorf("cmdchan: wake primitive: %w", err)
	}

	c.buffers, err = ants.NewPool(cfg.bufferWorkers,
		ants.WithNonblocking(true),
		ants.WithLogger(antsLogger{logger: c.logger}),
		ants.WithPanicHandler(func(v any) {
			c.logger.Err().Any("panic", v).Log("buffer worker panicked")
		}),
	)
	if err != nil {
		_ = c.wake.close()
		return nil, fmt.Errorf("cmdchan: buffer pool: %w", err)
	}

	return c, nil
}

// Close releases the buffer pool and the wake primitive. It must not be
// called while Run is active.
func (c *Channel) Close() error {
	if c.running.Load() {
		return fmt.Errorf("%w: worker running", ErrInvalidState)
	}
	c.terminated.Store(true)
	c.buffers.Release()
	return c.wake.close()
}

// State returns the current lifecycle state.
func (c *Channel) State() EnableState {
	return EnableState(c.state.Load())
}

// setState must be called by the worker.
func (c *Channel) setState(s EnableState) {
	c.mu.Lock()
	c.state.Store(int32(s))
	c.mu.Unlock()
}

// Pending returns the number of queued controls.
func (c *Channel) Pending() int {
	return int(c.hostPending.Load() + c.guestPending.Load())
}

// Region returns the shared region.
func (c *Channel) Region() []byte { return c.region }

// RingOffset returns the offset of the attached ring, if enabled or paused.
func (c *Channel) RingOffset() (uint32, bool) {
	if a := c.attached.Load(); a != nil {
		return a.offset, true
	}
	return 0, false
}

// complete hands ctl back to its submitter.
func (c *Channel) complete(ctl *Control, err error) {
	c.metrics.control(ctl.Kind, err)
	if err != nil {
		c.logger.Debug().
			Stringer("kind", ctl.Kind).
			Err(err).
			Log("control failed")
	}
	if ctl.done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Err().
				Stringer("kind", ctl.Kind).
				Any("panic", r).
				Log("control completion panicked")
		}
	}()
	ctl.done(ctl, err)
}

// call runs a back end method, converting a panic into a PanicError.
func (c *Channel) call(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
		if err != nil && !errors.Is(err, command.ErrUnsupported) {
			c.logger.Err().
				Str("op", op).
				Err(err).
				Log("back end call failed")
		}
	}()
	return fn()
}
