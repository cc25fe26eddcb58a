package cmdchan

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-cmdchan/command"
)

const (
	// DefaultTornWriteInterval is how long the worker waits before
	// re-reading a record the producer has not finished writing.
	DefaultTornWriteInterval = time.Millisecond

	// DefaultTornWriteRetries is the number of consecutive torn write
	// retries before the worker warns and backs off.
	DefaultTornWriteRetries = 100

	// DefaultTornWriteBackoff is the retry interval after backing off.
	DefaultTornWriteBackoff = 50 * time.Millisecond

	// DefaultBufferWorkers bounds concurrent synchronous buffer execution.
	DefaultBufferWorkers = 4
)

// channelOptions holds configuration for New.
type channelOptions struct {
	logger            *logiface.Logger[logiface.Event]
	backend           Backend
	mapper            command.PageMapper
	metrics           *Metrics
	onCommandComplete func()
	onDirtyRect       func(surface uint64, r command.Rect)
	violationRates    map[time.Duration]int
	tornWriteInterval time.Duration
	tornWriteBackoff  time.Duration
	tornWriteRetries  int
	bufferWorkers     int
}

// Option configures a Channel.
type Option interface {
	applyChannel(*channelOptions) error
}

type optionImpl struct {
	applyChannelFunc func(*channelOptions) error
}

func (o *optionImpl) applyChannel(opts *channelOptions) error {
	return o.applyChannelFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *channelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithBackend sets the external back end that receives opaque commands and
// controls, and lifecycle notifications.
func WithBackend(backend Backend) Option {
	return &optionImpl{func(opts *channelOptions) error {
		opts.backend = backend
		return nil
	}}
}

// WithPageMapper sets the guest-physical page mapper. Without one, commands
// that touch guest memory fail.
func WithPageMapper(mapper command.PageMapper) Option {
	return &optionImpl{func(opts *channelOptions) error {
		opts.mapper = mapper
		return nil
	}}
}

// WithMetrics records channel activity to m.
func WithMetrics(m *Metrics) Option {
	return &optionImpl{func(opts *channelOptions) error {
		opts.metrics = m
		return nil
	}}
}

// WithTornWriteRetry configures how a record the producer is still writing
// is polled: every interval, switching to backoff after retries attempts.
func WithTornWriteRetry(interval time.Duration, retries int, backoff time.Duration) Option {
	return &optionImpl{func(opts *channelOptions) error {
		if interval <= 0 || backoff <= 0 || retries < 0 {
			return errors.New("cmdchan: invalid torn write retry configuration")
		}
		opts.tornWriteInterval = interval
		opts.tornWriteRetries = retries
		opts.tornWriteBackoff = backoff
		return nil
	}}
}

// WithCommandCompleteHook sets a function called on the worker after each
// ring command completes, typically to raise a guest interrupt.
func WithCommandCompleteHook(fn func()) Option {
	return &optionImpl{func(opts *channelOptions) error {
		opts.onCommandComplete = fn
		return nil
	}}
}

// WithDirtyRectHook sets a function receiving the area updated by each
// buffer blit. It may be called concurrently from buffer workers.
func WithDirtyRectHook(fn func(surface uint64, r command.Rect)) Option {
	return &optionImpl{func(opts *channelOptions) error {
		opts.onDirtyRect = fn
		return nil
	}}
}

// WithBufferWorkers sets the number of goroutines executing synchronous
// command buffers.
func WithBufferWorkers(n int) Option {
	return &optionImpl{func(opts *channelOptions) error {
		if n <= 0 {
			return errors.New("cmdchan: buffer workers must be positive")
		}
		opts.bufferWorkers = n
		return nil
	}}
}

// WithViolationRateLimit sets the per-category rate limits for logging
// producer protocol violations, as accepted by catrate.NewLimiter.
func WithViolationRateLimit(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *channelOptions) error {
		opts.violationRates = rates
		return nil
	}}
}

func resolveOptions(opts []Option) (*channelOptions, error) {
	cfg := &channelOptions{
		tornWriteInterval: DefaultTornWriteInterval,
		tornWriteRetries:  DefaultTornWriteRetries,
		tornWriteBackoff:  DefaultTornWriteBackoff,
		bufferWorkers:     DefaultBufferWorkers,
		violationRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyChannel(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
