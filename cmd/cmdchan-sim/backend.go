package main

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-cmdchan"
	"github.com/joeycumines/go-cmdchan/statestream"
)

// logBackend is a back end that accepts everything, logging each call.
type logBackend struct {
	logger    *logiface.Logger[logiface.Event]
	forwarded atomic.Int64
}

var _ cmdchan.Backend = (*logBackend)(nil)

func (x *logBackend) ForwardCommand(cmd []byte) error {
	x.forwarded.Add(1)
	x.logger.Trace().
		Int("length", len(cmd)).
		Log("forwarded command")
	return nil
}

func (x *logBackend) HostControl(payload []byte) error {
	x.logger.Debug().Int("length", len(payload)).Log("host control")
	return nil
}

func (x *logBackend) GuestControl(kind cmdchan.ControlKind, payload []byte) error {
	x.logger.Debug().
		Stringer("kind", kind).
		Int("length", len(payload)).
		Log("guest control")
	return nil
}

func (x *logBackend) Enable(cmdchan.Services) error {
	x.logger.Info().Log("back end enabled")
	return nil
}

func (x *logBackend) Disable() error {
	x.logger.Info().Int64("forwarded", x.forwarded.Load()).Log("back end disabled")
	return nil
}

func (x *logBackend) SaveState(*statestream.Writer) error { return nil }

func (x *logBackend) LoadState(*statestream.Reader, uint32) error { return nil }

func (x *logBackend) LoadStateDone() error { return nil }
