package cmdchan

import (
	"sync/atomic"
)

// tokenState is the value of the processor token.
type tokenState uint64

const (
	// tokenListening means nobody owns the ring and queues; the next
	// successful tryAcquire becomes the processor.
	tokenListening tokenState = 0
	// tokenProcessing means exactly one owner (the worker, or a submitter
	// that is about to wake it) is responsible for draining work.
	tokenProcessing tokenState = 1
)

func (s tokenState) String() string {
	switch s {
	case tokenListening:
		return "Listening"
	case tokenProcessing:
		return "Processing"
	default:
		return "Unknown"
	}
}

// processorToken is the single-owner flag guarding the ring and the right
// to dequeue controls.
//
// Transitions are CAS only: tryAcquire moves Listening → Processing, and
// release is only ever called by the current owner.
type processorToken struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// newProcessorToken returns a token owned by the worker, which releases it
// on its first idle transition.
func newProcessorToken() *processorToken {
	t := &processorToken{}
	t.v.Store(uint64(tokenProcessing))
	return t
}

func (t *processorToken) load() tokenState {
	return tokenState(t.v.Load())
}

func (t *processorToken) tryAcquire() bool {
	return t.v.CompareAndSwap(uint64(tokenListening), uint64(tokenProcessing))
}

// release panics if the token is not held, which means two owners existed.
func (t *processorToken) release() {
	if !t.v.CompareAndSwap(uint64(tokenProcessing), uint64(tokenListening)) {
		panic("cmdchan: processor token released while not held")
	}
}
