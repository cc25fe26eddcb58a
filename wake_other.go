//go:build !linux

package cmdchan

import (
	"time"
)

// waker is the single-reader wake primitive for the worker.
type waker struct {
	ch chan struct{}
}

func newWaker() (*waker, error) {
	return &waker{ch: make(chan struct{}, 1)}, nil
}

func (w *waker) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *waker) wait(timeout time.Duration) bool {
	if timeout < 0 {
		<-w.ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.ch:
		return true
	case <-t.C:
		return false
	}
}

func (w *waker) close() error {
	return nil
}
