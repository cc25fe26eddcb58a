//go:build linux

package cmdchan

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// waker is the single-reader wake primitive for the worker, backed by a
// non-blocking eventfd.
type waker struct {
	fd  int
	buf [8]byte
}

func newWaker() (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &waker{fd: fd}, nil
}

// signal wakes the worker, or makes its next wait return immediately.
func (w *waker) signal() {
	// Native endianness, as eventfd expects.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	for {
		_, err := unix.Write(w.fd, buf)
		if !errors.Is(err, unix.EINTR) {
			// EAGAIN means the counter is saturated, which is still a wake.
			return
		}
	}
}

// wait blocks until signalled or until timeout elapses, a negative timeout
// meaning forever, and reports whether it was signalled.
func (w *waker) wait(timeout time.Duration) bool {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n == 0 {
			return false
		}
		break
	}
	w.drain()
	return true
}

func (w *waker) drain() {
	for {
		_, err := unix.Read(w.fd, w.buf[:])
		if err != nil {
			break
		}
	}
}

func (w *waker) close() error {
	return unix.Close(w.fd)
}
