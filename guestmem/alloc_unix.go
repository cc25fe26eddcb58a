//go:build unix

package guestmem

import (
	"golang.org/x/sys/unix"
)

// alloc maps n bytes of anonymous, zeroed, page-aligned memory.
func alloc(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func free(b []byte) error {
	return unix.Munmap(b)
}
