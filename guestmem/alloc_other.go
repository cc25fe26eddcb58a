//go:build !unix

package guestmem

import (
	"unsafe"
)

func alloc(n int) ([]byte, error) {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n), nil
}

func free([]byte) error { return nil }
