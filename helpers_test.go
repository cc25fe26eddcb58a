package cmdchan

import (
	"time"
	"unsafe"
)

// unsafeBytes views words as bytes, for a 4-byte aligned region.
func unsafeBytes(words []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*4)
}

const (
	testTimeout  = 10 * time.Second
	pollInterval = time.Millisecond
)
