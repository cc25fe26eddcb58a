// Package shm provides atomic access to little-endian 32-bit words and single
// bytes that live inside a byte slice shared with another party.
//
// All offsets are relative to the start of the slice, which must be 4-byte
// aligned (see Aligned). Byte operations are implemented as CAS loops on the
// enclosing aligned word, so that word must lie entirely within the slice.
package shm

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

var littleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// Aligned reports whether b is non-empty and starts on a 4-byte boundary.
func Aligned(b []byte) bool {
	return len(b) != 0 && uintptr(unsafe.Pointer(&b[0]))&3 == 0
}

func word(b []byte, off int) *uint32 {
	if off&3 != 0 || off < 0 || off+4 > len(b) {
		panic("shm: misaligned or out of range word access")
	}
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func fromNative(v uint32) uint32 {
	if littleEndian {
		return v
	}
	return bits.ReverseBytes32(v)
}

// byteShift returns the shift, within the native word value, of the byte at
// position i (0-3) of a little-endian word.
func byteShift(i int) uint {
	if littleEndian {
		return uint(i) * 8
	}
	return uint(3-i) * 8
}

// LoadUint32 atomically loads the little-endian word at off.
func LoadUint32(b []byte, off int) uint32 {
	return fromNative(atomic.LoadUint32(word(b, off)))
}

// StoreUint32 atomically stores v as a little-endian word at off.
func StoreUint32(b []byte, off int, v uint32) {
	atomic.StoreUint32(word(b, off), fromNative(v))
}

// OrUint32 atomically sets mask bits in the word at off, returning the old value.
func OrUint32(b []byte, off int, mask uint32) uint32 {
	return fromNative(atomic.OrUint32(word(b, off), fromNative(mask)))
}

// AndNotUint32 atomically clears mask bits in the word at off, returning the
// old value.
func AndNotUint32(b []byte, off int, mask uint32) uint32 {
	return fromNative(atomic.AndUint32(word(b, off), ^fromNative(mask)))
}

// LoadByte atomically loads the byte at off.
func LoadByte(b []byte, off int) byte {
	w := word(b, off&^3)
	return byte(atomic.LoadUint32(w) >> byteShift(off&3))
}

// CompareAndSwapByte atomically replaces the byte at off with new, if it
// currently holds old.
func CompareAndSwapByte(b []byte, off int, old, new byte) bool {
	w := word(b, off&^3)
	shift := byteShift(off & 3)
	for {
		cur := atomic.LoadUint32(w)
		if byte(cur>>shift) != old {
			return false
		}
		next := cur&^(0xff<<shift) | uint32(new)<<shift
		if atomic.CompareAndSwapUint32(w, cur, next) {
			return true
		}
	}
}

// StoreByte atomically stores v at off, without disturbing the neighbouring
// bytes of the enclosing word.
func StoreByte(b []byte, off int, v byte) {
	w := word(b, off&^3)
	shift := byteShift(off & 3)
	for {
		cur := atomic.LoadUint32(w)
		next := cur&^(0xff<<shift) | uint32(v)<<shift
		if atomic.CompareAndSwapUint32(w, cur, next) {
			return
		}
	}
}
