// Package ring implements the shared command ring: a fixed table of record
// lengths plus a circular data area, written by an untrusted producer and
// drained by a single consumer, with no lock between them.
//
// The layout is packed little-endian:
//
//	0    u32        host event flags
//	4    u32        supported orders
//	8    u32        read cursor (offset into data)
//	12   u32        free cursor (offset into data)
//	16   64 x u32   record table (length, high bit = partial)
//	272  u32        first record index
//	276  u32        free record index
//	280  u32        partial write threshold
//	284  u32        data size
//	288  ...        data
package ring

import (
	"errors"
)

const (
	// MaxRecords is the size of the record table.
	MaxRecords = 64

	// RecordPartial is set in a record length while the producer is still
	// writing the record.
	RecordPartial uint32 = 0x80000000

	// EventProcessing is set in the host event word while the consumer holds
	// the processor token, telling the producer a doorbell is unnecessary.
	EventProcessing uint32 = 0x00010000

	// HeaderSize is the offset of the data area.
	HeaderSize = 288
)

const (
	offHostEvents      = 0
	offSupportedOrders = 4
	offData            = 8
	offFree            = 12
	offRecords         = 16
	offRecordFirst     = 272
	offRecordFree      = 276
	offPartialWrite    = 280
	offDataSize        = 284
)

// In-flight command states, stored in byte 2 of every command record.
const (
	StateSubmitted  byte = 1
	StateCancelled  byte = 2
	StateInProgress byte = 3
)

const (
	stateByte  = 2
	resultByte = 3
	nopOpCode  = 0x80
)

// Errors returned by Format, Attach and the Producer.
var (
	// ErrShortRegion means the memory cannot hold the header and data area.
	ErrShortRegion = errors.New("ring: region too small")
	// ErrMisaligned means the memory does not start on a 4-byte boundary.
	ErrMisaligned  = errors.New("ring: region not 4-byte aligned")
	// ErrBadDataSize means the data size is zero or not a multiple of 4.
	ErrBadDataSize = errors.New("ring: data size must be a nonzero multiple of 4")
	// ErrFull means the data area or the record table has no room left.
	ErrFull        = errors.New("ring: no space for record")
	// ErrRecordSize means a reservation of zero bytes, or of at least the
	// data area.
	ErrRecordSize  = errors.New("ring: invalid record size")
)

func recordOff(i uint32) int {
	return offRecords + int(i)*4
}
