package ring

import (
	"github.com/joeycumines/go-cmdchan/internal/shm"
)

// Status is the outcome of Descriptor.Peek.
type Status int

const (
	// StatusOK means a complete record is available.
	StatusOK Status = iota
	// StatusEmpty means there are no unread records.
	StatusEmpty
	// StatusPartial means the next record is still being written.
	StatusPartial
	// StatusCrossBound means the next record would run past the physical
	// end of the data area, which a well-behaved producer never does.
	StatusCrossBound
	// StatusCorrupt means an index or cursor is out of range.
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	case StatusPartial:
		return "partial"
	case StatusCrossBound:
		return "cross-bound"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Record is a complete, unread record.
type Record struct {
	// Data aliases the shared data area.
	Data []byte
	// Index is the slot in the record table.
	Index uint32
	// Offset is the position of Data within the data area.
	Offset uint32
}

// Descriptor is the consumer's view of a ring.
//
// The consumer must be a single goroutine at a time (the processor token
// holder). Only the host event word may be touched concurrently, by anyone.
type Descriptor struct {
	mem    []byte
	data   []byte
	cbData uint32
}

// Attach validates the ring header at the start of mem and returns a view of
// it. The data size is sampled once, so a producer rewriting it later cannot
// widen the consumer's bounds.
func Attach(mem []byte) (*Descriptor, error) {
	if len(mem) < HeaderSize {
		return nil, ErrShortRegion
	}
	if !shm.Aligned(mem) {
		return nil, ErrMisaligned
	}
	cbData := shm.LoadUint32(mem, offDataSize)
	if cbData == 0 || cbData%4 != 0 {
		return nil, ErrBadDataSize
	}
	if uint64(HeaderSize)+uint64(cbData) > uint64(len(mem)) {
		return nil, ErrShortRegion
	}
	mem = mem[:HeaderSize+int(cbData)]
	return &Descriptor{
		mem:    mem,
		data:   mem[HeaderSize:],
		cbData: cbData,
	}, nil
}

// DataSize returns the size of the circular data area.
func (d *Descriptor) DataSize() uint32 { return d.cbData }

// Empty reports whether there are no unread records.
func (d *Descriptor) Empty() bool {
	return shm.LoadUint32(d.mem, offRecordFirst) == shm.LoadUint32(d.mem, offRecordFree)
}

// Peek returns the next unread record, without consuming it.
func (d *Descriptor) Peek() (Record, Status) {
	first := shm.LoadUint32(d.mem, offRecordFirst)
	free := shm.LoadUint32(d.mem, offRecordFree)
	if first >= MaxRecords || free >= MaxRecords {
		return Record{}, StatusCorrupt
	}
	if first == free {
		return Record{}, StatusEmpty
	}

	cb := shm.LoadUint32(d.mem, recordOff(first))
	if cb&RecordPartial != 0 || cb == 0 {
		return Record{}, StatusPartial
	}

	off := shm.LoadUint32(d.mem, offData)
	if off >= d.cbData {
		return Record{}, StatusCorrupt
	}
	if d.cbData-off < cb {
		return Record{}, StatusCrossBound
	}

	return Record{
		Data:   d.data[off : off+cb : off+cb],
		Index:  first,
		Offset: off,
	}, StatusOK
}

// Complete consumes rec, advancing the read cursor and the first index.
func (d *Descriptor) Complete(rec Record) {
	off := (uint64(rec.Offset) + uint64(len(rec.Data))) % uint64(d.cbData)
	shm.StoreUint32(d.mem, offData, uint32(off))
	shm.StoreUint32(d.mem, offRecordFirst, (rec.Index+1)%MaxRecords)
}

// OpCode atomically loads the first byte of rec. Until the record is
// claimed the producer may still cancel it, so the byte must not be read
// plainly.
func (d *Descriptor) OpCode(rec Record) byte {
	return shm.LoadByte(d.data, int(rec.Offset))
}

// ClaimCommand transitions the in-flight state of rec from submitted to in
// progress, returning false if the producer cancelled it (or never submitted
// it). The record must be at least three bytes long.
func (d *Descriptor) ClaimCommand(rec Record) bool {
	return shm.CompareAndSwapByte(d.data, int(rec.Offset)+stateByte, StateSubmitted, StateInProgress)
}

// SetResult publishes the producer-visible result byte of rec.
func (d *Descriptor) SetResult(rec Record, result int8) {
	shm.StoreByte(d.data, int(rec.Offset)+resultByte, byte(result))
}

// Events returns the host event word.
func (d *Descriptor) Events() uint32 {
	return shm.LoadUint32(d.mem, offHostEvents)
}

// SetEvents sets bits in the host event word.
func (d *Descriptor) SetEvents(bits uint32) {
	shm.OrUint32(d.mem, offHostEvents, bits)
}

// ClearEvents clears bits in the host event word.
func (d *Descriptor) ClearEvents(bits uint32) {
	shm.AndNotUint32(d.mem, offHostEvents, bits)
}

// ResetEvents zeroes the host event word.
func (d *Descriptor) ResetEvents() {
	shm.StoreUint32(d.mem, offHostEvents, 0)
}
