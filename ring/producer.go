package ring

import (
	"github.com/joeycumines/go-cmdchan/internal/shm"
)

// Format initialises an empty ring with a data area of cbData bytes at the
// start of mem.
func Format(mem []byte, cbData uint32) error {
	if cbData == 0 || cbData%4 != 0 {
		return ErrBadDataSize
	}
	if uint64(len(mem)) < uint64(HeaderSize)+uint64(cbData) {
		return ErrShortRegion
	}
	if !shm.Aligned(mem) {
		return ErrMisaligned
	}
	clear(mem[:HeaderSize])
	shm.StoreUint32(mem, offDataSize, cbData)
	return nil
}

// Producer is the guest side of a ring. It is not safe for concurrent use;
// there is exactly one producer per ring.
type Producer struct {
	d *Descriptor
}

// Entry is a record reserved by a Producer.
type Entry struct {
	p      *Producer
	data   []byte
	index  uint32
	offset uint32
	size   uint32
}

// NewProducer attaches a producer to a formatted ring.
func NewProducer(mem []byte) (*Producer, error) {
	d, err := Attach(mem)
	if err != nil {
		return nil, err
	}
	return &Producer{d: d}, nil
}

// Events returns the host event word, e.g. to decide whether the consumer
// needs a doorbell.
func (p *Producer) Events() uint32 { return p.d.Events() }

// Write reserves, fills and publishes a record holding payload.
func (p *Producer) Write(payload []byte) (*Entry, error) {
	e, err := p.Reserve(len(payload))
	if err != nil {
		return nil, err
	}
	copy(e.data, payload)
	e.Publish()
	return e, nil
}

// Reserve claims a record of n bytes, leaving it marked partial until
// Publish. A record never straddles the physical end of the data area: when
// the tail is too short it is consumed by a one-byte NOP padding record.
func (p *Producer) Reserve(n int) (*Entry, error) {
	d := p.d
	if n <= 0 || uint64(n) >= uint64(d.cbData) {
		return nil, ErrRecordSize
	}
	size := uint32(n)

	first := shm.LoadUint32(d.mem, offRecordFirst)
	free := shm.LoadUint32(d.mem, offRecordFree)
	offFreeData := shm.LoadUint32(d.mem, offFree)
	offReadData := shm.LoadUint32(d.mem, offData)

	var used uint32
	if first != free {
		used = (offFreeData + d.cbData - offReadData) % d.cbData
		if used == 0 {
			used = d.cbData
		}
	}
	slots := (first + MaxRecords - free - 1) % MaxRecords

	var pad uint32
	if tail := d.cbData - offFreeData; size > tail {
		pad = tail
	}
	if uint64(size)+uint64(pad) >= uint64(d.cbData-used) {
		return nil, ErrFull
	}
	if pad != 0 && slots < 2 || slots < 1 {
		return nil, ErrFull
	}

	if pad != 0 {
		d.data[offFreeData] = nopOpCode
		shm.StoreUint32(d.mem, recordOff(free), pad)
		free = (free + 1) % MaxRecords
		offFreeData = 0
		shm.StoreUint32(d.mem, offFree, offFreeData)
		shm.StoreUint32(d.mem, offRecordFree, free)
	}

	e := &Entry{
		p:      p,
		data:   d.data[offFreeData : offFreeData+size : offFreeData+size],
		index:  free,
		offset: offFreeData,
		size:   size,
	}
	shm.StoreUint32(d.mem, recordOff(free), size|RecordPartial)
	shm.StoreUint32(d.mem, offFree, (offFreeData+size)%d.cbData)
	shm.StoreUint32(d.mem, offRecordFree, (free+1)%MaxRecords)
	return e, nil
}

// Bytes returns the record payload, which may be written until Publish.
func (e *Entry) Bytes() []byte { return e.data }

// Offset returns the position of the record within the data area.
func (e *Entry) Offset() uint32 { return e.offset }

// Publish marks the record complete.
func (e *Entry) Publish() {
	shm.StoreUint32(e.p.d.mem, recordOff(e.index), e.size)
}

// Cancel withdraws a published command, succeeding only if the consumer has
// not claimed it yet. The record must be at least three bytes long.
func (e *Entry) Cancel() bool {
	return shm.CompareAndSwapByte(e.p.d.data, int(e.offset)+stateByte, StateSubmitted, StateCancelled)
}

// State returns the in-flight state byte of the command.
func (e *Entry) State() byte {
	return shm.LoadByte(e.p.d.data, int(e.offset)+stateByte)
}

// Result returns the result byte the consumer stored for the command.
func (e *Entry) Result() int8 {
	return int8(shm.LoadByte(e.p.d.data, int(e.offset)+resultByte))
}
