// Package guestmem simulates guest-physical memory: a flat, page-aligned
// address space starting at zero, mapped a page at a time. It backs the
// tests and the simulator, and also serves as an aligned allocator for
// shared regions.
package guestmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

var (
	ErrOutOfRange = errors.New("guestmem: address out of range")
	ErrClosed     = errors.New("guestmem: memory closed")
	ErrSize       = errors.New("guestmem: size must be a positive multiple of the page size")
)

// Memory is a simulated guest-physical address space. Mapping is safe for
// concurrent use.
type Memory struct {
	// Fault, if non-nil, is consulted before every mapping, and a non-nil
	// result fails it.
	Fault func(phys uint64, writable bool) error

	mem         []byte
	mu          sync.Mutex
	outstanding atomic.Int64
	maps        atomic.Int64
	closed      bool
}

// New allocates size bytes of zeroed guest memory.
func New(size int) (*Memory, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, ErrSize
	}
	b, err := alloc(size)
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate %d bytes: %w", size, err)
	}
	return &Memory{mem: b}, nil
}

// Bytes returns the whole address space, for the guest side to write.
func (m *Memory) Bytes() []byte { return m.mem }

// Size returns the size of the address space in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.mem)) }

// Page returns the page numbered pfn.
func (m *Memory) Page(pfn uint32) []byte {
	off := uint64(pfn) << PageShift
	return m.mem[off : off+PageSize : off+PageSize]
}

// MapGuestPage returns the bytes from phys to the end of its page. The
// release function must be called exactly once.
func (m *Memory) MapGuestPage(phys uint64, writable bool) ([]byte, func(), error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, nil, ErrClosed
	}
	if phys >= uint64(len(m.mem)) {
		return nil, nil, fmt.Errorf("%w: %#x", ErrOutOfRange, phys)
	}
	if m.Fault != nil {
		if err := m.Fault(phys, writable); err != nil {
			return nil, nil, err
		}
	}
	end := (phys | (PageSize - 1)) + 1
	m.outstanding.Add(1)
	m.maps.Add(1)
	var released atomic.Bool
	return m.mem[phys:end:end], func() {
		if !released.CompareAndSwap(false, true) {
			panic("guestmem: mapping released twice")
		}
		m.outstanding.Add(-1)
	}, nil
}

// Outstanding returns the number of mappings not yet released.
func (m *Memory) Outstanding() int { return int(m.outstanding.Load()) }

// Maps returns the total number of mappings made.
func (m *Memory) Maps() int { return int(m.maps.Load()) }

// Close frees the memory. It fails while mappings are outstanding.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if n := m.Outstanding(); n != 0 {
		return fmt.Errorf("guestmem: %d mappings outstanding", n)
	}
	m.closed = true
	err := free(m.mem)
	m.mem = nil
	return err
}
