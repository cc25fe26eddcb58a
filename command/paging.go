package command

import (
	"encoding/binary"
)

const (
	// pagingTransferSize is the fixed part of a paging transfer: header and
	// shared region offset, followed by u32 guest page numbers.
	pagingTransferSize = HeaderSize + 4

	// pagingFillSize is header, byte count, pattern and shared region offset.
	pagingFillSize = HeaderSize + 12

	// maxPageCount keeps count<<PageShift within 32 bits.
	maxPageCount = ^uint32(0) >> PageShift
)

type pagingTransfer struct {
	region []byte
	count  uint32
	in     bool
}

// pagingTransferInit validates a paging transfer of total length cmdLen.
func (x *Interpreter) pagingTransferInit(flags uint8, offset uint32, cmdLen int) (pagingTransfer, error) {
	if cmdLen < pagingTransferSize {
		return pagingTransfer{}, reject(OpPagingTransfer, ErrInvalidCommand, "length %d too small", cmdLen)
	}
	if (cmdLen-pagingTransferSize)%4 != 0 {
		return pagingTransfer{}, reject(OpPagingTransfer, ErrInvalidCommand, "page list length %d not a multiple of 4", cmdLen-pagingTransferSize)
	}
	count := uint32((cmdLen - pagingTransferSize) / 4)
	if offset&PageMask != 0 {
		return pagingTransfer{}, reject(OpPagingTransfer, ErrInvalidCommand, "offset %#x not page aligned", offset)
	}
	if uint64(offset) >= uint64(len(x.Region)) {
		return pagingTransfer{}, reject(OpPagingTransfer, ErrOutOfBounds, "offset %#x beyond region", offset)
	}
	if count&^maxPageCount != 0 {
		return pagingTransfer{}, reject(OpPagingTransfer, ErrOutOfBounds, "page count %d overflows", count)
	}
	end := uint64(offset) + uint64(count)<<PageShift
	if end > uint64(len(x.Region)) {
		return pagingTransfer{}, reject(OpPagingTransfer, ErrOutOfBounds, "%d pages at %#x exceed region", count, offset)
	}
	return pagingTransfer{
		region: x.Region[offset:end:end],
		count:  count,
		in:     flags&FlagPagingTransferIn != 0,
	}, nil
}

// transferPage copies page i of t to or from the guest page numbered pfn.
func (x *Interpreter) transferPage(t pagingTransfer, i, pfn uint32) error {
	if x.Mapper == nil {
		return reject(OpPagingTransfer, ErrNoMapper, "page %d", i)
	}
	shared := t.region[uint64(i)<<PageShift:][:PageSize]
	page, release, err := x.Mapper.MapGuestPage(uint64(pfn)<<PageShift, !t.in)
	if err != nil {
		return reject(OpPagingTransfer, pageMappingError(err), "page %d (pfn %#x)", i, pfn)
	}
	defer release()
	if len(page) < PageSize {
		return reject(OpPagingTransfer, ErrPageMapping, "page %d (pfn %#x) mapped %d bytes", i, pfn, len(page))
	}
	if t.in {
		copy(shared, page)
	} else {
		copy(page, shared)
	}
	return nil
}

func (x *Interpreter) pagingFill(cmd []byte) error {
	if len(cmd) != pagingFillSize {
		return reject(OpPagingFill, ErrInvalidCommand, "length %d, want %d", len(cmd), pagingFillSize)
	}
	var (
		size    = binary.LittleEndian.Uint32(cmd[HeaderSize:])
		pattern = binary.LittleEndian.Uint32(cmd[HeaderSize+4:])
		offset  = binary.LittleEndian.Uint32(cmd[HeaderSize+8:])
	)
	if offset&PageMask != 0 {
		return reject(OpPagingFill, ErrInvalidCommand, "offset %#x not page aligned", offset)
	}
	if uint64(offset) >= uint64(len(x.Region)) {
		return reject(OpPagingFill, ErrOutOfBounds, "offset %#x beyond region", offset)
	}
	if uint64(offset)+uint64(size) > uint64(len(x.Region)) {
		return reject(OpPagingFill, ErrOutOfBounds, "%d bytes at %#x exceed region", size, offset)
	}
	if size%4 != 0 {
		return reject(OpPagingFill, ErrInvalidCommand, "size %d not a multiple of 4", size)
	}
	fill32(x.Region[offset:offset+size], pattern)
	return nil
}

func fill32(b []byte, pattern uint32) {
	for i := 0; i+4 <= len(b); i += 4 {
		binary.LittleEndian.PutUint32(b[i:], pattern)
	}
}

func pageMappingError(err error) error {
	return &mappingError{err: err}
}

// mappingError matches both ErrPageMapping and the mapper's own error.
type mappingError struct{ err error }

func (e *mappingError) Error() string   { return ErrPageMapping.Error() + ": " + e.err.Error() }
func (e *mappingError) Unwrap() []error { return []error{ErrPageMapping, e.err} }
