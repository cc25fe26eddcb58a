package command

import (
	"encoding/binary"
)

// sysmemSize is the header plus the u64 guest-physical address of the real
// command.
const sysmemSize = HeaderSize + 8

// guestCursor reads guest-physical memory sequentially, holding at most one
// page mapping at a time.
type guestCursor struct {
	mapper  PageMapper
	page    []byte
	release func()
	phys    uint64
}

// mapAt replaces the current mapping with one starting at phys.
func (c *guestCursor) mapAt(phys uint64) error {
	c.close()
	page, release, err := c.mapper.MapGuestPage(phys, false)
	if err != nil {
		return pageMappingError(err)
	}
	if len(page) == 0 {
		release()
		return ErrPageMapping
	}
	c.page, c.release, c.phys = page, release, phys
	return nil
}

// read fills b from the cursor position, crossing into the following pages
// as needed.
func (c *guestCursor) read(b []byte) error {
	for len(b) != 0 {
		if len(c.page) == 0 {
			if err := c.mapAt(c.phys); err != nil {
				return err
			}
		}
		n := copy(b, c.page)
		b = b[n:]
		c.page = c.page[n:]
		c.phys += uint64(n)
	}
	return nil
}

func (c *guestCursor) uint32() (uint32, error) {
	var b [4]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *guestCursor) close() {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	c.page = nil
}

// executeSysmem runs a command stored in guest-physical memory. A command
// contained in one page runs in place. Otherwise only a paging transfer may
// span pages, and it is streamed through the cursor.
func (x *Interpreter) executeSysmem(cmd []byte) error {
	if len(cmd) < sysmemSize {
		return reject(OpSysmemCmd, ErrInvalidCommand, "length %d too small", len(cmd))
	}
	realLen := DecodeHeader(cmd).SysmemLength()
	if realLen < HeaderSize {
		return reject(OpSysmemCmd, ErrInvalidCommand, "referenced length %d too small", realLen)
	}
	if x.Mapper == nil {
		return reject(OpSysmemCmd, ErrNoMapper, "cannot read guest command")
	}
	phys := binary.LittleEndian.Uint64(cmd[HeaderSize:])

	c := guestCursor{mapper: x.Mapper, phys: phys}
	defer c.close()
	if err := c.mapAt(phys); err != nil {
		return reject(OpSysmemCmd, err, "guest address %#x", phys)
	}

	if uint64(realLen) <= uint64(len(c.page)) {
		return x.executeData(c.page[:realLen:realLen])
	}

	var hdr [HeaderSize]byte
	if err := c.read(hdr[:]); err != nil {
		return reject(OpSysmemCmd, err, "header at %#x", phys)
	}
	h := DecodeHeader(hdr[:])
	if h.OpCode != OpPagingTransfer {
		return reject(h.OpCode, ErrNotSplittable, "%d bytes at %#x", realLen, phys)
	}
	offset, err := c.uint32()
	if err != nil {
		return reject(OpPagingTransfer, err, "offset at %#x", phys)
	}
	t, err := x.pagingTransferInit(h.Flags, offset, int(realLen))
	if err != nil {
		return err
	}
	for i := uint32(0); i < t.count; i++ {
		pfn, err := c.uint32()
		if err != nil {
			return reject(OpPagingTransfer, err, "page list entry %d", i)
		}
		if err := x.transferPage(t, i, pfn); err != nil {
			return err
		}
	}
	return nil
}
