// Package command decodes and executes the commands carried by the ring:
// paging transfers and fills against the shared region, indirect commands
// that live in guest-physical pages, containers of sub-commands, and
// forwarding of everything else to an external back end. It also implements
// the synchronous command-buffer primitives (blit, transfer, fill).
package command

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size of the header that starts every command.
	HeaderSize = 8

	// PageShift and PageSize describe guest pages.
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// OpCode is the first byte of a command.
type OpCode uint8

const (
	OpCrCmd          OpCode = 1
	OpBlt            OpCode = 2
	OpFlip           OpCode = 3
	OpClrFill        OpCode = 4
	OpPagingTransfer OpCode = 5
	OpPagingFill     OpCode = 6
	OpNopCmd         OpCode = 7
	OpSysmemCmd      OpCode = 8
	OpComplexCmd     OpCode = 9
	// OpNop marks ring padding; such a record may be a single byte.
	OpNop OpCode = 0x80
)

// FlagPagingTransferIn selects the guest to shared region direction.
const FlagPagingTransferIn uint8 = 0x80

func (o OpCode) String() string {
	switch o {
	case OpCrCmd:
		return "crcmd"
	case OpBlt:
		return "blt"
	case OpFlip:
		return "flip"
	case OpClrFill:
		return "clrfill"
	case OpPagingTransfer:
		return "paging-transfer"
	case OpPagingFill:
		return "paging-fill"
	case OpNopCmd:
		return "nopcmd"
	case OpSysmemCmd:
		return "sysmem"
	case OpComplexCmd:
		return "complex"
	case OpNop:
		return "nop"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Header is the decoded 8-byte command header.
//
// Result doubles as the primary ID, and together with Flags encodes the
// true length of a sysmem command. The last four bytes are either the two
// length fields or a fence ID.
type Header struct {
	OpCode     OpCode
	Flags      uint8
	State      uint8
	Result     uint8
	CbCmdHost  uint16
	CbCmdGuest uint16
}

// DecodeHeader decodes the first HeaderSize bytes of b.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		OpCode:     OpCode(b[0]),
		Flags:      b[1],
		State:      b[2],
		Result:     b[3],
		CbCmdHost:  binary.LittleEndian.Uint16(b[4:]),
		CbCmdGuest: binary.LittleEndian.Uint16(b[6:]),
	}
}

// Put encodes h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = byte(h.OpCode)
	b[1] = h.Flags
	b[2] = h.State
	b[3] = h.Result
	binary.LittleEndian.PutUint16(b[4:], h.CbCmdHost)
	binary.LittleEndian.PutUint16(b[6:], h.CbCmdGuest)
}

// FenceID returns the last four bytes read as a fence ID.
func (h Header) FenceID() uint32 {
	return uint32(h.CbCmdHost) | uint32(h.CbCmdGuest)<<16
}

// SysmemLength returns the length of the real command referenced by a
// sysmem command header.
func (h Header) SysmemLength() uint32 {
	return uint32(h.Flags) | uint32(h.Result)<<8
}
