package command

import (
	"encoding/binary"
)

// The Append functions encode commands as a producer would, with the
// in-flight state set to submitted.

const stateSubmitted = 1

// AppendPagingTransfer appends a paging transfer between the shared region
// at offset and the listed guest page numbers.
func AppendPagingTransfer(b []byte, in bool, offset uint32, pfns ...uint32) []byte {
	h := Header{OpCode: OpPagingTransfer, State: stateSubmitted}
	if in {
		h.Flags = FlagPagingTransferIn
	}
	b = appendHeader(b, h)
	b = binary.LittleEndian.AppendUint32(b, offset)
	for _, pfn := range pfns {
		b = binary.LittleEndian.AppendUint32(b, pfn)
	}
	return b
}

// AppendPagingFill appends a fill of size bytes of the shared region at
// offset with pattern.
func AppendPagingFill(b []byte, offset, size, pattern uint32) []byte {
	b = appendHeader(b, Header{OpCode: OpPagingFill, State: stateSubmitted})
	b = binary.LittleEndian.AppendUint32(b, size)
	b = binary.LittleEndian.AppendUint32(b, pattern)
	return binary.LittleEndian.AppendUint32(b, offset)
}

// AppendSysmem appends an indirect command referencing length bytes at the
// guest-physical address phys. Lengths above 0xffff cannot be encoded.
func AppendSysmem(b []byte, phys uint64, length uint16) []byte {
	b = appendHeader(b, Header{
		OpCode: OpSysmemCmd,
		Flags:  uint8(length),
		State:  stateSubmitted,
		Result: uint8(length >> 8),
	})
	return binary.LittleEndian.AppendUint64(b, phys)
}

// AppendComplex appends a container of the already-encoded sub-commands,
// patching each sub-command's CbCmdHost with its length.
func AppendComplex(b []byte, cmds ...[]byte) []byte {
	b = appendHeader(b, Header{OpCode: OpComplexCmd, State: stateSubmitted})
	for _, cmd := range cmds {
		start := len(b)
		b = append(b, cmd...)
		binary.LittleEndian.PutUint16(b[start+4:], uint16(len(cmd)))
	}
	return b
}

// AppendOpaque appends a command with the given opcode and body, for the
// back end to interpret.
func AppendOpaque(b []byte, op OpCode, body []byte) []byte {
	b = appendHeader(b, Header{OpCode: op, State: stateSubmitted})
	return append(b, body...)
}

func appendHeader(b []byte, h Header) []byte {
	var hdr [HeaderSize]byte
	h.Put(hdr[:])
	return append(b, hdr[:]...)
}
