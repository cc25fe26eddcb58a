package command

import (
	"encoding/binary"
)

// PageMapper maps guest-physical memory.
//
// MapGuestPage returns the bytes from phys to the end of its guest page, and
// a release function that must be called exactly once when the caller is
// done with them. A read-only mapping (writable false) must not be written.
type PageMapper interface {
	MapGuestPage(phys uint64, writable bool) (page []byte, release func(), err error)
}

// Forwarder executes commands this package does not interpret itself.
type Forwarder interface {
	ForwardCommand(cmd []byte) error
}

// Interpreter executes ring commands against a shared region.
//
// Execute is not safe for concurrent use on overlapping parts of Region,
// which the channel guarantees by running commands on a single worker.
type Interpreter struct {
	Mapper    PageMapper
	Forwarder Forwarder
	// Region is the shared buffer that paging commands transfer to or from.
	Region []byte
}

// Execute decodes and runs one command. Every failure is returned as an
// error; none of them panic or leave a guest page mapped.
func (x *Interpreter) Execute(cmd []byte) error {
	if len(cmd) < HeaderSize {
		return reject(OpCode(firstByte(cmd)), ErrInvalidCommand, "length %d shorter than header", len(cmd))
	}
	switch op := OpCode(cmd[0]); op {
	case OpSysmemCmd:
		return x.executeSysmem(cmd)
	case OpComplexCmd:
		return x.executeComplex(cmd)
	default:
		return x.executeData(cmd)
	}
}

// executeData runs commands whose whole body is directly addressable.
func (x *Interpreter) executeData(cmd []byte) error {
	switch op := OpCode(cmd[0]); op {
	case OpNopCmd:
		return nil

	case OpPagingTransfer:
		if len(cmd) < pagingTransferSize {
			return reject(op, ErrInvalidCommand, "length %d too small", len(cmd))
		}
		t, err := x.pagingTransferInit(cmd[1], binary.LittleEndian.Uint32(cmd[HeaderSize:]), len(cmd))
		if err != nil {
			return err
		}
		pages := cmd[pagingTransferSize:]
		for i := uint32(0); i < t.count; i++ {
			if err := x.transferPage(t, i, binary.LittleEndian.Uint32(pages[i*4:])); err != nil {
				return err
			}
		}
		return nil

	case OpPagingFill:
		return x.pagingFill(cmd)

	case OpSysmemCmd, OpComplexCmd:
		return reject(op, ErrInvalidCommand, "cannot be nested in an indirect command")

	default:
		if x.Forwarder == nil {
			return reject(op, ErrUnsupported, "no back end")
		}
		if err := x.Forwarder.ForwardCommand(cmd); err != nil {
			return &ResultError{Code: ResultCode(err), Err: err}
		}
		return nil
	}
}

// executeComplex runs each sub-command of a container in order, stopping at
// the first failure. Each sub-command is framed by its own header, whose
// CbCmdHost is the sub-command length.
func (x *Interpreter) executeComplex(cmd []byte) error {
	body := cmd[HeaderSize:]
	for i := 0; len(body) != 0; i++ {
		if len(body) < HeaderSize {
			return reject(OpComplexCmd, ErrInvalidCommand, "element %d: %d trailing bytes", i, len(body))
		}
		n := int(binary.LittleEndian.Uint16(body[4:]))
		if n < HeaderSize || n > len(body) {
			return reject(OpComplexCmd, ErrInvalidCommand, "element %d: length %d out of range (%d remaining)", i, n, len(body))
		}
		if err := x.Execute(body[:n:n]); err != nil {
			return err
		}
		body = body[n:]
	}
	return nil
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
