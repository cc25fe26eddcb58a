package command

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BufferCmdType identifies a command of a synchronous command buffer.
type BufferCmdType uint32

const (
	BufferPresentBlt     BufferCmdType = 1
	BufferBpbTransfer    BufferCmdType = 2
	BufferBpbFill        BufferCmdType = 3
	BufferNop            BufferCmdType = 7
	BufferChromiumCmd    BufferCmdType = 8
	BufferChildStatusIRQ BufferCmdType = 10
)

func (t BufferCmdType) String() string {
	switch t {
	case BufferPresentBlt:
		return "present-blt"
	case BufferBpbTransfer:
		return "bpb-transfer"
	case BufferBpbFill:
		return "bpb-fill"
	case BufferNop:
		return "nop"
	case BufferChromiumCmd:
		return "chromium"
	case BufferChildStatusIRQ:
		return "child-status-irq"
	default:
		return fmt.Sprintf("buffer-cmd(%d)", uint32(t))
	}
}

// BPB transfer flags, selecting which end is a shared region offset rather
// than a guest-physical address.
const (
	TransferSrcRegion uint32 = 1
	TransferDstRegion uint32 = 2
)

const (
	// BufferHeaderSize is the size of {type u32, specific u32}.
	BufferHeaderSize = 8

	bltFixedSize      = 88
	bpbTransferSize   = 24
	bpbFillSize       = 16
	bltSubRectsOffset = bltFixedSize
)

// BufferError describes a rejected synchronous buffer command.
type BufferError struct {
	Cause  error
	Reason string
	Type   BufferCmdType
}

func (e *BufferError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("command: buffer %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("command: buffer %s: %s: %v", e.Type, e.Reason, e.Cause)
}

func (e *BufferError) Unwrap() error { return e.Cause }

func rejectBuffer(t BufferCmdType, cause error, format string, args ...any) error {
	return &BufferError{Type: t, Cause: cause, Reason: fmt.Sprintf(format, args...)}
}

// BufferExecutor executes synchronous command buffers: a sequence of
// commands each headed by {type u32, specific u32}. Blits and transfers
// advance to the following command; the remaining types end the buffer.
type BufferExecutor struct {
	Mapper    PageMapper
	Forwarder Forwarder
	// DirtyRect, if non-nil, receives the destination surface offset and the
	// union of the rectangles written by each blit.
	DirtyRect func(surface uint64, r Rect)
	Region    []byte
}

// Execute runs every command in buf, stopping at the first failure.
func (x *BufferExecutor) Execute(buf []byte) error {
	for {
		if len(buf) < BufferHeaderSize {
			return rejectBuffer(0, ErrInvalidCommand, "%d bytes left, want a header", len(buf))
		}
		t := BufferCmdType(binary.LittleEndian.Uint32(buf))
		body := buf[BufferHeaderSize:]

		var (
			n   int
			err error
		)
		switch t {
		case BufferPresentBlt:
			n, err = x.blit(body)
		case BufferBpbTransfer:
			n, err = x.bpbTransfer(body)
		case BufferBpbFill:
			n, err = x.bpbFill(body)
		case BufferChromiumCmd:
			if x.Forwarder == nil {
				return rejectBuffer(t, ErrUnsupported, "no back end")
			}
			if err := x.Forwarder.ForwardCommand(body); err != nil {
				return &ResultError{Code: ResultCode(err), Err: err}
			}
			return nil
		case BufferNop, BufferChildStatusIRQ:
			return nil
		default:
			return rejectBuffer(t, ErrUnsupported, "unknown type")
		}
		if err != nil {
			return err
		}
		if n == len(body) {
			return nil
		}
		buf = body[n:]
	}
}

// blit copies rectangles between two surfaces of the same format, returning
// the body length it consumed.
func (x *BufferExecutor) blit(body []byte) (int, error) {
	if len(body) < bltFixedSize {
		return 0, rejectBuffer(BufferPresentBlt, ErrInvalidCommand, "body of %d bytes", len(body))
	}
	var (
		offSrc  = binary.LittleEndian.Uint64(body)
		offDst  = binary.LittleEndian.Uint64(body[8:])
		srcDesc = decodeSurface(body[16:])
		dstDesc = decodeSurface(body[40:])
		srcRect = decodeRect(body[64:])
		dstRect = decodeRect(body[72:])
		count   = binary.LittleEndian.Uint32(body[84:])
	)
	size := uint64(bltFixedSize) + uint64(count)*rectSize
	if size > uint64(len(body)) {
		return 0, rejectBuffer(BufferPresentBlt, ErrInvalidCommand, "%d sub-rects exceed body of %d bytes", count, len(body))
	}
	if srcRect.Width != dstRect.Width || srcRect.Height != dstRect.Height {
		return 0, rejectBuffer(BufferPresentBlt, ErrUnsupported, "stretch %v to %v", srcRect, dstRect)
	}
	if srcDesc.Format != dstDesc.Format {
		return 0, rejectBuffer(BufferPresentBlt, ErrUnsupported, "format %#x to %#x", srcDesc.Format, dstDesc.Format)
	}

	var update Rect
	if count == 0 {
		if err := x.blitRect(offDst, offSrc, dstDesc, srcDesc, dstRect, srcRect); err != nil {
			return 0, err
		}
		update = dstRect
	} else {
		subRects := body[bltSubRectsOffset:size]
		for i := uint32(0); i < count; i++ {
			sub := decodeRect(subRects[i*rectSize:])
			dst, ok := offsetRect(sub, dstRect)
			if !ok {
				return 0, rejectBuffer(BufferPresentBlt, ErrOutOfBounds, "sub-rect %d %v", i, sub)
			}
			src, ok := offsetRect(sub, srcRect)
			if !ok {
				return 0, rejectBuffer(BufferPresentBlt, ErrOutOfBounds, "sub-rect %d %v", i, sub)
			}
			if err := x.blitRect(offDst, offSrc, dstDesc, srcDesc, dst, src); err != nil {
				return 0, err
			}
			update = update.Union(dst)
		}
	}
	if x.DirtyRect != nil && !update.Empty() {
		x.DirtyRect(offDst, update)
	}
	return int(size), nil
}

// offsetRect translates r by the origin of by.
func offsetRect(r, by Rect) (Rect, bool) {
	left := int32(r.Left) + int32(by.Left)
	top := int32(r.Top) + int32(by.Top)
	if left < math.MinInt16 || left > math.MaxInt16 || top < math.MinInt16 || top > math.MaxInt16 {
		return Rect{}, false
	}
	r.Left, r.Top = int16(left), int16(top)
	return r, true
}

func (x *BufferExecutor) blitRect(offDst, offSrc uint64, dstDesc, srcDesc Surface, dstRect, srcRect Rect) error {
	dst, err := surfaceSpan(offDst, dstDesc, dstRect, len(x.Region))
	if err != nil {
		return rejectBuffer(BufferPresentBlt, ErrOutOfBounds, "destination: %v", err)
	}
	src, err := surfaceSpan(offSrc, srcDesc, srcRect, len(x.Region))
	if err != nil {
		return rejectBuffer(BufferPresentBlt, ErrOutOfBounds, "source: %v", err)
	}
	if dst.line != src.line {
		return rejectBuffer(BufferPresentBlt, ErrUnsupported, "row of %d bytes to %d bytes", src.line, dst.line)
	}
	if dst.height == 0 {
		return nil
	}

	if dstDesc.Width == uint32(dstRect.Width) && srcDesc.Width == uint32(srcRect.Width) &&
		srcDesc.Width == dstDesc.Width && dst.pitch == src.pitch {
		n := (dst.height-1)*dst.pitch + dst.line
		copy(x.Region[dst.start:dst.start+n], x.Region[src.start:src.start+n])
		return nil
	}

	for row := uint64(0); row < dst.height; row++ {
		d := dst.start + row*dst.pitch
		s := src.start + row*src.pitch
		copy(x.Region[d:d+dst.line], x.Region[s:s+src.line])
	}
	return nil
}

// bpbTransfer copies bytes between the shared region and guest-physical
// memory (or within either). Guest ends are mapped one page at a time.
func (x *BufferExecutor) bpbTransfer(body []byte) (int, error) {
	if len(body) < bpbTransferSize {
		return 0, rejectBuffer(BufferBpbTransfer, ErrInvalidCommand, "body of %d bytes", len(body))
	}
	var (
		size  = uint64(binary.LittleEndian.Uint32(body))
		flags = binary.LittleEndian.Uint32(body[4:])
		src   = binary.LittleEndian.Uint64(body[8:])
		dst   = binary.LittleEndian.Uint64(body[16:])
	)
	srcRegion := flags&TransferSrcRegion != 0
	dstRegion := flags&TransferDstRegion != 0
	for _, end := range [...]struct {
		region bool
		off    uint64
	}{{srcRegion, src}, {dstRegion, dst}} {
		if end.region && (end.off > uint64(len(x.Region)) || size > uint64(len(x.Region))-end.off) {
			return 0, rejectBuffer(BufferBpbTransfer, ErrOutOfBounds, "%d bytes at %#x exceed region", size, end.off)
		}
	}
	if (!srcRegion || !dstRegion) && x.Mapper == nil {
		return 0, rejectBuffer(BufferBpbTransfer, ErrNoMapper, "guest-physical transfer")
	}

	for done := uint64(0); done < size; {
		n, err := x.transferChunk(srcRegion, dstRegion, src+done, dst+done, size-done)
		if err != nil {
			return 0, err
		}
		done += n
	}
	return bpbTransferSize, nil
}

func (x *BufferExecutor) transferChunk(srcRegion, dstRegion bool, src, dst, remaining uint64) (uint64, error) {
	var from, to []byte
	if srcRegion {
		from = x.Region[src:]
	} else {
		page, release, err := x.Mapper.MapGuestPage(src, false)
		if err != nil {
			return 0, rejectBuffer(BufferBpbTransfer, pageMappingError(err), "source %#x", src)
		}
		defer release()
		from = page
	}
	if dstRegion {
		to = x.Region[dst:]
	} else {
		page, release, err := x.Mapper.MapGuestPage(dst, true)
		if err != nil {
			return 0, rejectBuffer(BufferBpbTransfer, pageMappingError(err), "destination %#x", dst)
		}
		defer release()
		to = page
	}
	n := min(remaining, uint64(len(from)), uint64(len(to)))
	if n == 0 {
		return 0, rejectBuffer(BufferBpbTransfer, ErrPageMapping, "empty mapping at %#x -> %#x", src, dst)
	}
	copy(to[:n], from[:n])
	return n, nil
}

func (x *BufferExecutor) bpbFill(body []byte) (int, error) {
	if len(body) < bpbFillSize {
		return 0, rejectBuffer(BufferBpbFill, ErrInvalidCommand, "body of %d bytes", len(body))
	}
	var (
		off     = binary.LittleEndian.Uint64(body)
		size    = uint64(binary.LittleEndian.Uint32(body[8:]))
		pattern = binary.LittleEndian.Uint32(body[12:])
	)
	if off > uint64(len(x.Region)) || size > uint64(len(x.Region))-off {
		return 0, rejectBuffer(BufferBpbFill, ErrOutOfBounds, "%d bytes at %#x exceed region", size, off)
	}
	if size%4 != 0 {
		return 0, rejectBuffer(BufferBpbFill, ErrInvalidCommand, "size %d not a multiple of 4", size)
	}
	fill32(x.Region[off:off+size], pattern)
	return bpbFillSize, nil
}

// Blit is the decoded body of a present blit, used to encode buffers.
type Blit struct {
	SrcOffset uint64
	DstOffset uint64
	Src       Surface
	Dst       Surface
	SrcRect   Rect
	DstRect   Rect
	SubRects  []Rect
}

// AppendBlit appends a present blit command.
func AppendBlit(b []byte, blt Blit) []byte {
	b = appendBufferHeader(b, BufferPresentBlt)
	b = binary.LittleEndian.AppendUint64(b, blt.SrcOffset)
	b = binary.LittleEndian.AppendUint64(b, blt.DstOffset)
	b = blt.Src.appendTo(b)
	b = blt.Dst.appendTo(b)
	b = blt.SrcRect.appendTo(b)
	b = blt.DstRect.appendTo(b)
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(blt.SubRects)))
	for _, r := range blt.SubRects {
		b = r.appendTo(b)
	}
	return b
}

// AppendBpbTransfer appends a transfer of size bytes from src to dst, with
// flags selecting which of them are shared region offsets.
func AppendBpbTransfer(b []byte, size, flags uint32, src, dst uint64) []byte {
	b = appendBufferHeader(b, BufferBpbTransfer)
	b = binary.LittleEndian.AppendUint32(b, size)
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = binary.LittleEndian.AppendUint64(b, src)
	return binary.LittleEndian.AppendUint64(b, dst)
}

// AppendBpbFill appends a fill of size bytes at off with pattern.
func AppendBpbFill(b []byte, off uint64, size, pattern uint32) []byte {
	b = appendBufferHeader(b, BufferBpbFill)
	b = binary.LittleEndian.AppendUint64(b, off)
	b = binary.LittleEndian.AppendUint32(b, size)
	return binary.LittleEndian.AppendUint32(b, pattern)
}

// AppendBufferCommand appends a command of type t followed by body, for the
// types whose body extends to the end of the buffer.
func AppendBufferCommand(b []byte, t BufferCmdType, body []byte) []byte {
	return append(appendBufferHeader(b, t), body...)
}

func appendBufferHeader(b []byte, t BufferCmdType) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(t))
	return binary.LittleEndian.AppendUint32(b, 0)
}
