package command

import (
	"encoding/binary"
	"fmt"
)

// Rect is a rectangle in surface pixels.
type Rect struct {
	Left   int16
	Top    int16
	Width  uint16
	Height uint16
}

const rectSize = 8

func decodeRect(b []byte) Rect {
	_ = b[rectSize-1]
	return Rect{
		Left:   int16(binary.LittleEndian.Uint16(b)),
		Top:    int16(binary.LittleEndian.Uint16(b[2:])),
		Width:  binary.LittleEndian.Uint16(b[4:]),
		Height: binary.LittleEndian.Uint16(b[6:]),
	}
}

func (r Rect) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(r.Left))
	b = binary.LittleEndian.AppendUint16(b, uint16(r.Top))
	b = binary.LittleEndian.AppendUint16(b, r.Width)
	return binary.LittleEndian.AppendUint16(b, r.Height)
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.Left, r.Top, r.Width, r.Height)
}

// Empty reports whether r has no width.
func (r Rect) Empty() bool { return r.Width == 0 }

// Union returns the bounding rectangle of r and o. An empty r yields o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	left := min(r.Left, o.Left)
	top := min(r.Top, o.Top)
	right := max(int32(r.Left)+int32(r.Width), int32(o.Left)+int32(o.Width))
	bottom := max(int32(r.Top)+int32(r.Height), int32(o.Top)+int32(o.Height))
	return Rect{
		Left:   left,
		Top:    top,
		Width:  uint16(right - int32(left)),
		Height: uint16(bottom - int32(top)),
	}
}

// Surface describes a linear surface in the shared region.
type Surface struct {
	Width  uint32
	Height uint32
	Format uint32
	Bpp    uint32
	Pitch  uint32
	Flags  uint32
}

const surfaceSize = 24

func decodeSurface(b []byte) Surface {
	_ = b[surfaceSize-1]
	return Surface{
		Width:  binary.LittleEndian.Uint32(b),
		Height: binary.LittleEndian.Uint32(b[4:]),
		Format: binary.LittleEndian.Uint32(b[8:]),
		Bpp:    binary.LittleEndian.Uint32(b[12:]),
		Pitch:  binary.LittleEndian.Uint32(b[16:]),
		Flags:  binary.LittleEndian.Uint32(b[20:]),
	}
}

func (s Surface) appendTo(b []byte) []byte {
	for _, v := range [...]uint32{s.Width, s.Height, s.Format, s.Bpp, s.Pitch, s.Flags} {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

// span is the byte range of a rectangle within a surface.
type span struct {
	start  uint64 // offset of the first byte of the first row
	line   uint64 // bytes per row
	pitch  uint64
	height uint64
}

// surfaceSpan validates r against s, and locates it within a region of
// regionLen bytes where the surface starts at base.
func surfaceSpan(base uint64, s Surface, r Rect, regionLen int) (span, error) {
	if base > uint64(regionLen) {
		return span{}, fmt.Errorf("surface at %#x beyond region", base)
	}
	if r.Left < 0 || r.Top < 0 {
		return span{}, fmt.Errorf("negative origin %v", r)
	}
	if uint64(r.Left)+uint64(r.Width) > uint64(s.Width) || uint64(r.Top)+uint64(r.Height) > uint64(s.Height) {
		return span{}, fmt.Errorf("rect %v outside %dx%d surface", r, s.Width, s.Height)
	}
	bitLeft := uint64(r.Left) * uint64(s.Bpp)
	lineStart := bitLeft >> 3
	lineEnd := (bitLeft+7)>>3 + (uint64(s.Bpp)*uint64(r.Width)+7)>>3
	sp := span{
		start:  base + uint64(s.Pitch)*uint64(r.Top) + lineStart,
		line:   lineEnd - lineStart,
		pitch:  uint64(s.Pitch),
		height: uint64(r.Height),
	}
	if sp.line > sp.pitch {
		return span{}, fmt.Errorf("row of %d bytes exceeds pitch %d", sp.line, sp.pitch)
	}
	if sp.height != 0 {
		if end := sp.start + (sp.height-1)*sp.pitch + sp.line; end > uint64(regionLen) || end < sp.start {
			return span{}, fmt.Errorf("rect %v at %#x exceeds region", r, base)
		}
	}
	return sp, nil
}
