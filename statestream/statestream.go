// Package statestream is the sequential persistence stream used to save and
// restore channel state: fixed-size little-endian integers and raw byte
// ranges, with a sticky error.
package statestream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned by Reader.GetBytes for lengths above the limit.
var ErrTooLarge = errors.New("statestream: length exceeds limit")

// Writer writes a state stream. After the first failure every Put is a
// no-op and Err returns the failure.
type Writer struct {
	w   io.Writer
	err error
	buf [8]byte
}

// NewWriter returns a Writer appending to w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// PutU32 writes v as 4 little-endian bytes.
func (w *Writer) PutU32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:], v)
	w.PutBytes(w.buf[:4])
}

// PutI32 writes v in two's complement, as PutU32.
func (w *Writer) PutI32(v int32) { w.PutU32(uint32(v)) }

// PutU64 writes v as 8 little-endian bytes.
func (w *Writer) PutU64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[:], v)
	w.PutBytes(w.buf[:8])
}

// PutBytes writes b verbatim, without a length prefix.
func (w *Writer) PutBytes(b []byte) {
	if w.err != nil {
		return
	}
	if _, err := w.w.Write(b); err != nil {
		w.err = fmt.Errorf("statestream: write: %w", err)
	}
}

// Err returns the first write failure.
func (w *Writer) Err() error { return w.err }

// Reader reads a state stream. After the first failure every Get returns
// zero values and Err returns the failure.
type Reader struct {
	r     io.Reader
	err   error
	limit int
	buf   [8]byte
}

// DefaultLimit bounds GetBytes.
const DefaultLimit = 1 << 24

// NewReader returns a Reader consuming r, with GetBytes bounded by
// DefaultLimit.
func NewReader(r io.Reader) *Reader { return &Reader{r: r, limit: DefaultLimit} }

func (r *Reader) fill(b []byte) bool {
	if r.err != nil {
		return false
	}
	if _, err := io.ReadFull(r.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		r.err = fmt.Errorf("statestream: read: %w", err)
		return false
	}
	return true
}

// GetU32 reads 4 little-endian bytes.
func (r *Reader) GetU32() uint32 {
	if !r.fill(r.buf[:4]) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.buf[:4])
}

// GetI32 reads a two's complement value, as GetU32.
func (r *Reader) GetI32() int32 { return int32(r.GetU32()) }

// GetU64 reads 8 little-endian bytes.
func (r *Reader) GetU64() uint64 {
	if !r.fill(r.buf[:8]) {
		return 0
	}
	return binary.LittleEndian.Uint64(r.buf[:8])
}

// GetBytes reads exactly n bytes.
func (r *Reader) GetBytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.limit {
		r.err = fmt.Errorf("%w: %d", ErrTooLarge, n)
		return nil
	}
	b := make([]byte, n)
	if !r.fill(b) {
		return nil
	}
	return b
}

// Fail records err as the stream failure, unless one is already set, so
// that callers validating decoded values share the sticky error.
func (r *Reader) Fail(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

// Err returns the first read or validation failure.
func (r *Reader) Err() error { return r.err }
