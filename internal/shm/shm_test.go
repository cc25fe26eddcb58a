package shm

import (
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alignedBytes(n int) []byte {
	words := make([]uint32, (n+3)/4)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func TestAligned(t *testing.T) {
	b := alignedBytes(16)
	assert.True(t, Aligned(b))
	assert.False(t, Aligned(b[1:]))
	assert.False(t, Aligned(nil))
}

func TestWordsAreLittleEndian(t *testing.T) {
	b := alignedBytes(8)
	StoreUint32(b, 4, 0x11223344)
	assert.Equal(t, uint32(0x11223344), binary.LittleEndian.Uint32(b[4:]))

	binary.LittleEndian.PutUint32(b, 0xA0B0C0D0)
	assert.Equal(t, uint32(0xA0B0C0D0), LoadUint32(b, 0))
}

func TestOrAndNot(t *testing.T) {
	b := alignedBytes(4)
	StoreUint32(b, 0, 0x0000_00F0)
	old := OrUint32(b, 0, 0x0001_0000)
	assert.Equal(t, uint32(0xF0), old)
	assert.Equal(t, uint32(0x0001_00F0), LoadUint32(b, 0))
	AndNotUint32(b, 0, 0x0001_0000)
	assert.Equal(t, uint32(0xF0), LoadUint32(b, 0))
}

func TestByteAccess(t *testing.T) {
	b := alignedBytes(8)
	copy(b, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	assert.Equal(t, byte(3), LoadByte(b, 2))
	assert.Equal(t, byte(8), LoadByte(b, 7))

	assert.False(t, CompareAndSwapByte(b, 6, 9, 10))
	assert.True(t, CompareAndSwapByte(b, 6, 7, 10))
	StoreByte(b, 1, 0xFE)
	assert.Equal(t, []byte{1, 0xFE, 3, 4, 5, 6, 10, 8}, b)
}

func TestCompareAndSwapByteSingleWinner(t *testing.T) {
	b := alignedBytes(4)
	b[2] = 1

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// neighbouring bytes churn concurrently
			StoreByte(b, 3, byte(i))
			if CompareAndSwapByte(b, 2, 1, 3) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	assert.Equal(t, byte(3), b[2])
}

func TestWordPanicsOutOfRange(t *testing.T) {
	b := alignedBytes(6)
	assert.Panics(t, func() { LoadUint32(b, 4) })
	assert.Panics(t, func() { LoadUint32(b, 2) })
	assert.Panics(t, func() { LoadByte(b, 5) })
}
