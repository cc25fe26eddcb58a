package cmdchan

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessorToken(t *testing.T) {
	tok := newProcessorToken()
	assert.Equal(t, tokenProcessing, tok.load())
	assert.False(t, tok.tryAcquire())

	tok.release()
	assert.Equal(t, tokenListening, tok.load())
	assert.Panics(t, tok.release)

	assert.True(t, tok.tryAcquire())
	assert.False(t, tok.tryAcquire())
	assert.Equal(t, "Processing", tok.load().String())
	assert.Equal(t, "Unknown", tokenState(7).String())
}

func TestProcessorTokenSingleOwner(t *testing.T) {
	tok := newProcessorToken()
	tok.release()

	var (
		wg      sync.WaitGroup
		owners  atomic.Int32
		overlap atomic.Bool
		wins    atomic.Int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 2000 {
				if !tok.tryAcquire() {
					continue
				}
				if owners.Add(1) != 1 {
					overlap.Store(true)
				}
				wins.Add(1)
				owners.Add(-1)
				tok.release()
			}
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
	assert.Positive(t, wins.Load())
	assert.Equal(t, tokenListening, tok.load())
}
