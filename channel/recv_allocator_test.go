package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
)

func TestSizeTableIndex(t *testing.T) {
	assert.Equal(t, 0, sizeTableIndex(1))
	assert.Equal(t, 16, sizeTable[sizeTableIndex(16)])
	assert.Equal(t, 32, sizeTable[sizeTableIndex(17)])
	assert.Equal(t, 1024, sizeTable[sizeTableIndex(1000)])
	assert.Equal(t, len(sizeTable)-1, sizeTableIndex(1<<31))
}

func TestAdaptiveRecvAllocator_GrowsAndPlateausAtMaximum(t *testing.T) {
	cfg := newConfig(nil, Metadata{})
	h := NewAdaptiveRecvAllocator().NewHandle()
	assert.Equal(t, DefaultRecvInitial, h.Guess())

	for i := 0; i < 20; i++ {
		h.Reset(cfg)
		guess := h.Guess()
		h.SetAttemptedBytesRead(guess)
		h.SetLastBytesRead(guess)
		h.ReadComplete()
	}
	assert.Equal(t, DefaultRecvMaximum, h.Guess())
}

func TestAdaptiveRecvAllocator_ShrinksAndPlateausAtMinimum(t *testing.T) {
	cfg := newConfig(nil, Metadata{})
	h := NewAdaptiveRecvAllocator().NewHandle()

	for i := 0; i < 100; i++ {
		h.Reset(cfg)
		h.SetAttemptedBytesRead(h.Guess())
		h.SetLastBytesRead(1)
		h.ReadComplete()
	}
	assert.Equal(t, DefaultRecvMinimum, h.Guess())
}

func TestAdaptiveRecvAllocator_OneSmallReadDoesNotShrink(t *testing.T) {
	cfg := newConfig(nil, Metadata{})
	h := NewAdaptiveRecvAllocator().NewHandle()

	h.Reset(cfg)
	h.SetAttemptedBytesRead(h.Guess())
	h.SetLastBytesRead(1)
	h.ReadComplete()
	assert.Equal(t, DefaultRecvInitial, h.Guess())
}

func TestAdaptiveRecvAllocator_RejectsBadBounds(t *testing.T) {
	_, err := NewAdaptiveRecvAllocatorSized(0, 10, 20)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = NewAdaptiveRecvAllocatorSized(64, 32, 128)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	a, err := NewAdaptiveRecvAllocatorSized(100, 200, 5000)
	require.NoError(t, err)
	h := a.NewHandle()
	buf := h.Allocate(buffer.Unpooled)
	defer buf.Release()
	assert.Equal(t, 208, h.Guess())
	assert.GreaterOrEqual(t, buf.WritableBytes(), 208)
}

func TestMaxMessagesHandle_ContinueReading(t *testing.T) {
	cfg := newConfig(nil, Metadata{})
	cfg.values[MaxMessagesPerRead] = 2
	h := FixedRecvAllocator{Size: 8}.NewHandle()
	h.Reset(cfg)

	h.SetAttemptedBytesRead(8)
	h.SetLastBytesRead(8)
	h.IncMessagesRead(1)
	assert.True(t, h.ContinueReading())

	h.SetLastBytesRead(3)
	assert.False(t, h.ContinueReading(), "short read ends the loop")

	h.SetLastBytesRead(8)
	h.IncMessagesRead(1)
	assert.False(t, h.ContinueReading(), "message budget reached")

	cfg.autoRead.Store(false)
	h.Reset(cfg)
	h.SetAttemptedBytesRead(8)
	h.SetLastBytesRead(8)
	assert.False(t, h.ContinueReading(), "auto-read off reads once")
}
