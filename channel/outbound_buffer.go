// File: channel/outbound_buffer.go
// License: Apache-2.0
//
// OutboundBuffer queues written messages until the transport drains them.
// Entries form a singly linked list: a flushed prefix the transport may write,
// followed by an unflushed suffix waiting for the next flush.

package channel

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
)

// EntryOverhead is charged per queued message on top of its estimated size.
const EntryOverhead = 96

type outboundEntry struct {
	next        *outboundEntry
	msg         any
	promise     *ChannelPromise
	progress    int64
	total       int64
	pendingSize int
	cancelled   bool
}

// cancel drops the payload of an entry whose promise was cancelled before
// flush. It returns the pending bytes to give back.
func (e *outboundEntry) cancel() int {
	if e.cancelled {
		return 0
	}
	e.cancelled = true
	pending := e.pendingSize
	api.SafeRelease(e.msg)
	e.msg = buffer.Wrap(nil)
	e.pendingSize, e.total, e.progress = 0, 0, 0
	return pending
}

// OutboundBuffer is owned by one channel. All methods except the writability
// getters must be called on the channel's event loop.
type OutboundBuffer struct {
	ch *Channel

	flushedEntry   *outboundEntry
	unflushedEntry *outboundEntry
	tailEntry      *outboundEntry
	flushed        int

	totalPending atomic.Int64
	// bit 0 is the watermark state, bits 1..31 are user-defined.
	unwritable atomic.Int32

	inFail bool
	// close requested by a listener during a failure pass
	closePending bool
	closeCause   error
	slices       [][]byte
}

func newOutboundBuffer(ch *Channel) *OutboundBuffer {
	return &OutboundBuffer{ch: ch}
}

// AddMessage appends msg to the unflushed suffix.
func (b *OutboundBuffer) AddMessage(msg any, size int, p *ChannelPromise) {
	if size < 0 {
		size = 0
	}
	e := &outboundEntry{msg: msg, promise: p, total: int64(size), pendingSize: size + EntryOverhead}
	if b.tailEntry == nil {
		b.flushedEntry = nil
	} else {
		b.tailEntry.next = e
	}
	b.tailEntry = e
	if b.unflushedEntry == nil {
		b.unflushedEntry = e
	}
	b.incrementPending(e.pendingSize, false)
}

// AddFlush moves every unflushed entry into the flushed prefix. Promises of
// flushed entries become uncancellable. Entries cancelled before the flush are
// kept as empty placeholders and give their pending bytes back.
func (b *OutboundBuffer) AddFlush() {
	e := b.unflushedEntry
	if e == nil {
		return
	}
	if b.flushedEntry == nil {
		b.flushedEntry = e
	}
	for ; e != nil; e = e.next {
		b.flushed++
		if !e.promise.SetUncancellable() {
			b.decrementPending(e.cancel(), false, true)
		}
	}
	b.unflushedEntry = nil
}

// IncrementPendingOutboundBytes charges n bytes for data held outside the
// buffer. A writability change fires later through the event loop.
func (b *OutboundBuffer) IncrementPendingOutboundBytes(n int) {
	b.incrementPending(n, true)
}

// DecrementPendingOutboundBytes gives back bytes charged with
// IncrementPendingOutboundBytes.
func (b *OutboundBuffer) DecrementPendingOutboundBytes(n int) {
	b.decrementPending(n, true, true)
}

func (b *OutboundBuffer) incrementPending(n int, later bool) {
	if n == 0 {
		return
	}
	total := b.totalPending.Add(int64(n))
	if total > int64(b.ch.config.WriteBufferWaterMark().High) {
		b.setUnwritable(later)
	}
}

func (b *OutboundBuffer) decrementPending(n int, later, notify bool) {
	if n == 0 {
		return
	}
	total := b.totalPending.Add(-int64(n))
	if notify && total < int64(b.ch.config.WriteBufferWaterMark().Low) {
		b.setWritable(later)
	}
}

// Current returns the message of the first flushed entry, or nil.
func (b *OutboundBuffer) Current() any {
	if b.flushedEntry == nil {
		return nil
	}
	return b.flushedEntry.msg
}

// Progress records n bytes of the current entry as written and reports them
// to a progressive promise.
func (b *OutboundBuffer) Progress(n int64) {
	e := b.flushedEntry
	if e == nil {
		return
	}
	e.progress += n
	if e.promise.IsProgressive() {
		e.promise.TryProgress(e.progress, e.total)
	}
}

// Remove completes the current entry successfully and releases its message.
// It returns false when no flushed entry was left.
func (b *OutboundBuffer) Remove() bool {
	return b.remove0(nil, true)
}

// RemoveError fails the current entry with cause and releases its message.
func (b *OutboundBuffer) RemoveError(cause error) bool {
	return b.remove0(cause, true)
}

func (b *OutboundBuffer) remove0(cause error, notify bool) bool {
	e := b.flushedEntry
	if e == nil {
		b.clearSlices()
		return false
	}
	b.removeEntry(e)
	if !e.cancelled {
		api.SafeRelease(e.msg)
		if cause == nil {
			e.promise.TrySuccess(struct{}{})
		} else {
			e.promise.TryFailure(cause)
		}
		b.decrementPending(e.pendingSize, false, notify)
	}
	e.msg, e.next = nil, nil
	return true
}

func (b *OutboundBuffer) removeEntry(e *outboundEntry) {
	b.flushed--
	if b.flushed == 0 {
		b.flushedEntry = nil
		if e == b.tailEntry {
			b.tailEntry = nil
			b.unflushedEntry = nil
		}
		return
	}
	b.flushedEntry = e.next
}

// RemoveBytes accounts for n written bytes: fully written buffers are removed
// and a partially written one has its reader index advanced.
func (b *OutboundBuffer) RemoveBytes(n int64) {
	if obs := currentObserver(); obs != nil && n > 0 {
		obs.BytesWritten(b.ch.id.String(), int(n))
	}
	for {
		buf, ok := b.Current().(*buffer.ByteBuf)
		if !ok {
			break
		}
		readable := int64(buf.ReadableBytes())
		if readable <= n {
			if n != 0 {
				b.Progress(readable)
				n -= readable
			}
			b.Remove()
			continue
		}
		if n != 0 {
			// 0 < n < readable, so Skip cannot fail.
			buf.Skip(int(n))
			b.Progress(n)
		}
		break
	}
	b.clearSlices()
}

// ByteSlices returns the readable views of consecutive flushed buffers for a
// gathering write, at most maxCount slices and maxBytes bytes (the first
// buffer is always included). It stops at the first message that is not a
// *buffer.ByteBuf. The returned slice is reused by the next call.
func (b *OutboundBuffer) ByteSlices(maxCount int, maxBytes int64) ([][]byte, int64) {
	b.slices = b.slices[:0]
	var total int64
	for e := b.flushedEntry; e != nil && e != b.unflushedEntry && len(b.slices) < maxCount; e = e.next {
		buf, ok := e.msg.(*buffer.ByteBuf)
		if !ok {
			break
		}
		if e.cancelled {
			continue
		}
		readable := int64(buf.ReadableBytes())
		if readable == 0 {
			continue
		}
		if total+readable > maxBytes && len(b.slices) > 0 {
			break
		}
		total += readable
		b.slices = append(b.slices, buf.Bytes())
	}
	return b.slices, total
}

func (b *OutboundBuffer) clearSlices() {
	for i := range b.slices {
		b.slices[i] = nil
	}
	b.slices = b.slices[:0]
}

// Size returns the number of flushed entries.
func (b *OutboundBuffer) Size() int { return b.flushed }

// IsEmpty reports whether no flushed entry is pending.
func (b *OutboundBuffer) IsEmpty() bool { return b.flushed == 0 }

// TotalPendingWriteBytes returns the bytes charged against the watermarks.
func (b *OutboundBuffer) TotalPendingWriteBytes() int64 { return b.totalPending.Load() }

// IsWritable reports whether neither the watermark nor a user-defined bit
// marks the buffer unwritable.
func (b *OutboundBuffer) IsWritable() bool { return b.unwritable.Load() == 0 }

// BytesBeforeUnwritable returns how many bytes can be queued before the
// channel turns unwritable, or 0 when it already is.
func (b *OutboundBuffer) BytesBeforeUnwritable() int64 {
	n := int64(b.ch.config.WriteBufferWaterMark().High) - b.totalPending.Load() + 1
	if n > 0 && b.IsWritable() {
		return n
	}
	return 0
}

// BytesBeforeWritable returns how many bytes must drain before the channel
// turns writable again, or 0 when it already is.
func (b *OutboundBuffer) BytesBeforeWritable() int64 {
	n := b.totalPending.Load() - int64(b.ch.config.WriteBufferWaterMark().Low) + 1
	if n > 0 && !b.IsWritable() {
		return n
	}
	return 0
}

// GetUserDefinedWritability reports the user-defined bit index (1..31).
func (b *OutboundBuffer) GetUserDefinedWritability(index int) bool {
	return b.unwritable.Load()&userWritabilityMask(index) == 0
}

// SetUserDefinedWritability sets the user-defined bit index (1..31). The
// channel is writable only while every bit is writable.
func (b *OutboundBuffer) SetUserDefinedWritability(index int, writable bool) {
	mask := userWritabilityMask(index)
	for {
		old := b.unwritable.Load()
		next := old | mask
		if writable {
			next = old &^ mask
		}
		if b.unwritable.CompareAndSwap(old, next) {
			if (old == 0) != (next == 0) {
				b.fireWritabilityChanged(true)
			}
			return
		}
	}
}

func userWritabilityMask(index int) int32 {
	if index < 1 || index > 31 {
		panic(fmt.Errorf("%w: user-defined writability index %d not in 1..31", api.ErrInvalidArgument, index))
	}
	return 1 << index
}

func (b *OutboundBuffer) setWritable(later bool) {
	for {
		old := b.unwritable.Load()
		next := old &^ 1
		if b.unwritable.CompareAndSwap(old, next) {
			if old != 0 && next == 0 {
				b.fireWritabilityChanged(later)
			}
			return
		}
	}
}

func (b *OutboundBuffer) setUnwritable(later bool) {
	for {
		old := b.unwritable.Load()
		next := old | 1
		if b.unwritable.CompareAndSwap(old, next) {
			if old == 0 {
				b.fireWritabilityChanged(later)
			}
			return
		}
	}
}

func (b *OutboundBuffer) fireWritabilityChanged(later bool) {
	ch := b.ch
	fire := func() {
		if obs := currentObserver(); obs != nil {
			obs.WritabilityChanged(ch.id.String(), ch.IsWritable())
		}
		ch.pipeline.FireChannelWritabilityChanged()
	}
	if later {
		ch.invokeLater(fire)
		return
	}
	fire()
}

// FailFlushed fails every flushed entry with cause. Calls made while a
// failure pass is running are ignored.
func (b *OutboundBuffer) FailFlushed(cause error, notify bool) {
	if b.inFail {
		return
	}
	b.inFail = true
	defer b.endFail()
	for b.remove0(cause, notify) {
	}
}

func (b *OutboundBuffer) endFail() {
	b.inFail = false
	if b.closePending {
		b.closePending = false
		b.Close(b.closeCause)
	}
}

// Close fails every remaining entry with cause and releases the messages.
// Pending bytes are given back without writability events. When called from a
// listener running inside a failure pass, the close runs once that pass ends.
func (b *OutboundBuffer) Close(cause error) {
	if b.inFail {
		if !b.closePending {
			b.closePending, b.closeCause = true, cause
		}
		return
	}
	b.inFail = true
	defer b.endFail()

	for b.remove0(cause, false) {
	}
	for e := b.unflushedEntry; e != nil; {
		b.totalPending.Add(-int64(e.pendingSize))
		if !e.cancelled {
			api.SafeRelease(e.msg)
			e.promise.TryFailure(cause)
		}
		next := e.next
		e.msg, e.next = nil, nil
		e = next
	}
	b.unflushedEntry = nil
	b.tailEntry = nil
	b.flushedEntry = nil
	b.clearSlices()
}
