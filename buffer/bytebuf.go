// File: buffer/bytebuf.go
// License: Apache-2.0
//
// Reference-counted byte buffer with independent reader and writer indices.

package buffer

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"unicode/utf8"

	"github.com/momentics/hioload-nio/api"
)

// ByteBuf is a growable byte buffer. Bytes in [ReaderIndex, WriterIndex) are
// readable; [WriterIndex, Capacity) is writable. Capacity grows on demand up to
// MaxCapacity. A ByteBuf starts with a reference count of one and hands its
// storage back to its allocator on the final Release.
//
// ByteBuf is not safe for concurrent use; only the reference count is atomic.
type ByteBuf struct {
	buf         []byte
	readerIndex int
	writerIndex int
	maxCapacity int
	refCnt      atomic.Int32
	store       storage
	leak        *leakTracker
}

func newByteBuf(store storage, initial, maxCapacity int) *ByteBuf {
	if maxCapacity <= 0 {
		maxCapacity = DefaultMaxCapacity
	}
	if initial < 0 {
		initial = 0
	}
	if initial > maxCapacity {
		initial = maxCapacity
	}
	b := &ByteBuf{buf: store.get(initial), maxCapacity: maxCapacity, store: store}
	b.refCnt.Store(1)
	return b
}

// Wrap returns an unpooled buffer whose readable region is data. The slice is
// not copied.
func Wrap(data []byte) *ByteBuf {
	b := &ByteBuf{buf: data, writerIndex: len(data), maxCapacity: DefaultMaxCapacity, store: heapStorage{}}
	if len(data) > b.maxCapacity {
		b.maxCapacity = len(data)
	}
	b.refCnt.Store(1)
	return b
}

// CopiedBuffer returns an unpooled buffer holding a copy of data.
func CopiedBuffer(data []byte) *ByteBuf {
	return Wrap(append([]byte(nil), data...))
}

// RefCnt implements api.ReferenceCounted.
func (b *ByteBuf) RefCnt() int32 { return b.refCnt.Load() }

// Retain implements api.ReferenceCounted.
func (b *ByteBuf) Retain() {
	for {
		c := b.refCnt.Load()
		if c <= 0 {
			panic(fmt.Errorf("%w: retain at refCnt %d", api.ErrIllegalReferenceCount, c))
		}
		if b.refCnt.CompareAndSwap(c, c+1) {
			return
		}
	}
}

// Release implements api.ReferenceCounted. Releasing a freed buffer panics with
// api.ErrIllegalReferenceCount.
func (b *ByteBuf) Release() bool {
	for {
		c := b.refCnt.Load()
		if c <= 0 {
			panic(fmt.Errorf("%w: release at refCnt %d", api.ErrIllegalReferenceCount, c))
		}
		if b.refCnt.CompareAndSwap(c, c-1) {
			if c == 1 {
				if b.leak != nil {
					b.leak.close()
					b.leak = nil
				}
				b.store.put(b.buf)
				b.buf = nil
				b.readerIndex, b.writerIndex = 0, 0
				return true
			}
			return false
		}
	}
}

// Touch records hint as the latest access to b when an advanced leak detector
// tracks it. It returns b.
func (b *ByteBuf) Touch(hint any) *ByteBuf {
	if t := b.leak; t != nil {
		t.touch(hint)
	}
	return b
}

func (b *ByteBuf) Capacity() int         { return len(b.buf) }
func (b *ByteBuf) MaxCapacity() int      { return b.maxCapacity }
func (b *ByteBuf) ReaderIndex() int      { return b.readerIndex }
func (b *ByteBuf) WriterIndex() int      { return b.writerIndex }
func (b *ByteBuf) ReadableBytes() int    { return b.writerIndex - b.readerIndex }
func (b *ByteBuf) WritableBytes() int    { return len(b.buf) - b.writerIndex }
func (b *ByteBuf) MaxWritableBytes() int { return b.maxCapacity - b.writerIndex }
func (b *ByteBuf) IsReadable() bool      { return b.writerIndex > b.readerIndex }
func (b *ByteBuf) IsWritable(n int) bool { return b.MaxWritableBytes() >= n }

func (b *ByteBuf) String() string {
	return fmt.Sprintf("ByteBuf(ridx: %d, widx: %d, cap: %d/%d)", b.readerIndex, b.writerIndex, len(b.buf), b.maxCapacity)
}

// SetReaderIndex moves the reader index. It must stay within [0, WriterIndex].
func (b *ByteBuf) SetReaderIndex(i int) error {
	if i < 0 || i > b.writerIndex {
		return fmt.Errorf("%w: readerIndex %d out of [0, %d]", api.ErrInvalidArgument, i, b.writerIndex)
	}
	b.readerIndex = i
	return nil
}

// SetWriterIndex moves the writer index. It must stay within [ReaderIndex, Capacity].
func (b *ByteBuf) SetWriterIndex(i int) error {
	if i < b.readerIndex || i > len(b.buf) {
		return fmt.Errorf("%w: writerIndex %d out of [%d, %d]", api.ErrInvalidArgument, i, b.readerIndex, len(b.buf))
	}
	b.writerIndex = i
	return nil
}

// Clear resets both indices without touching the content.
func (b *ByteBuf) Clear() {
	b.readerIndex, b.writerIndex = 0, 0
}

// Bytes returns the readable region. The slice aliases the buffer until the
// next write or release.
func (b *ByteBuf) Bytes() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// WritableSlice returns the writable region, for transports reading into the
// buffer. Advance the writer index with SetWriterIndex afterwards.
func (b *ByteBuf) WritableSlice() []byte {
	return b.buf[b.writerIndex:]
}

// Skip advances the reader index by n.
func (b *ByteBuf) Skip(n int) error {
	if n < 0 || n > b.ReadableBytes() {
		return io.ErrUnexpectedEOF
	}
	b.readerIndex += n
	return nil
}

// DiscardReadBytes moves the readable region to the start of the storage.
func (b *ByteBuf) DiscardReadBytes() {
	if b.readerIndex == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = 0
	b.writerIndex = n
}

// EnsureWritable grows the buffer so that at least n more bytes fit.
func (b *ByteBuf) EnsureWritable(n int) error {
	if n <= b.WritableBytes() {
		return nil
	}
	if n > b.MaxWritableBytes() {
		return fmt.Errorf("%w: need %d writable bytes, max %d", api.ErrInvalidArgument, n, b.MaxWritableBytes())
	}
	newCap := calculateNewCapacity(b.writerIndex+n, b.maxCapacity)
	next := b.store.get(newCap)
	copy(next, b.buf[:b.writerIndex])
	b.store.put(b.buf)
	b.buf = next
	return nil
}

const capacityThreshold = 4 << 20

// calculateNewCapacity doubles from 64 below 4MiB and steps by 4MiB above it.
func calculateNewCapacity(minCap, maxCap int) int {
	if minCap > capacityThreshold {
		newCap := minCap / capacityThreshold * capacityThreshold
		if newCap > maxCap-capacityThreshold {
			return maxCap
		}
		return newCap + capacityThreshold
	}
	newCap := 64
	for newCap < minCap {
		newCap <<= 1
	}
	if newCap > maxCap {
		return maxCap
	}
	return newCap
}

// Write implements io.Writer.
func (b *ByteBuf) Write(p []byte) (int, error) {
	if err := b.EnsureWritable(len(p)); err != nil {
		return 0, err
	}
	n := copy(b.buf[b.writerIndex:], p)
	b.writerIndex += n
	return n, nil
}

// WriteString appends s.
func (b *ByteBuf) WriteString(s string) (int, error) {
	if err := b.EnsureWritable(len(s)); err != nil {
		return 0, err
	}
	n := copy(b.buf[b.writerIndex:], s)
	b.writerIndex += n
	return n, nil
}

// WriteByte implements io.ByteWriter.
func (b *ByteBuf) WriteByte(c byte) error {
	if err := b.EnsureWritable(1); err != nil {
		return err
	}
	b.buf[b.writerIndex] = c
	b.writerIndex++
	return nil
}

// WriteRune appends the UTF-8 encoding of r.
func (b *ByteBuf) WriteRune(r rune) (int, error) {
	var tmp [utf8.UTFMax]byte
	n := utf8.EncodeRune(tmp[:], r)
	return b.Write(tmp[:n])
}

// WriteBuf appends the readable bytes of src without consuming them.
func (b *ByteBuf) WriteBuf(src *ByteBuf) (int, error) {
	return b.Write(src.Bytes())
}

func (b *ByteBuf) WriteUint16(v uint16) error {
	if err := b.EnsureWritable(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.buf[b.writerIndex:], v)
	b.writerIndex += 2
	return nil
}

func (b *ByteBuf) WriteUint32(v uint32) error {
	if err := b.EnsureWritable(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.buf[b.writerIndex:], v)
	b.writerIndex += 4
	return nil
}

func (b *ByteBuf) WriteUint64(v uint64) error {
	if err := b.EnsureWritable(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b.buf[b.writerIndex:], v)
	b.writerIndex += 8
	return nil
}

// Read implements io.Reader.
func (b *ByteBuf) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !b.IsReadable() {
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex += n
	return n, nil
}

// ReadByte implements io.ByteReader.
func (b *ByteBuf) ReadByte() (byte, error) {
	if !b.IsReadable() {
		return 0, io.EOF
	}
	c := b.buf[b.readerIndex]
	b.readerIndex++
	return c, nil
}

// ReadBytes consumes n bytes and returns a copy of them.
func (b *ByteBuf) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > b.ReadableBytes() {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, b.buf[b.readerIndex:])
	b.readerIndex += n
	return out, nil
}

func (b *ByteBuf) ReadUint16() (uint16, error) {
	if b.ReadableBytes() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(b.buf[b.readerIndex:])
	b.readerIndex += 2
	return v, nil
}

func (b *ByteBuf) ReadUint32() (uint32, error) {
	if b.ReadableBytes() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(b.buf[b.readerIndex:])
	b.readerIndex += 4
	return v, nil
}

func (b *ByteBuf) ReadUint64() (uint64, error) {
	if b.ReadableBytes() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(b.buf[b.readerIndex:])
	b.readerIndex += 8
	return v, nil
}

// GetUnsigned reads a big-endian unsigned integer of width 1, 2, 3, 4 or 8 bytes
// at absolute index i without moving the reader index.
func (b *ByteBuf) GetUnsigned(i, width int) (uint64, error) {
	if i < 0 || i+width > b.writerIndex {
		return 0, io.ErrUnexpectedEOF
	}
	p := b.buf[i:]
	switch width {
	case 1:
		return uint64(p[0]), nil
	case 2:
		return uint64(binary.BigEndian.Uint16(p)), nil
	case 3:
		return uint64(p[0])<<16 | uint64(p[1])<<8 | uint64(p[2]), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(p)), nil
	case 8:
		return binary.BigEndian.Uint64(p), nil
	}
	return 0, fmt.Errorf("%w: unsupported integer width %d", api.ErrInvalidArgument, width)
}

// ReadFrom implements io.ReaderFrom, growing the buffer as needed.
func (b *ByteBuf) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for {
		if b.WritableBytes() == 0 {
			if err := b.EnsureWritable(512); err != nil {
				return total, err
			}
		}
		n, err := r.Read(b.buf[b.writerIndex:])
		b.writerIndex += n
		total += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// WriteTo implements io.WriterTo, consuming the readable bytes.
func (b *ByteBuf) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.Bytes())
	b.readerIndex += n
	return int64(n), err
}

// Copy returns an unpooled copy of the readable bytes.
func (b *ByteBuf) Copy() *ByteBuf {
	return CopiedBuffer(b.Bytes())
}
