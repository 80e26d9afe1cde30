// Package buffer implements pooled, growable byte containers with a read cursor and a
// use-counter, plus the primitive codec used to serialize application messages into them.
package buffer

import (
	"errors"
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"
)

const (
	// baselineCapacity is the capacity a recycled buffer is shrunk back to when it grew
	// beyond maxRetainedCapacity while checked out.
	baselineCapacity    = 256
	maxRetainedCapacity = 1024
)

var (
	ErrDoubleRelease = errors.New("buffer: released while already pooled")
	ErrSeekRange     = errors.New("buffer: seek offset out of range")
)

// Buffer is a growable byte sequence with a read cursor. Writes always append after the
// last valid byte; reads consume from the cursor. A Buffer is never read and written
// concurrently. It may be shared by several holders through MarkUsed, and it returns to
// its pool once every holder has called Recycle.
//
// Each Acquire hands out a new Buffer over pooled storage. A Buffer that went back to the
// pool stays released for good, so a late Recycle through it is refused even after its
// storage has been checked out again.
type Buffer struct {
	pool *Pool
	st   *storage
	bb   *bytebufferpool.ByteBuffer
	off  int // read cursor
	gen  uint32

	mu       sync.Mutex // guards uses and released
	uses     int
	released bool
}

// storage is the pooled part of a Buffer.
type storage struct {
	bb  *bytebufferpool.ByteBuffer
	gen uint32 // checkouts so far
}

func newStorage() *storage {
	return &storage{bb: &bytebufferpool.ByteBuffer{B: make([]byte, 0, baselineCapacity)}}
}

// Raw returns every valid byte in the buffer regardless of the cursor.
func (b *Buffer) Raw() []byte { return b.bb.B }

// Bytes returns the unread bytes, from the cursor to the end.
func (b *Buffer) Bytes() []byte { return b.bb.B[b.off:] }

// Size returns the number of valid bytes.
func (b *Buffer) Size() int { return len(b.bb.B) }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.bb.B) - b.off }

// Cap returns the capacity of the backing storage.
func (b *Buffer) Cap() int { return cap(b.bb.B) }

// Offset returns the read cursor.
func (b *Buffer) Offset() int { return b.off }

// Seek moves the read cursor to an absolute offset within the valid bytes.
func (b *Buffer) Seek(off int) error {
	if off < 0 || off > len(b.bb.B) {
		return ErrSeekRange
	}
	b.off = off
	return nil
}

// Skip advances the read cursor by n bytes.
func (b *Buffer) Skip(n int) error {
	if n < 0 || b.off+n > len(b.bb.B) {
		return io.ErrUnexpectedEOF
	}
	b.off += n
	return nil
}

// Reset discards the contents and rewinds the cursor, keeping the storage.
func (b *Buffer) Reset() {
	b.bb.Reset()
	b.off = 0
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) { return b.bb.Write(p) }

// WriteByte appends c. It never fails.
func (b *Buffer) WriteByte(c byte) error { return b.bb.WriteByte(c) }

// WriteString appends the raw bytes of s without any length prefix.
func (b *Buffer) WriteString(s string) (int, error) { return b.bb.WriteString(s) }

// Read implements io.Reader over the unread bytes.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.off >= len(b.bb.B) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.bb.B[b.off:])
	b.off += n
	return n, nil
}

// Next returns the next n unread bytes and advances the cursor past them. The returned
// slice aliases the buffer and is only valid until the buffer is recycled.
func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 || b.off+n > len(b.bb.B) {
		return nil, io.ErrUnexpectedEOF
	}
	p := b.bb.B[b.off : b.off+n]
	b.off += n
	return p, nil
}

// TrimFront drops the first n valid bytes, shifting the remainder to offset zero. The
// cursor moves back by n, stopping at zero.
func (b *Buffer) TrimFront(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.bb.B) {
		b.Reset()
		return
	}
	rest := copy(b.bb.B, b.bb.B[n:])
	b.bb.B = b.bb.B[:rest]
	b.off -= n
	if b.off < 0 {
		b.off = 0
	}
}

// PutUint32At overwrites four bytes at an absolute offset with v in big-endian order.
func (b *Buffer) PutUint32At(off int, v uint32) error {
	if off < 0 || off+4 > len(b.bb.B) {
		return ErrSeekRange
	}
	p := b.bb.B[off : off+4]
	p[0] = byte(v >> 24)
	p[1] = byte(v >> 16)
	p[2] = byte(v >> 8)
	p[3] = byte(v)
	return nil
}

// PeekByte returns the byte at an absolute offset without moving the cursor, or -1 if the
// offset is outside the valid bytes.
func (b *Buffer) PeekByte(off int) int {
	if off < 0 || off+1 > len(b.bb.B) {
		return -1
	}
	return int(b.bb.B[off])
}

// PeekUint16 returns the big-endian uint16 at an absolute offset.
func (b *Buffer) PeekUint16(off int) (uint16, bool) {
	if off < 0 || off+2 > len(b.bb.B) {
		return 0, false
	}
	p := b.bb.B[off:]
	return uint16(p[0])<<8 | uint16(p[1]), true
}

// PeekUint32 returns the big-endian uint32 at an absolute offset.
func (b *Buffer) PeekUint32(off int) (uint32, bool) {
	if off < 0 || off+4 > len(b.bb.B) {
		return 0, false
	}
	p := b.bb.B[off:]
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3]), true
}

// PeekBytes returns a copy of n bytes starting at an absolute offset, or nil if the range
// is outside the valid bytes.
func (b *Buffer) PeekBytes(off, n int) []byte {
	if off < 0 || n < 0 || off+n > len(b.bb.B) {
		return nil
	}
	p := make([]byte, n)
	copy(p, b.bb.B[off:off+n])
	return p
}

// CopyTo replaces the contents of dst with the unread bytes of b and rewinds dst.
func (b *Buffer) CopyTo(dst *Buffer) {
	dst.Reset()
	_, _ = dst.Write(b.Bytes())
}

// Uses returns the current use-count.
func (b *Buffer) Uses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uses
}

// Pooled reports whether the buffer has gone back to its pool.
func (b *Buffer) Pooled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Generation returns which checkout of the underlying storage this buffer is.
func (b *Buffer) Generation() uint32 { return b.gen }

// MarkUsed adds a holder to the buffer. Every MarkUsed must be paired with a Recycle.
func (b *Buffer) MarkUsed() {
	b.mu.Lock()
	b.uses++
	b.mu.Unlock()
}

// Discard drops a buffer that was handed to a sender which could not take it. An unmarked
// buffer goes back to the pool; a marked one keeps the holders it had.
func (b *Buffer) Discard() {
	b.MarkUsed()
	b.Recycle()
}

// Recycle drops one holder. When the last holder is gone the buffer is cleared and pushed
// back to its pool and Recycle returns true. Recycling a buffer that is already pooled is
// refused: it returns false and is counted as a double release, and the storage is left
// alone whoever holds it now.
func (b *Buffer) Recycle() bool {
	return b.release() == nil
}

// Release drops one holder like Recycle, but reports a double release as ErrDoubleRelease
// instead of folding it into false.
func (b *Buffer) Release() error {
	err := b.release()
	if err == errStillShared {
		return nil
	}
	return err
}

var errStillShared = errors.New("buffer: still shared")

func (b *Buffer) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		b.pool.doubleRelease()
		return ErrDoubleRelease
	}

	b.uses--
	if b.uses > 0 {
		return errStillShared
	}

	b.uses = 0
	b.off = 0
	b.released = true
	b.st.clear()
	b.pool.put(b.st)
	return nil
}

func (st *storage) clear() {
	if cap(st.bb.B) > maxRetainedCapacity {
		st.bb.B = make([]byte, 0, baselineCapacity)
		return
	}
	st.bb.Reset()
}
