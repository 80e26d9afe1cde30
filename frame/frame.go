// Package frame builds and parses the length-prefixed frames carried by both transports.
//
// A frame is a big-endian u32 length counting the bytes that follow it, one packet-type
// byte, then the body.
package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/lithdew/bytesutil"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// MaxLength is the exclusive ceiling on a declared frame length.
const MaxLength = 16 << 20

var ErrFrameLength = errors.New("frame: declared length out of range")

// Type identifies the packet carried by a frame.
type Type uint8

// Control packet types. They are handled by the transport and never reach a session.
const (
	TypeEmpty Type = iota
	TypeError
	TypeDisconnect
	TypeRequestID
	TypeResponseID
	TypeKeepAlive
)

// IsControl reports whether t is one of the reserved control packet types.
func (t Type) IsControl() bool { return t <= TypeKeepAlive }

func (t Type) String() string {
	switch t {
	case TypeEmpty:
		return "Empty"
	case TypeError:
		return "Error"
	case TypeDisconnect:
		return "Disconnect"
	case TypeRequestID:
		return "RequestID"
	case TypeResponseID:
		return "ResponseID"
	case TypeKeepAlive:
		return "KeepAlive"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// CheckLength validates a declared length read off the wire.
func CheckLength(n int32) error {
	if n < 0 || n >= MaxLength {
		return fmt.Errorf("%w: %d", ErrFrameLength, n)
	}
	return nil
}

// CheckDatagram validates that p holds exactly one whole frame.
func CheckDatagram(p []byte) error {
	if len(p) < HeaderSize {
		return io.ErrUnexpectedEOF
	}
	n := int32(bytesutil.Uint32BE(p[:HeaderSize]))
	if err := CheckLength(n); err != nil {
		return err
	}
	if int(n) != len(p)-HeaderSize {
		return fmt.Errorf("%w: declared %d, carried %d", ErrFrameLength, n, len(p)-HeaderSize)
	}
	return nil
}

// Begin appends a length placeholder and the packet type to b and returns the offset the
// frame starts at. The body is written with the buffer's append methods, then End or EndAt
// finalizes it.
func Begin(b *buffer.Buffer, t Type) int {
	start := b.Size()
	b.WriteUint32(0)
	b.WriteUint8(uint8(t))
	return start
}

// New acquires a buffer from p and begins a frame of type t in it. The buffer is acquired
// unmarked, so handing it to a transport's Send transfers ownership.
func New(p *buffer.Pool, t Type) *buffer.Buffer {
	if p == nil {
		p = buffer.Default
	}
	b := p.Acquire(false)
	Begin(b, t)
	return b
}

// End finalizes a frame that starts at offset zero.
func End(b *buffer.Buffer) error { return EndAt(b, 0) }

// EndAt back-patches the length of the frame starting at start and rewinds the read
// cursor to start.
func EndAt(b *buffer.Buffer, start int) error {
	n := b.Size() - start - HeaderSize
	if n < 0 || n >= MaxLength {
		return fmt.Errorf("%w: %d", ErrFrameLength, n)
	}
	if err := b.PutUint32At(start, uint32(n)); err != nil {
		return err
	}
	return b.Seek(start)
}

// PeekLength returns the declared length of the frame starting at offset zero.
func PeekLength(b *buffer.Buffer) (int32, bool) {
	v, ok := b.PeekUint32(0)
	return int32(v), ok
}

// PeekType returns the packet type of the frame starting at offset zero.
func PeekType(b *buffer.Buffer) (Type, bool) {
	v := b.PeekByte(HeaderSize)
	if v < 0 {
		return 0, false
	}
	return Type(v), true
}

// Body positions the read cursor just past the packet type, at the first body byte.
func Body(b *buffer.Buffer) error { return b.Seek(HeaderSize + 1) }
