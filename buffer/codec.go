package buffer

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/lithdew/bytesutil"
)

// Vector2 is a pair of float32 values.
type Vector2 struct{ X, Y float32 }

// Vector3 is a triple of float32 values.
type Vector3 struct{ X, Y, Z float32 }

// Vector4 is a quadruple of float32 values.
type Vector4 struct{ X, Y, Z, W float32 }

// Quaternion is a rotation encoded as four float32 values in x, y, z, w order.
type Quaternion struct{ X, Y, Z, W float32 }

// Color is an RGBA color encoded as four float32 values.
type Color struct{ R, G, B, A float32 }

// Appends. All integers are big-endian; strings and blocks carry a uvarint length.

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.bb.B = append(b.bb.B, 1)
	} else {
		b.bb.B = append(b.bb.B, 0)
	}
}

func (b *Buffer) WriteUint8(v uint8) { b.bb.B = append(b.bb.B, v) }
func (b *Buffer) WriteInt8(v int8)   { b.bb.B = append(b.bb.B, uint8(v)) }

func (b *Buffer) WriteUint16(v uint16) { b.bb.B = bytesutil.AppendUint16BE(b.bb.B, v) }
func (b *Buffer) WriteInt16(v int16)   { b.bb.B = bytesutil.AppendUint16BE(b.bb.B, uint16(v)) }

func (b *Buffer) WriteUint32(v uint32) { b.bb.B = bytesutil.AppendUint32BE(b.bb.B, v) }
func (b *Buffer) WriteInt32(v int32)   { b.bb.B = bytesutil.AppendUint32BE(b.bb.B, uint32(v)) }

func (b *Buffer) WriteUint64(v uint64) {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], v)
	b.bb.B = append(b.bb.B, p[:]...)
}

func (b *Buffer) WriteInt64(v int64) { b.WriteUint64(uint64(v)) }

func (b *Buffer) WriteFloat32(v float32) { b.WriteUint32(math.Float32bits(v)) }
func (b *Buffer) WriteFloat64(v float64) { b.WriteUint64(math.Float64bits(v)) }

// WriteUvarint appends v as an unsigned varint.
func (b *Buffer) WriteUvarint(v uint64) {
	var p [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(p[:], v)
	b.bb.B = append(b.bb.B, p[:n]...)
}

// WriteText appends s prefixed by its length as a uvarint.
func (b *Buffer) WriteText(s string) {
	b.WriteUvarint(uint64(len(s)))
	b.bb.B = append(b.bb.B, s...)
}

// WriteBlock appends p prefixed by its length as a uvarint.
func (b *Buffer) WriteBlock(p []byte) {
	b.WriteUvarint(uint64(len(p)))
	b.bb.B = append(b.bb.B, p...)
}

func (b *Buffer) WriteVector2(v Vector2) {
	b.WriteFloat32(v.X)
	b.WriteFloat32(v.Y)
}

func (b *Buffer) WriteVector3(v Vector3) {
	b.WriteFloat32(v.X)
	b.WriteFloat32(v.Y)
	b.WriteFloat32(v.Z)
}

func (b *Buffer) WriteVector4(v Vector4) {
	b.WriteFloat32(v.X)
	b.WriteFloat32(v.Y)
	b.WriteFloat32(v.Z)
	b.WriteFloat32(v.W)
}

func (b *Buffer) WriteQuaternion(q Quaternion) {
	b.WriteFloat32(q.X)
	b.WriteFloat32(q.Y)
	b.WriteFloat32(q.Z)
	b.WriteFloat32(q.W)
}

func (b *Buffer) WriteColor(c Color) {
	b.WriteFloat32(c.R)
	b.WriteFloat32(c.G)
	b.WriteFloat32(c.B)
	b.WriteFloat32(c.A)
}

// Reads consume from the cursor and return io.ErrUnexpectedEOF on short input, leaving
// the cursor where it was.

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

func (b *Buffer) ReadUint8() (uint8, error) {
	if b.Len() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.bb.B[b.off]
	b.off++
	return v, nil
}

// ReadByte implements io.ByteReader.
func (b *Buffer) ReadByte() (byte, error) { return b.ReadUint8() }

func (b *Buffer) ReadInt8() (int8, error) {
	v, err := b.ReadUint8()
	return int8(v), err
}

func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := bytesutil.Uint16BE(b.bb.B[b.off : b.off+2])
	b.off += 2
	return v, nil
}

func (b *Buffer) ReadInt16() (int16, error) {
	v, err := b.ReadUint16()
	return int16(v), err
}

func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := bytesutil.Uint32BE(b.bb.B[b.off : b.off+4])
	b.off += 4
	return v, nil
}

func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(b.bb.B[b.off : b.off+8])
	b.off += 8
	return v, nil
}

func (b *Buffer) ReadInt64() (int64, error) {
	v, err := b.ReadUint64()
	return int64(v), err
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	return math.Float32frombits(v), err
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

func (b *Buffer) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(b.bb.B[b.off:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	b.off += n
	return v, nil
}

// ReadText reads a uvarint-prefixed string. The result is copied out of the buffer.
func (b *Buffer) ReadText() (string, error) {
	p, err := b.readPrefixed()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadBlock reads a uvarint-prefixed byte block into a fresh slice.
func (b *Buffer) ReadBlock() ([]byte, error) {
	p, err := b.readPrefixed()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func (b *Buffer) readPrefixed() ([]byte, error) {
	start := b.off
	size, err := b.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if size > uint64(b.Len()) {
		b.off = start
		return nil, io.ErrUnexpectedEOF
	}
	p := b.bb.B[b.off : b.off+int(size)]
	b.off += int(size)
	return p, nil
}

func (b *Buffer) ReadVector2() (Vector2, error) {
	var v Vector2
	f, err := b.readFloats(2)
	if err != nil {
		return v, err
	}
	v.X, v.Y = f[0], f[1]
	return v, nil
}

func (b *Buffer) ReadVector3() (Vector3, error) {
	var v Vector3
	f, err := b.readFloats(3)
	if err != nil {
		return v, err
	}
	v.X, v.Y, v.Z = f[0], f[1], f[2]
	return v, nil
}

func (b *Buffer) ReadVector4() (Vector4, error) {
	var v Vector4
	f, err := b.readFloats(4)
	if err != nil {
		return v, err
	}
	v.X, v.Y, v.Z, v.W = f[0], f[1], f[2], f[3]
	return v, nil
}

func (b *Buffer) ReadQuaternion() (Quaternion, error) {
	var q Quaternion
	f, err := b.readFloats(4)
	if err != nil {
		return q, err
	}
	q.X, q.Y, q.Z, q.W = f[0], f[1], f[2], f[3]
	return q, nil
}

func (b *Buffer) ReadColor() (Color, error) {
	var c Color
	f, err := b.readFloats(4)
	if err != nil {
		return c, err
	}
	c.R, c.G, c.B, c.A = f[0], f[1], f[2], f[3]
	return c, nil
}

func (b *Buffer) readFloats(n int) ([4]float32, error) {
	var out [4]float32
	if b.Len() < 4*n {
		return out, io.ErrUnexpectedEOF
	}
	for i := 0; i < n; i++ {
		out[i], _ = b.ReadFloat32()
	}
	return out, nil
}
