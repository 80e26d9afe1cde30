package buffer

import (
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	p := NewPool()
	b := p.Acquire(true)
	defer b.Recycle()

	b.WriteBool(true)
	b.WriteBool(false)
	b.WriteUint8(0xfe)
	b.WriteInt8(-7)
	b.WriteUint16(0xbeef)
	b.WriteInt16(math.MinInt16)
	b.WriteUint32(0xdeadbeef)
	b.WriteInt32(-123456789)
	b.WriteUint64(math.MaxUint64 - 1)
	b.WriteInt64(math.MinInt64 + 3)
	b.WriteFloat32(3.25)
	b.WriteFloat64(-1e300)
	b.WriteText("héllo, wörld")
	b.WriteText("")
	b.WriteBlock([]byte{0, 1, 2, 255})
	b.WriteVector2(Vector2{1, 2})
	b.WriteVector3(Vector3{1, 2, 3})
	b.WriteVector4(Vector4{1, 2, 3, 4})
	b.WriteQuaternion(Quaternion{0, 0, 0, 1})
	b.WriteColor(Color{0.5, 0.25, 1, 1})

	v1, err := b.ReadBool()
	require.NoError(t, err)
	require.True(t, v1)
	v2, err := b.ReadBool()
	require.NoError(t, err)
	require.False(t, v2)

	u8, err := b.ReadUint8()
	require.NoError(t, err)
	require.EqualValues(t, 0xfe, u8)
	i8, err := b.ReadInt8()
	require.NoError(t, err)
	require.EqualValues(t, -7, i8)

	u16, err := b.ReadUint16()
	require.NoError(t, err)
	require.EqualValues(t, 0xbeef, u16)
	i16, err := b.ReadInt16()
	require.NoError(t, err)
	require.EqualValues(t, math.MinInt16, i16)

	u32, err := b.ReadUint32()
	require.NoError(t, err)
	require.EqualValues(t, uint32(0xdeadbeef), u32)
	i32, err := b.ReadInt32()
	require.NoError(t, err)
	require.EqualValues(t, -123456789, i32)

	u64, err := b.ReadUint64()
	require.NoError(t, err)
	require.EqualValues(t, uint64(math.MaxUint64-1), u64)
	i64, err := b.ReadInt64()
	require.NoError(t, err)
	require.EqualValues(t, int64(math.MinInt64+3), i64)

	f32, err := b.ReadFloat32()
	require.NoError(t, err)
	require.Equal(t, float32(3.25), f32)
	f64, err := b.ReadFloat64()
	require.NoError(t, err)
	require.Equal(t, -1e300, f64)

	s, err := b.ReadText()
	require.NoError(t, err)
	require.Equal(t, "héllo, wörld", s)
	empty, err := b.ReadText()
	require.NoError(t, err)
	require.Equal(t, "", empty)

	block, err := b.ReadBlock()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 255}, block)

	v2d, err := b.ReadVector2()
	require.NoError(t, err)
	require.Equal(t, Vector2{1, 2}, v2d)
	v3d, err := b.ReadVector3()
	require.NoError(t, err)
	require.Equal(t, Vector3{1, 2, 3}, v3d)
	v4d, err := b.ReadVector4()
	require.NoError(t, err)
	require.Equal(t, Vector4{1, 2, 3, 4}, v4d)
	q, err := b.ReadQuaternion()
	require.NoError(t, err)
	require.Equal(t, Quaternion{0, 0, 0, 1}, q)
	c, err := b.ReadColor()
	require.NoError(t, err)
	require.Equal(t, Color{0.5, 0.25, 1, 1}, c)

	require.Equal(t, 0, b.Len())
}

func TestBigEndianLayout(t *testing.T) {
	b := NewPool().Acquire(true)
	b.WriteUint32(0x01020304)
	b.WriteUint16(0x0506)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, b.Raw())

	v, ok := b.PeekUint32(0)
	require.True(t, ok)
	require.EqualValues(t, 0x01020304, v)
	require.Equal(t, 5, b.PeekByte(4))
	require.Equal(t, -1, b.PeekByte(6))

	_, ok = b.PeekUint32(3)
	require.False(t, ok)
}

func TestShortReadsLeaveCursor(t *testing.T) {
	b := NewPool().Acquire(true)
	b.WriteUint16(7)

	_, err := b.ReadUint32()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 0, b.Offset())

	b.Reset()
	b.WriteUvarint(10)
	_, _ = b.Write([]byte("abc"))
	_, err = b.ReadText()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 0, b.Offset())
}

func TestTrimFrontAndCopy(t *testing.T) {
	p := NewPool()
	b := p.Acquire(true)
	_, _ = b.Write([]byte("0123456789"))
	require.NoError(t, b.Seek(6))

	b.TrimFront(4)
	require.Equal(t, []byte("456789"), b.Raw())
	require.Equal(t, 2, b.Offset())

	dst := p.Acquire(true)
	b.CopyTo(dst)
	require.Equal(t, []byte("6789"), dst.Raw())
	require.Equal(t, 0, dst.Offset())

	require.NoError(t, b.PutUint32At(0, 0xaabbccdd))
	require.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd, '8', '9'}, b.Raw())
	require.ErrorIs(t, b.PutUint32At(3, 1), ErrSeekRange)
}
