package session

import (
	"testing"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
	"github.com/stretchr/testify/require"
)

func TestPendingRequestsTakeOnce(t *testing.T) {
	p := newPendingRequests()

	calls := 0
	id := p.add(func(*Message) { calls++ })
	require.EqualValues(t, 0, id)
	require.Equal(t, 1, p.len())

	fn := p.take(id)
	require.NotNil(t, fn)
	fn(nil)

	require.Nil(t, p.take(id))
	require.Nil(t, p.take(42))
	require.Equal(t, 1, calls)
	require.Zero(t, p.len())
}

func TestPendingRequestsWrapAround(t *testing.T) {
	p := newPendingRequests()

	var ids []uint8
	for i := 0; i < 258; i++ {
		ids = append(ids, p.add(func(*Message) {}))
	}
	require.EqualValues(t, 255, ids[255])
	require.EqualValues(t, 0, ids[256])
	require.EqualValues(t, 1, ids[257])

	// ids 0 and 1 were replaced, not duplicated
	require.Equal(t, 256, p.len())
	require.Equal(t, 256, p.clear())
	require.Zero(t, p.len())
}

func TestEnvelopeLayout(t *testing.T) {
	pool := buffer.NewPool()

	b, err := newRequest(pool, 0x0102, 9, MarshalFunc(func(b *buffer.Buffer) error {
		b.WriteText("hi")
		return nil
	}))
	require.NoError(t, err)

	typ, ok := frame.PeekType(b)
	require.True(t, ok)
	require.Equal(t, TypeRequest, typ)

	op, ok := b.PeekUint16(OperationOffset)
	require.True(t, ok)
	require.EqualValues(t, 0x0102, op)
	require.Equal(t, 9, b.PeekByte(CorrelationOffset))

	msg, err := decode(b)
	require.NoError(t, err)
	require.Equal(t, TypeRequest, msg.Type)
	require.EqualValues(t, 0x0102, msg.Operation)
	require.EqualValues(t, 9, msg.ID)

	text, err := msg.Body.ReadText()
	require.NoError(t, err)
	require.Equal(t, "hi", text)
}

func TestEncodeFailureRecyclesBuffer(t *testing.T) {
	pool := buffer.NewPool()

	_, err := NewCommand(pool, 1, MarshalFunc(func(b *buffer.Buffer) error {
		return frame.ErrFrameLength
	}))
	require.ErrorIs(t, err, frame.ErrFrameLength)
	require.Equal(t, 1, pool.Free())

	_, err = NewFrame(pool, TypePlayerName, nil)
	require.Error(t, err)
}

func TestDecodeTruncatedEnvelope(t *testing.T) {
	b := frame.New(buffer.NewPool(), TypeResponse)
	b.WriteUint16(7)
	require.NoError(t, frame.End(b))

	_, err := decode(b)
	require.Error(t, err)
}

func TestReservedTypes(t *testing.T) {
	require.True(t, reserved(frame.TypeKeepAlive))
	require.True(t, reserved(frame.Type(11)))
	require.True(t, reserved(frame.Type(31)))
	require.False(t, reserved(TypeCommand))
	require.False(t, reserved(TypePlayerLayer))
	require.False(t, reserved(TypeUser))
}
