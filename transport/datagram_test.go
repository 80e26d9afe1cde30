package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func freeUDPPort(t *testing.T) int {
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())
	return port
}

type datagrams struct {
	mu    sync.Mutex
	types []frame.Type
	raw   [][]byte
	from  []*net.UDPAddr
}

func (d *datagrams) HandleDatagram(buf *buffer.Buffer, from *net.UDPAddr) {
	typ, _ := frame.PeekType(buf)
	d.mu.Lock()
	d.types = append(d.types, typ)
	d.raw = append(d.raw, append([]byte(nil), buf.Raw()...))
	d.from = append(d.from, from)
	d.mu.Unlock()
	buf.Recycle()
}

func (d *datagrams) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.raw)
}

func TestDatagramRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := freeUDPPort(t)
	rx, err := PacketConfig{}.Listen(port)
	require.NoError(t, err)
	defer rx.Close()

	tx, err := PacketConfig{}.Listen(0)
	require.NoError(t, err)
	defer tx.Close()
	require.True(t, tx.SendOnly())

	to := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}

	var want [][]byte
	for i := 0; i < 10; i++ {
		b := frame.New(nil, frame.Type(40))
		b.WriteUint16(uint16(i))
		b.WriteText("datagram")
		require.NoError(t, frame.End(b))
		want = append(want, append([]byte(nil), b.Raw()...))
		require.NoError(t, tx.Send(b, to))
	}

	var got datagrams
	require.Eventually(t, func() bool {
		_, _ = rx.Update(&got, 0)
		return got.count() == len(want)
	}, 5*time.Second, time.Millisecond)

	// loopback keeps order in practice, but nothing promises it
	require.ElementsMatch(t, want, got.raw)
	for _, from := range got.from {
		require.Equal(t, tx.LocalAddr().Port, from.Port)
	}
}

func TestDatagramSendOnlyCannotReceive(t *testing.T) {
	defer goleak.VerifyNone(t)

	tx, err := PacketConfig{}.Listen(0)
	require.NoError(t, err)
	defer tx.Close()

	_, err = tx.Update(&datagrams{}, 0)
	require.ErrorIs(t, err, ErrSendOnly)
}

func TestDatagramDropsMalformedAndEmpty(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := freeUDPPort(t)
	rx, err := PacketConfig{}.Listen(port)
	require.NoError(t, err)
	defer rx.Close()

	raw, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer raw.Close()

	// declared length does not match the datagram
	_, err = raw.Write([]byte{0, 0, 0, 9, 40, 1, 2})
	require.NoError(t, err)
	// declared length beyond the ceiling
	_, err = raw.Write([]byte{0xff, 0xff, 0xff, 0xff, 40, 1, 2})
	require.NoError(t, err)

	empty := frame.New(buffer.NewPool(), frame.TypeEmpty)
	require.NoError(t, frame.End(empty))
	_, err = raw.Write(empty.Raw())
	require.NoError(t, err)

	b := frame.New(buffer.NewPool(), frame.Type(41))
	b.WriteUint8(7)
	require.NoError(t, frame.End(b))
	_, err = raw.Write(b.Raw())
	require.NoError(t, err)

	var got datagrams
	require.Eventually(t, func() bool {
		_, _ = rx.Update(&got, 0)
		return got.count() == 1
	}, 5*time.Second, time.Millisecond)

	require.Equal(t, []frame.Type{41}, got.types)
}

func TestDatagramErrorIsQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	rx, err := PacketConfig{}.Listen(freeUDPPort(t))
	require.NoError(t, err)
	defer rx.Close()

	rx.Error(nil, "boom")

	var got datagrams
	n, err := rx.Update(&got, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []frame.Type{frame.TypeError}, got.types)
}

func TestDatagramBroadcastSocketOption(t *testing.T) {
	defer goleak.VerifyNone(t)

	tx, err := PacketConfig{}.Listen(0)
	require.NoError(t, err)
	require.NoError(t, setBroadcast(tx.pc))
	require.NoError(t, tx.Close())
	require.NoError(t, tx.Close())
}
