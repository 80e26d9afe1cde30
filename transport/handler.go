package transport

import (
	"net"

	"github.com/TheSmallBoat/tether/buffer"
)

// FrameHandler receives application frames drained from a connection. The handler owns
// buf and must Recycle it.
type FrameHandler interface {
	HandleFrame(conn *Conn, buf *buffer.Buffer)
}

type FrameHandlerFunc func(conn *Conn, buf *buffer.Buffer)

func (fn FrameHandlerFunc) HandleFrame(conn *Conn, buf *buffer.Buffer) { fn(conn, buf) }

var DefaultFrameHandler FrameHandlerFunc = func(conn *Conn, buf *buffer.Buffer) { buf.Recycle() }

// StateHandler observes lifecycle events while a connection is drained: Connected once the
// handshake completes, NotConnected once the connection is gone, and the connection's
// current status together with a non-nil err for a reported error.
type StateHandler interface {
	HandleState(conn *Conn, state Status, err error)
}

type StateHandlerFunc func(conn *Conn, state Status, err error)

func (fn StateHandlerFunc) HandleState(conn *Conn, state Status, err error) { fn(conn, state, err) }

var DefaultStateHandler StateHandlerFunc = func(conn *Conn, state Status, err error) {}

// DatagramHandler receives datagrams drained from a PacketConn. The handler owns buf and
// must Recycle it.
type DatagramHandler interface {
	HandleDatagram(buf *buffer.Buffer, from *net.UDPAddr)
}

type DatagramHandlerFunc func(buf *buffer.Buffer, from *net.UDPAddr)

func (fn DatagramHandlerFunc) HandleDatagram(buf *buffer.Buffer, from *net.UDPAddr) { fn(buf, from) }
