package session

import (
	"errors"
	"net"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/transport"
)

// Context carries one inbound message to a Handler.
type Context struct {
	Message

	// Peer sent the message. On a Client it is the server.
	Peer *Peer

	// From is the source of a datagram; nil for messages that came over the stream.
	From *net.UDPAddr

	pool *buffer.Pool
}

// Unreliable reports whether the message arrived as a datagram.
func (ctx *Context) Unreliable() bool { return ctx.From != nil }

// Reply answers a Request with a Response carrying the same operation and id, sent over
// the peer's stream connection.
func (ctx *Context) Reply(m Marshaler) error {
	if ctx.Type != TypeRequest {
		return errors.New("session: only requests can be replied to")
	}
	if ctx.Peer == nil {
		return transport.ErrNotConnected
	}
	b, err := NewResponse(ctx.pool, ctx.Operation, ctx.ID, m)
	if err != nil {
		return err
	}
	return ctx.Peer.Send(b)
}

// Handler receives application messages: commands, requests and application types. The
// message body is recycled once HandleMessage returns.
type Handler interface {
	HandleMessage(ctx *Context) error
}

type HandlerFunc func(ctx *Context) error

func (fn HandlerFunc) HandleMessage(ctx *Context) error { return fn(ctx) }

var DefaultHandler HandlerFunc = func(ctx *Context) error { return nil }

// PeerHandler observes peers coming and going: Connected after a successful handshake,
// NotConnected once the peer is gone, and the peer's current status with a non-nil err
// for a reported error.
type PeerHandler interface {
	HandlePeer(peer *Peer, state transport.Status, err error)
}

type PeerHandlerFunc func(peer *Peer, state transport.Status, err error)

func (fn PeerHandlerFunc) HandlePeer(peer *Peer, state transport.Status, err error) {
	fn(peer, state, err)
}

var DefaultPeerHandler PeerHandlerFunc = func(peer *Peer, state transport.Status, err error) {}
