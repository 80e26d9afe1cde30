package session

import (
	"time"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/transport"
)

const (
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultIdleTimeout      = 20 * time.Second
	DefaultFrameBudget      = 100
	DefaultReconnectTries   = 8
)

// ServerOptions configure a Server.
type ServerOptions struct {
	// TCPAddr is where the server listens for stream connections.
	TCPAddr string

	// UDPPort is where the server listens for datagrams. Zero opens a send-only socket.
	UDPPort int

	// ClientUDPPort is the port clients receive datagrams on. Together with the remote IP
	// of a peer's stream connection it forms the peer's datagram address.
	ClientUDPPort int

	Version   int32
	UniqueIDs bool
	Multicast bool

	// HandshakeTimeout drops connections that have not completed the handshake in time.
	HandshakeTimeout time.Duration

	// IdleTimeout drops peers that have sent nothing for that long. Zero disables it.
	IdleTimeout time.Duration

	// FrameBudget caps how many frames of one peer a single Update handles.
	FrameBudget int

	// Backlog caps the frames of one peer waiting for Update. A peer that sends faster
	// than the server drains is disconnected. Zero means transport.DefaultBacklog.
	Backlog int

	Pool *buffer.Pool
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		TCPAddr:          ":0",
		Version:          transport.ProtocolVersion,
		UniqueIDs:        true,
		HandshakeTimeout: DefaultHandshakeTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		FrameBudget:      DefaultFrameBudget,
		Backlog:          transport.DefaultBacklog,
	}
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// UDPPort is where the client receives datagrams. Zero opens a send-only socket.
	UDPPort int

	Version        int32
	Multicast      bool
	ConnectTimeout time.Duration

	// KeepAlive is the interval between keep-alive frames sent while connected. Zero
	// disables them.
	KeepAlive time.Duration

	// Reconnect retries with backoff after the connection is lost or cannot be made, at
	// most ReconnectTries times in a row.
	Reconnect      bool
	ReconnectTries int

	// Backlog caps the frames from the server waiting for Update. Zero means
	// transport.DefaultBacklog.
	Backlog int

	Pool *buffer.Pool
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Version:        transport.ProtocolVersion,
		ConnectTimeout: transport.DefaultConnectTimeout,
		KeepAlive:      5 * time.Second,
		ReconnectTries: DefaultReconnectTries,
		Backlog:        transport.DefaultBacklog,
	}
}
