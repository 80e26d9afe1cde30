package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected    = errors.New("transport: not connected")
	ErrClosed          = errors.New("transport: closed")
	ErrHandshake       = errors.New("transport: handshake failed")
	ErrVersionMismatch = errors.New("transport: protocol version mismatch")
	ErrConnectFailed   = errors.New("transport: unable to connect")
	ErrTimeout         = errors.New("transport: timed out")
	ErrSendOnly        = errors.New("transport: datagram socket is send-only")
	ErrBacklog         = errors.New("transport: too many frames waiting")
)

// RemoteError is an error reported through an Error frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// VersionError is reported when the server refuses the handshake over the protocol
// version. Answered is the version it sent back, 0 when it refused the one offered.
type VersionError struct {
	Offered  int32
	Answered int32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%v: server answered %d, expected %d", ErrVersionMismatch, e.Answered, e.Offered)
}

func (e *VersionError) Is(target error) bool { return target == ErrVersionMismatch }
