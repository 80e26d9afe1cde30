package transport

import (
	"fmt"
	"log"
	"time"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
)

// ProtocolVersion is the version both ends must agree on during the handshake.
const ProtocolVersion int32 = 1

// HandshakeWindow is how long an accepted connection may stay in Verifying.
const HandshakeWindow = 2 * time.Second

// RequestID{version}
func newRequestID(p *buffer.Pool, version int32) *buffer.Buffer {
	b := frame.New(p, frame.TypeRequestID)
	b.WriteInt32(version)
	_ = frame.End(b)
	return b
}

// ResponseID{version, id, serverTimeMs}, or ResponseID{0} when the request is refused.
func newResponseID(p *buffer.Pool, version, id int32, now time.Time) *buffer.Buffer {
	b := frame.New(p, frame.TypeResponseID)
	b.WriteInt32(version)
	if version != 0 {
		b.WriteInt32(id)
		b.WriteInt64(now.UnixMilli())
	}
	_ = frame.End(b)
	return b
}

// verifyRequest runs on the read goroutine of an accepted connection for the first frame
// it receives. It reports whether reading should go on.
func (c *Conn) verifyRequest(l *link, b *buffer.Buffer, typ frame.Type) bool {
	if typ != frame.TypeRequestID {
		b.Recycle()
		c.reject(l, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, frame.TypeRequestID, typ))
		return false
	}

	_ = frame.Body(b)
	version, err := b.ReadInt32()
	if err != nil {
		b.Recycle()
		c.reject(l, fmt.Errorf("%w: %v", ErrHandshake, err))
		return false
	}

	if version != c.version() {
		b.Recycle()
		log.Printf("[tcp] %s speaks protocol version %d, this server speaks %d. Refusing it.", c, version, c.version())
		_ = c.sendLink(l, newResponseID(c.pool, 0, 0, time.Time{}))
		c.closeAfterFlush(l)
		return false
	}

	var id int32
	if c.assign != nil {
		id = c.assign()
	}

	c.mu.Lock()
	ok := c.link == l && c.moveLocked(Connected)
	if ok {
		c.id = id
	}
	c.mu.Unlock()

	if !ok {
		b.Recycle()
		return false
	}

	_ = c.sendLink(l, newResponseID(c.pool, version, id, time.Now()))
	_ = b.Seek(frame.HeaderSize)
	return c.deliverLocal(l, inbound{buf: b, local: true})
}

// verifyResponse runs on the read goroutine of a dialed connection for the first frame
// it receives.
func (c *Conn) verifyResponse(l *link, b *buffer.Buffer, typ frame.Type) bool {
	if typ != frame.TypeResponseID {
		b.Recycle()
		c.reject(l, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, frame.TypeResponseID, typ))
		return false
	}

	_ = frame.Body(b)
	version, err := b.ReadInt32()
	if err != nil {
		b.Recycle()
		c.reject(l, fmt.Errorf("%w: %v", ErrHandshake, err))
		return false
	}

	if version == 0 || version != c.version() {
		err := &VersionError{Offered: c.version(), Answered: version}
		log.Printf("[tcp] %s: %v.", c, err)

		c.mu.Lock()
		c.id = 0
		c.mu.Unlock()

		c.closeLink(l, false, nil)
		_ = b.Seek(frame.HeaderSize)
		c.in.push(inbound{buf: b, local: true, err: err})
		return false
	}

	id, err := b.ReadInt32()
	if err == nil {
		var ms int64
		ms, err = b.ReadInt64()
		if err == nil {
			c.mu.Lock()
			c.clock = time.UnixMilli(ms).Sub(time.Now())
			c.mu.Unlock()
		}
	}
	if err != nil {
		b.Recycle()
		c.reject(l, fmt.Errorf("%w: %v", ErrHandshake, err))
		return false
	}

	c.mu.Lock()
	ok := c.link == l && c.moveLocked(Connected)
	if ok {
		c.id = id
	}
	c.mu.Unlock()

	if !ok {
		b.Recycle()
		return false
	}

	_ = b.Seek(frame.HeaderSize)
	return c.deliverLocal(l, inbound{buf: b, local: true})
}

// reject closes a connection that broke the handshake and reports why.
func (c *Conn) reject(l *link, err error) {
	log.Printf("[tcp] %s: %v. Closing.", c, err)
	c.closeLink(l, false, nil)
	c.pushError(err)
}
