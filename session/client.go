package session

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
	"github.com/TheSmallBoat/tether/transport"
	"github.com/jpillora/backoff"
)

var _ transport.FrameHandler = (*Client)(nil)
var _ transport.StateHandler = (*Client)(nil)
var _ transport.DatagramHandler = (*Client)(nil)

// Client holds one session with a server: a stream connection, a datagram socket and the
// requests waiting for responses. Everything observable happens inside Update.
type Client struct {
	Handler     Handler
	PeerHandler PeerHandler

	opts   ClientOptions
	pool   *buffer.Pool
	conn   *transport.Conn
	server *Peer
	reqs   *pendingRequests

	mu        sync.Mutex
	udp       *transport.PacketConn
	serverUDP *net.UDPAddr
	primary   string
	fallback  string
	name      string
	layer     uint16
	keep      bool // reconnect when the connection goes away
	tries     int
	retryAt   time.Time
	lastSent  time.Time
	backoff   *backoff.Backoff
}

func NewClient(opts ClientOptions) *Client {
	if opts.Pool == nil {
		opts.Pool = buffer.Default
	}
	if opts.ReconnectTries <= 0 {
		opts.ReconnectTries = DefaultReconnectTries
	}

	c := &Client{
		opts: opts,
		pool: opts.Pool,
		conn: transport.NewConn(opts.Pool),
		reqs: newPendingRequests(),
		backoff: &backoff.Backoff{
			Factor: 1.25,
			Jitter: true,
			Min:    500 * time.Millisecond,
			Max:    1 * time.Second,
		},
	}
	c.conn.Version = opts.Version
	c.conn.ConnectTimeout = opts.ConnectTimeout
	c.conn.Backlog = opts.Backlog
	c.conn.Handler = c
	c.conn.StateHandler = c
	c.server = newPeer(c.conn, nil)

	return c
}

// Connect opens the datagram socket if needed and starts connecting to primary, then to
// fallback if primary cannot be reached. It returns once the attempt is under way; the
// outcome is reported to PeerHandler from Update. serverUDP is where unreliable frames
// are sent and may be nil.
func (c *Client) Connect(primary, fallback string, serverUDP *net.UDPAddr) error {
	c.mu.Lock()
	if c.udp == nil {
		udp, err := transport.PacketConfig{Pool: c.pool, Multicast: c.opts.Multicast}.Listen(c.opts.UDPPort)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.udp = udp
	}
	c.serverUDP = serverUDP
	c.server.udp = serverUDP
	c.primary, c.fallback = primary, fallback
	c.keep = c.opts.Reconnect
	c.tries = 0
	c.retryAt = time.Time{}
	c.mu.Unlock()

	return c.conn.Connect(primary, fallback)
}

// Disconnect closes the session, notifying PeerHandler if it was connected or on its way,
// and stops reconnecting. Pending requests are discarded.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.keep = false
	c.retryAt = time.Time{}
	c.mu.Unlock()

	c.conn.Close(true)
	c.reqs.clear()
}

// Shutdown disconnects without notification, closes the datagram socket and waits for
// every goroutine of the client. It must not be called from a handler.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.keep = false
	c.retryAt = time.Time{}
	udp := c.udp
	c.udp = nil
	c.mu.Unlock()

	c.conn.Release()
	c.conn.Wait()
	c.reqs.clear()

	if udp != nil {
		_ = udp.Close()
	}
}

func (c *Client) Status() transport.Status { return c.conn.Status() }

func (c *Client) Connecting() bool { return c.conn.Connecting() }

func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// ID returns the id the server assigned to this client.
func (c *Client) ID() int32 { return c.conn.ID() }

// Server returns the peer standing for the server.
func (c *Client) Server() *Peer { return c.server }

// ServerTime estimates the server's clock.
func (c *Client) ServerTime() time.Time { return c.conn.ServerTime() }

func (c *Client) Pool() *buffer.Pool { return c.pool }

// Name returns the name of this client as last set locally or by the server.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.name == "" {
		return DefaultName
	}
	return c.name
}

// Layer returns the layer the server put this client on.
func (c *Client) Layer() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layer
}

// PendingRequests returns how many requests are waiting for a response.
func (c *Client) PendingRequests() int { return c.reqs.len() }

// Send sends a finalized frame to the server over the stream. An unmarked buf is handed
// over even when Send fails.
func (c *Client) Send(buf *buffer.Buffer) error {
	if err := c.conn.Send(buf); err != nil {
		return err
	}
	c.sent()
	return nil
}

// SendUnreliable sends a finalized frame to the server as a datagram.
func (c *Client) SendUnreliable(buf *buffer.Buffer) error {
	c.mu.Lock()
	udp, to := c.udp, c.serverUDP
	c.mu.Unlock()

	if udp == nil || to == nil {
		buf.Discard()
		return transport.ErrNotConnected
	}
	return udp.Send(buf, to)
}

// SendCommand sends a Command for op carrying m.
func (c *Client) SendCommand(op uint16, m Marshaler) error {
	b, err := NewCommand(c.pool, op, m)
	if err != nil {
		return err
	}
	return c.Send(b)
}

// SendRequest sends a Request for op carrying m. fn is called from Update with the
// matching Response, at most once. It is never called if the connection goes away first.
func (c *Client) SendRequest(op uint16, m Marshaler, fn ResponseFunc) error {
	if !c.conn.IsConnected() {
		return transport.ErrNotConnected
	}

	id := c.reqs.add(fn)

	b, err := newRequest(c.pool, op, id, m)
	if err != nil {
		c.reqs.cancel(id)
		return err
	}
	if err := c.Send(b); err != nil {
		c.reqs.cancel(id)
		return err
	}
	return nil
}

// SendKeepAlive tells the server this client is still there.
func (c *Client) SendKeepAlive() error {
	b := frame.New(c.pool, frame.TypeKeepAlive)
	_ = frame.End(b)
	return c.Send(b)
}

// SetName renames this client and tells the server if connected.
func (c *Client) SetName(name string) error {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()

	if !c.conn.IsConnected() {
		return nil
	}
	return c.Send(newPlayerName(c.pool, name))
}

func (c *Client) sent() {
	c.mu.Lock()
	c.lastSent = time.Now()
	c.mu.Unlock()
}

// Update delivers queued frames and datagrams to the handlers, sends a keep-alive when
// one is due and makes a scheduled reconnect attempt.
func (c *Client) Update() {
	c.conn.Update(0)

	c.mu.Lock()
	udp := c.udp
	c.mu.Unlock()

	if udp != nil && !udp.SendOnly() {
		_, _ = udp.Update(c, 0)
	}

	now := time.Now()

	c.mu.Lock()
	keepAlive := c.opts.KeepAlive > 0 && now.Sub(c.lastSent) >= c.opts.KeepAlive
	retry := !c.retryAt.IsZero() && !now.Before(c.retryAt)
	if retry {
		c.retryAt = time.Time{}
	}
	primary, fallback := c.primary, c.fallback
	c.mu.Unlock()

	if keepAlive && c.conn.IsConnected() {
		if err := c.SendKeepAlive(); err != nil {
			log.Printf("[client] Failed to send keep-alive: %v.", err)
		}
	}

	if retry {
		if err := c.conn.Connect(primary, fallback); err != nil {
			log.Printf("[client] Failed to reconnect to %s: %v.", primary, err)
		}
	}
}

// Run calls Update every interval until ctx is done.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Update()
		}
	}
}

// scheduleReconnect plans the next attempt, giving up after the configured number of
// consecutive failures.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.keep {
		return
	}
	if c.tries >= c.opts.ReconnectTries {
		log.Printf("[client] Tried %d times reconnecting to %s. Giving up.", c.tries, c.primary)
		c.keep = false
		return
	}

	c.tries++
	duration := c.backoff.Duration()
	c.retryAt = time.Now().Add(duration)

	log.Printf("[client] Trying to reconnect to %s. Sleeping for %s.", c.primary, duration)
}

func (c *Client) handler() Handler {
	if c.Handler == nil {
		return DefaultHandler
	}
	return c.Handler
}

func (c *Client) peerHandler() PeerHandler {
	if c.PeerHandler == nil {
		return DefaultPeerHandler
	}
	return c.PeerHandler
}

func (c *Client) HandleState(conn *transport.Conn, state transport.Status, err error) {
	if err != nil {
		log.Printf("[client] %s: %v.", conn, err)
		c.peerHandler().HandlePeer(c.server, state, err)

		switch {
		case errors.Is(err, transport.ErrConnectFailed):
			c.scheduleReconnect()
		case errors.Is(err, transport.ErrVersionMismatch), errors.Is(err, transport.ErrHandshake):
			c.mu.Lock()
			c.keep = false
			c.mu.Unlock()
		}
		return
	}

	switch state {
	case transport.Connected:
		c.mu.Lock()
		c.tries = 0
		c.backoff.Reset()
		c.lastSent = time.Now()
		name := c.name
		c.mu.Unlock()

		log.Printf("[client] Connected to %s as #%d.", conn.RemoteAddr(), conn.ID())

		if name != "" {
			_ = c.Send(newPlayerName(c.pool, name))
		}
		c.peerHandler().HandlePeer(c.server, transport.Connected, nil)
	case transport.NotConnected:
		if n := c.reqs.clear(); n > 0 {
			log.Printf("[client] Discarded %d pending request(s).", n)
		}
		c.peerHandler().HandlePeer(c.server, transport.NotConnected, nil)
		c.scheduleReconnect()
	}
}

func (c *Client) HandleFrame(conn *transport.Conn, buf *buffer.Buffer) {
	defer buf.Recycle()
	c.handle(nil, buf)
}

func (c *Client) HandleDatagram(buf *buffer.Buffer, from *net.UDPAddr) {
	defer buf.Recycle()

	if typ, _ := frame.PeekType(buf); typ == frame.TypeError {
		_ = frame.Body(buf)
		msg, _ := buf.ReadText()
		log.Printf("[client] Datagram error from %s: %s.", from, msg)
		return
	}
	c.handle(from, buf)
}

func (c *Client) handle(from *net.UDPAddr, buf *buffer.Buffer) {
	msg, err := decode(buf)
	if err != nil {
		log.Printf("[client] Dropping frame: %v.", err)
		return
	}

	switch {
	case msg.Type == TypeResponse:
		if fn := c.reqs.take(msg.ID); fn != nil {
			fn(&msg)
		}
		return
	case msg.Type == TypePlayerName:
		name, err := buf.ReadText()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.name = name
		c.mu.Unlock()
		return
	case msg.Type == TypePlayerLayer:
		layer, err := buf.ReadUint16()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.layer = layer
		c.mu.Unlock()
		return
	case reserved(msg.Type):
		return
	}

	ctx := contextPool.acquire(msg, c.server, from, c.pool)
	defer contextPool.release(ctx)

	if err := c.handler().HandleMessage(ctx); err != nil {
		log.Printf("[client] %s: %v.", &msg, err)
	}
}
