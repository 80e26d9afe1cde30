// Package transport carries frames over TCP and UDP sockets.
//
// Socket I/O runs on per-connection goroutines that only ever touch queues. Everything a
// consumer observes, frames as well as lifecycle events, is delivered from Update, which
// is meant to be called from a single goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultBacklog        = 1024

	readBufferSize = 8192
	flushTimeout   = 2 * time.Second
)

var errNoEndpoint = errors.New("no endpoint to dial")

// Conn is one stream connection, either dialed through Connect or accepted by a Listener.
type Conn struct {
	Handler      FrameHandler
	StateHandler StateHandler

	// Version is the protocol version offered or required in the handshake. Zero means
	// ProtocolVersion.
	Version int32

	// ConnectTimeout bounds each dial. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Backlog caps how many received frames may wait for Update. A peer that gets further
	// ahead is disconnected with ErrBacklog. Zero means DefaultBacklog.
	Backlog int

	pool *buffer.Pool
	tag  string
	in   *inbox

	mu       sync.Mutex
	status   Status
	id       int32
	link     *link
	remote   *net.TCPAddr
	attempt  uint64 // only the latest connect attempt may attach a socket
	cancel   context.CancelFunc
	accepted bool
	assign   func() int32
	clock    time.Duration // server clock minus local clock
	released bool

	lastRecv int64 // unix nanoseconds, atomic

	wg sync.WaitGroup
}

// link is the socket behind a Conn. A Conn gets a fresh link per connection so that
// goroutines of an abandoned socket can tell they are stale.
type link struct {
	nc  net.Conn
	out *outbox
}

func (l *link) shutdown() {
	l.out.close()
	_ = l.nc.Close()
}

// NewConn returns an unconnected Conn that allocates its frames from pool.
func NewConn(pool *buffer.Pool) *Conn {
	if pool == nil {
		pool = buffer.Default
	}
	return &Conn{pool: pool, tag: uuid.New().String()[:8], in: newInbox()}
}

func newAccepted(nc net.Conn, pool *buffer.Pool, version int32, backlog int, assign func() int32) *Conn {
	c := NewConn(pool)
	c.Version = version
	c.Backlog = backlog
	c.accepted = true
	c.assign = assign

	c.mu.Lock()
	c.status = Verifying
	c.startLocked(nc)
	c.mu.Unlock()

	return c
}

func (c *Conn) startLocked(nc net.Conn) *link {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	l := &link{nc: nc, out: newOutbox()}
	c.link = l
	c.remote, _ = nc.RemoteAddr().(*net.TCPAddr)
	c.touch()

	c.wg.Add(2)
	go c.readLoop(l)
	go c.writeLoop(l)

	return l
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ID returns the id assigned during the handshake.
func (c *Conn) ID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Tag returns a short random string identifying this Conn in logs.
func (c *Conn) Tag() string { return c.tag }

func (c *Conn) RemoteAddr() *net.TCPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Connecting reports whether a connect attempt is in progress.
func (c *Conn) Connecting() bool { return c.Status() == Connecting }

func (c *Conn) IsConnected() bool { return c.Status() == Connected }

// LastReceived returns when bytes last arrived on the socket.
func (c *Conn) LastReceived() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastRecv))
}

// Idle reports whether nothing has arrived for longer than window. A non-positive window
// never expires.
func (c *Conn) Idle(now time.Time, window time.Duration) bool {
	return window > 0 && now.Sub(c.LastReceived()) > window
}

// ServerTime estimates the clock of the server from the time it reported in the handshake.
func (c *Conn) ServerTime() time.Time {
	c.mu.Lock()
	d := c.clock
	c.mu.Unlock()
	return time.Now().Add(d)
}

// Pending returns the number of frames waiting for Update.
func (c *Conn) Pending() int { return c.in.len() }

func (c *Conn) String() string {
	if r := c.RemoteAddr(); r != nil {
		return fmt.Sprintf("%s [%s]", r, c.tag)
	}
	return "[" + c.tag + "]"
}

func (c *Conn) version() int32 {
	if c.Version != 0 {
		return c.Version
	}
	return ProtocolVersion
}

func (c *Conn) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (c *Conn) backlog() int {
	if c.Backlog > 0 {
		return c.Backlog
	}
	return DefaultBacklog
}

func (c *Conn) touch() { atomic.StoreInt64(&c.lastRecv, time.Now().UnixNano()) }

func (c *Conn) moveLocked(next Status) bool {
	if !c.status.canMove(next) {
		return false
	}
	c.status = next
	return true
}

// Connect starts dialing primary, then fallback if primary cannot be reached within the
// connect timeout. It returns immediately; the outcome is reported through Update. Any
// earlier attempt or socket is abandoned.
func (c *Conn) Connect(primary, fallback string) error {
	if c.accepted {
		return errors.New("transport: cannot dial on an accepted connection")
	}
	if primary == "" && fallback == "" {
		return fmt.Errorf("%w: %v", ErrConnectFailed, errNoEndpoint)
	}

	c.mu.Lock()
	c.attempt++
	gen := c.attempt
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	old := c.link
	c.link = nil
	c.status = Connecting
	c.id = 0
	c.released = false
	c.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dial(ctx, gen, primary, fallback)
	}()

	return nil
}

func (c *Conn) dial(ctx context.Context, gen uint64, addrs ...string) {
	err := errNoEndpoint

	for _, addr := range addrs {
		if addr == "" {
			continue
		}

		nc, derr := c.dialOne(ctx, addr)
		if derr == nil {
			if !c.attach(gen, nc) {
				_ = nc.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return // abandoned
		}

		log.Printf("[tcp] Unable to connect to %s: %v.", addr, derr)
		err = derr
	}

	c.connectFailed(gen, err)
}

func (c *Conn) dialOne(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (c *Conn) attach(gen uint64, nc net.Conn) bool {
	c.mu.Lock()
	if c.attempt != gen || c.status != Connecting {
		c.mu.Unlock()
		return false
	}
	l := c.startLocked(nc)
	c.status = Verifying
	c.mu.Unlock()

	log.Printf("[tcp] Connected to %s, requesting an id.", c)
	_ = c.sendLink(l, newRequestID(c.pool, c.version()))
	return true
}

func (c *Conn) connectFailed(gen uint64, err error) {
	c.mu.Lock()
	if c.attempt != gen || c.status != Connecting {
		c.mu.Unlock()
		return
	}
	c.status = NotConnected
	c.mu.Unlock()

	c.pushError(fmt.Errorf("%w: %v", ErrConnectFailed, err))
}

// Send queues buf, a finalized frame, for writing. The transport adds its own hold on buf
// and drops it once written or refused, so an unmarked buf is handed over either way and
// a caller that acquired buf marked must still Recycle it.
func (c *Conn) Send(buf *buffer.Buffer) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil {
		buf.Discard()
		return ErrNotConnected
	}
	return c.sendLink(l, buf)
}

func (c *Conn) sendLink(l *link, buf *buffer.Buffer) error {
	buf.MarkUsed()
	if !l.out.push(outbound{buf: buf}) {
		buf.Recycle()
		return ErrClosed
	}
	return nil
}

// Error queues an Error frame carrying msg for the drain step.
func (c *Conn) Error(msg string) { c.pushError(errors.New(msg)) }

func (c *Conn) pushError(err error) {
	c.in.push(inbound{buf: c.control(frame.TypeError, err.Error()), local: true, err: err})
}

// control builds a frame shaped like one that came off the wire.
func (c *Conn) control(t frame.Type, text string) *buffer.Buffer {
	b := c.pool.Acquire(true)
	frame.Begin(b, t)
	if t == frame.TypeError {
		b.WriteText(text)
	}
	_ = frame.End(b)
	_ = b.Seek(frame.HeaderSize)
	return b
}

// Close abandons any connect attempt and closes the socket, dropping frames not yet
// written. With notify a Disconnect frame is queued so Update reports the closure.
func (c *Conn) Close(notify bool) {
	c.mu.Lock()
	c.attempt++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	l := c.link
	c.link = nil
	was := c.status
	c.status = NotConnected
	c.mu.Unlock()

	if l != nil {
		l.shutdown()
	}
	if notify && was != NotConnected {
		c.in.push(inbound{buf: c.control(frame.TypeDisconnect, ""), local: true})
	}
}

// Release closes the connection without notification and recycles every frame still
// waiting for Update. Frames its goroutines queue on their way out are recycled by Wait.
func (c *Conn) Release() {
	c.Close(false)

	c.mu.Lock()
	c.released = true
	c.mu.Unlock()

	c.in.recycle()
}

// Wait blocks until the goroutines serving this Conn have exited. It must not be called
// from a handler.
func (c *Conn) Wait() {
	c.wg.Wait()

	c.mu.Lock()
	released := c.released
	c.mu.Unlock()

	if released {
		c.in.recycle()
	}
}

func (c *Conn) closeLink(l *link, notify bool, err error) {
	c.mu.Lock()
	if l == nil || c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	was := c.status
	c.status = NotConnected
	c.mu.Unlock()

	l.shutdown()

	switch {
	case err != nil:
		log.Printf("[tcp] %s: %v.", c, err)
		c.pushError(err)
	case notify:
		log.Printf("[tcp] %s has disconnected.", c)
	}

	if notify && was != NotConnected {
		c.in.push(inbound{buf: c.control(frame.TypeDisconnect, ""), local: true})
	}
}

// closeAfterFlush detaches l and lets its writer finish what is queued before closing
// the socket.
func (c *Conn) closeAfterFlush(l *link) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.status = NotConnected
	c.mu.Unlock()

	_ = l.nc.SetWriteDeadline(time.Now().Add(flushTimeout))
	l.out.closeAfterFlush()
}

func (c *Conn) fail(l *link, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.closeLink(l, true, err)
}

func (c *Conn) readLoop(l *link) {
	defer c.wg.Done()

	r := frame.NewReassembler(c.pool)
	defer r.Reset()

	scratch := bytebufferpool.Get()
	defer bytebufferpool.Put(scratch)
	if cap(scratch.B) < readBufferSize {
		scratch.B = make([]byte, readBufferSize)
	}
	buf := scratch.B[:cap(scratch.B)]

	reading := true
	emit := func(b *buffer.Buffer) {
		if !reading {
			b.Recycle()
			return
		}
		reading = c.receive(l, b)
	}

	for reading {
		n, err := l.nc.Read(buf)
		if n > 0 {
			c.touch()
			if ferr := r.Write(buf[:n], emit); ferr != nil {
				c.fail(l, ferr)
				return
			}
		}
		if err != nil {
			c.fail(l, err)
			return
		}
	}
}

func (c *Conn) writeLoop(l *link) {
	defer c.wg.Done()
	defer l.shutdown()

	for {
		it, ok := l.out.next()
		if !ok {
			return
		}
		_, err := l.nc.Write(it.buf.Raw())
		it.buf.Recycle()
		if err != nil {
			c.fail(l, err)
			return
		}
	}
}

// receive gates a reassembled frame on the connection status. It reports whether the
// read loop should keep going.
func (c *Conn) receive(l *link, b *buffer.Buffer) bool {
	typ, ok := frame.PeekType(b)
	if !ok {
		b.Recycle()
		return true
	}

	c.mu.Lock()
	current, status, accepted := c.link == l, c.status, c.accepted
	c.mu.Unlock()

	if !current {
		b.Recycle()
		return false
	}

	switch status {
	case Verifying:
		if accepted {
			return c.verifyRequest(l, b, typ)
		}
		return c.verifyResponse(l, b, typ)
	case Connected:
	default:
		b.Recycle()
		return false
	}

	switch typ {
	case frame.TypeEmpty, frame.TypeKeepAlive:
		b.Recycle()
	case frame.TypeDisconnect:
		b.Recycle()
		c.closeLink(l, true, nil)
		return false
	case frame.TypeRequestID, frame.TypeResponseID:
		b.Recycle()
		err := fmt.Errorf("%w: unexpected %s", ErrHandshake, typ)
		log.Printf("[tcp] %s: %v. Closing.", c, err)
		c.closeLink(l, true, err)
		return false
	default:
		return c.deliver(l, b)
	}
	return true
}

// deliver queues a frame read from l for Update. The link check and the push share c.mu,
// so nothing is queued once Close has detached l.
func (c *Conn) deliver(l *link, b *buffer.Buffer) bool {
	c.mu.Lock()
	current := c.link == l
	queued := current && c.in.pushWithin(inbound{buf: b}, c.backlog())
	c.mu.Unlock()

	switch {
	case !current:
		b.Recycle()
		return false
	case !queued:
		b.Recycle()
		c.closeLink(l, true, fmt.Errorf("%w: more than %d", ErrBacklog, c.backlog()))
		return false
	}
	return true
}

// deliverLocal queues a handshake result read from l, unless l has been detached since.
func (c *Conn) deliverLocal(l *link, it inbound) bool {
	c.mu.Lock()
	current := c.link == l
	if current {
		c.in.push(it)
	}
	c.mu.Unlock()

	if !current {
		it.buf.Recycle()
	}
	return current
}

// Update drains up to budget queued frames, or all of them if budget is not positive, and
// returns how many it handled. Application frames go to Handler; control frames are
// consumed here and surface through StateHandler.
func (c *Conn) Update(budget int) int {
	n := 0
	for budget <= 0 || n < budget {
		it, ok := c.in.pop()
		if !ok {
			break
		}
		n++
		c.dispatch(it)
	}
	return n
}

func (c *Conn) dispatch(it inbound) {
	h, sh := c.Handler, c.StateHandler
	if h == nil {
		h = DefaultFrameHandler
	}
	if sh == nil {
		sh = DefaultStateHandler
	}

	typ, _ := frame.PeekType(it.buf)

	if !it.local {
		if typ == frame.TypeError {
			msg := errorText(it.buf)
			it.buf.Recycle()
			sh.HandleState(c, c.Status(), &RemoteError{Message: msg})
			return
		}
		h.HandleFrame(c, it.buf)
		return
	}

	it.buf.Recycle()

	switch {
	case it.err != nil:
		sh.HandleState(c, c.Status(), it.err)
	case typ == frame.TypeDisconnect:
		sh.HandleState(c, NotConnected, nil)
	case typ == frame.TypeRequestID, typ == frame.TypeResponseID:
		sh.HandleState(c, Connected, nil)
	}
}

func errorText(b *buffer.Buffer) string {
	if err := frame.Body(b); err != nil {
		return ""
	}
	msg, _ := b.ReadText()
	return msg
}
