package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// recorder collects whatever a Conn reports from Update.
type recorder struct {
	mu     sync.Mutex
	states []Status
	errs   []error
	frames [][]byte
}

func (r *recorder) HandleFrame(conn *Conn, buf *buffer.Buffer) {
	r.mu.Lock()
	r.frames = append(r.frames, append([]byte(nil), buf.Raw()...))
	r.mu.Unlock()
	buf.Recycle()
}

func (r *recorder) HandleState(conn *Conn, state Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.states = append(r.states, state)
}

func (r *recorder) last() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return NotConnected, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) hasErr(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (r *recorder) errOf(target error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return err
		}
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func attach(c *Conn) *recorder {
	r := &recorder{}
	c.Handler = r
	c.StateHandler = r
	return r
}

// loop accepts pending connections and drains everything once per tick.
type loop struct {
	ln       *Listener
	clients  []*Conn
	accepted []*Conn
	records  []*recorder
}

func (l *loop) tick() {
	for {
		c, ok := l.ln.Accept()
		if !ok {
			break
		}
		l.accepted = append(l.accepted, c)
		l.records = append(l.records, attach(c))
	}
	for _, c := range l.accepted {
		c.Update(0)
	}
	for _, c := range l.clients {
		c.Update(0)
	}
}

func (l *loop) close(t *testing.T) {
	for _, c := range l.clients {
		c.Release()
		c.Wait()
	}
	for _, c := range l.accepted {
		c.Release()
		c.Wait()
	}
	require.NoError(t, l.ln.Close())
}

func listen(t *testing.T, cfg ListenConfig) *loop {
	ln, err := cfg.Listen("127.0.0.1:0")
	require.NoError(t, err)
	return &loop{ln: ln}
}

func TestHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := listen(t, ListenConfig{UniqueIDs: true})
	defer l.close(t)

	var records []*recorder
	for i := 0; i < 3; i++ {
		c := NewConn(nil)
		records = append(records, attach(c))
		l.clients = append(l.clients, c)
		require.NoError(t, c.Connect(l.ln.Addr().String(), ""))
	}

	require.Eventually(t, func() bool {
		l.tick()
		for _, r := range append(records, l.records...) {
			if s, _ := r.last(); s != Connected {
				return false
			}
		}
		return len(l.accepted) == 3
	}, 5*time.Second, time.Millisecond)

	ids := make(map[int32]bool)
	for _, c := range l.accepted {
		require.Equal(t, Connected, c.Status())
		ids[c.ID()] = true
	}
	require.Len(t, ids, 3)

	for _, c := range l.clients {
		require.Equal(t, Connected, c.Status())
		require.True(t, ids[c.ID()])
		require.WithinDuration(t, time.Now(), c.ServerTime(), time.Second)
	}
}

func TestHandshakeSentinelID(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := listen(t, ListenConfig{})
	defer l.close(t)

	c := NewConn(nil)
	r := attach(c)
	l.clients = append(l.clients, c)
	require.NoError(t, c.Connect(l.ln.Addr().String(), ""))

	require.Eventually(t, func() bool {
		l.tick()
		s, _ := r.last()
		return s == Connected
	}, 5*time.Second, time.Millisecond)

	require.EqualValues(t, 0, c.ID())
}

func TestHandshakeVersionMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := listen(t, ListenConfig{})
	defer l.close(t)

	c := NewConn(nil)
	c.Version = ProtocolVersion + 1
	r := attach(c)
	l.clients = append(l.clients, c)
	require.NoError(t, c.Connect(l.ln.Addr().String(), ""))

	require.Eventually(t, func() bool {
		l.tick()
		return r.hasErr(ErrVersionMismatch) && len(l.accepted) == 1 && l.accepted[0].Status() == NotConnected
	}, 5*time.Second, time.Millisecond)

	require.Equal(t, NotConnected, c.Status())
	_, notified := r.last()
	require.False(t, notified)

	var verr *VersionError
	require.ErrorAs(t, r.errOf(ErrVersionMismatch), &verr)
	require.Zero(t, verr.Answered)
	require.Equal(t, ProtocolVersion+1, verr.Offered)

	_, notified = l.records[0].last()
	require.False(t, notified)
	require.Zero(t, l.records[0].count())
}

func connectPair(t *testing.T, l *loop) (*Conn, *recorder, *recorder) {
	c := NewConn(nil)
	r := attach(c)
	l.clients = append(l.clients, c)
	require.NoError(t, c.Connect(l.ln.Addr().String(), ""))

	require.Eventually(t, func() bool {
		l.tick()
		s, _ := r.last()
		return s == Connected && len(l.records) == 1
	}, 5*time.Second, time.Millisecond)

	return c, r, l.records[0]
}

func TestFramesArriveInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := listen(t, ListenConfig{UniqueIDs: true})
	defer l.close(t)

	client, _, server := connectPair(t, l)

	var sent [][]byte
	for i := 0; i < 500; i++ {
		b := frame.New(nil, frame.Type(32+i%8))
		b.WriteUint32(uint32(i))
		_, _ = b.Write(bytes.Repeat([]byte{byte(i)}, i*7))
		require.NoError(t, frame.End(b))
		sent = append(sent, append([]byte(nil), b.Raw()...))
		require.NoError(t, client.Send(b))
	}

	require.Eventually(t, func() bool {
		l.tick()
		return server.count() == len(sent)
	}, 5*time.Second, time.Millisecond)

	server.mu.Lock()
	defer server.mu.Unlock()
	for i := range sent {
		require.Equal(t, sent[i], server.frames[i])
	}
}

func TestMalformedLengthCloses(t *testing.T) {
	for _, declared := range []uint32{0xffffffff, 20_000_000} {
		func() {
			defer goleak.VerifyNone(t)

			l := listen(t, ListenConfig{})
			defer l.close(t)

			raw, err := net.Dial("tcp", l.ln.Addr().String())
			require.NoError(t, err)
			defer raw.Close()

			req := newRequestID(buffer.NewPool(), ProtocolVersion)
			_, err = raw.Write(req.Raw())
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				l.tick()
				if len(l.records) == 0 {
					return false
				}
				s, _ := l.records[0].last()
				return s == Connected
			}, 5*time.Second, time.Millisecond)

			bad := []byte{byte(declared >> 24), byte(declared >> 16), byte(declared >> 8), byte(declared), 40, 1, 2, 3}
			_, err = raw.Write(bad)
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				l.tick()
				s, _ := l.records[0].last()
				return s == NotConnected
			}, 5*time.Second, time.Millisecond)

			require.True(t, l.records[0].hasErr(frame.ErrFrameLength))
			require.Zero(t, l.records[0].count())

			// the server hangs up
			require.NoError(t, raw.SetReadDeadline(time.Now().Add(5*time.Second)))
			_, err = io.Copy(io.Discard, raw)
			var ne net.Error
			if errors.As(err, &ne) {
				require.False(t, ne.Timeout())
			}
		}()
	}
}

func TestApplicationFrameBeforeHandshakeIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := listen(t, ListenConfig{})
	defer l.close(t)

	raw, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	b := frame.New(buffer.NewPool(), frame.Type(40))
	b.WriteText("too early")
	require.NoError(t, frame.End(b))
	_, err = raw.Write(b.Raw())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		l.tick()
		return len(l.records) == 1 && l.records[0].hasErr(ErrHandshake)
	}, 5*time.Second, time.Millisecond)

	require.Equal(t, NotConnected, l.accepted[0].Status())
	require.Zero(t, l.records[0].count())
}

func TestConnectFallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	require.NoError(t, dead.Close())

	l := listen(t, ListenConfig{})
	defer l.close(t)

	c := NewConn(nil)
	c.ConnectTimeout = time.Second
	r := attach(c)
	l.clients = append(l.clients, c)
	require.NoError(t, c.Connect(deadAddr, l.ln.Addr().String()))

	require.Eventually(t, func() bool {
		l.tick()
		s, _ := r.last()
		return s == Connected
	}, 5*time.Second, time.Millisecond)
}

func TestConnectFailureIsReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	require.NoError(t, dead.Close())

	c := NewConn(nil)
	r := attach(c)
	defer func() {
		c.Release()
		c.Wait()
	}()

	require.NoError(t, c.Connect(deadAddr, ""))

	require.Eventually(t, func() bool {
		c.Update(0)
		return r.hasErr(ErrConnectFailed)
	}, 5*time.Second, time.Millisecond)

	require.Equal(t, NotConnected, c.Status())
	require.False(t, c.Connecting())
}

func TestCloseNotifiesBothSides(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := listen(t, ListenConfig{UniqueIDs: true})
	defer l.close(t)

	client, cr, server := connectPair(t, l)

	l.accepted[0].Close(true)

	require.Eventually(t, func() bool {
		l.tick()
		cs, _ := cr.last()
		ss, _ := server.last()
		return cs == NotConnected && ss == NotConnected
	}, 5*time.Second, time.Millisecond)

	p := buffer.NewPool()
	require.ErrorIs(t, client.Send(frame.New(p, frame.TypeKeepAlive)), ErrNotConnected)
	require.Equal(t, 1, p.Free())
	require.Zero(t, p.Stats().InUse())

	marked := p.Acquire(true)
	require.ErrorIs(t, client.Send(marked), ErrNotConnected)
	require.False(t, marked.Pooled())
	require.True(t, marked.Recycle())
}

func TestBacklogOverflowDisconnects(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := listen(t, ListenConfig{Backlog: 8})
	defer l.close(t)

	client, cr, server := connectPair(t, l)
	accepted := l.accepted[0]

	// the server side is not drained while the client floods it
	for i := 0; i < 64; i++ {
		b := frame.New(nil, frame.Type(32))
		b.WriteUint32(uint32(i))
		_ = frame.End(b)
		_ = client.Send(b)
	}

	require.Eventually(t, func() bool {
		return accepted.Status() == NotConnected
	}, 5*time.Second, time.Millisecond)
	require.LessOrEqual(t, accepted.Pending(), 8+2)

	require.Eventually(t, func() bool {
		l.tick()
		cs, _ := cr.last()
		ss, _ := server.last()
		return cs == NotConnected && ss == NotConnected
	}, 5*time.Second, time.Millisecond)

	require.True(t, server.hasErr(ErrBacklog))
	require.Equal(t, 8, server.count())
}

func TestReleaseRecyclesLateFrames(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := buffer.NewPool()
	l := listen(t, ListenConfig{Pool: p})

	c := NewConn(nil)
	l.clients = append(l.clients, c)
	attach(c)
	require.NoError(t, c.Connect(l.ln.Addr().String(), ""))

	require.Eventually(t, func() bool {
		l.tick()
		return c.IsConnected() && len(l.accepted) == 1
	}, 5*time.Second, time.Millisecond)

	for i := 0; i < 200; i++ {
		b := frame.New(nil, frame.Type(32))
		b.WriteUint32(uint32(i))
		_ = frame.End(b)
		_ = c.Send(b)
	}

	// release while the read goroutine may still be queueing
	l.accepted[0].Release()
	l.accepted[0].Wait()
	require.Zero(t, l.accepted[0].Pending())

	l.close(t)
	require.Zero(t, p.Stats().InUse())
}

func TestCloseAbandonsConnectAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := listen(t, ListenConfig{})
	defer l.close(t)

	c := NewConn(nil)
	r := attach(c)
	l.clients = append(l.clients, c)
	require.NoError(t, c.Connect(l.ln.Addr().String(), ""))
	c.Close(false)

	for i := 0; i < 50; i++ {
		l.tick()
		time.Sleep(time.Millisecond)
	}

	require.Equal(t, NotConnected, c.Status())
	_, notified := r.last()
	require.False(t, notified)
}
