package transport

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/eapache/queue"
)

// ListenConfig holds the options applied to every connection a Listener accepts.
type ListenConfig struct {
	Pool *buffer.Pool

	// Version is the protocol version accepted connections must present. Zero means
	// ProtocolVersion.
	Version int32

	// UniqueIDs makes the listener hand out increasing ids; otherwise every connection
	// gets id 0.
	UniqueIDs bool

	// Backlog caps the frames each accepted connection may have waiting for Update. Zero
	// means DefaultBacklog.
	Backlog int
}

// Listener accepts stream connections in the background and holds them in a backlog
// until Accept is called from the drain loop. Accepted connections start in Verifying.
type Listener struct {
	cfg ListenConfig
	ln  net.Listener

	mu      sync.Mutex
	backlog *queue.Queue
	counter int32
	closed  bool

	wg sync.WaitGroup
}

func (lc ListenConfig) Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{cfg: lc, ln: ln, backlog: queue.New()}
	if l.cfg.Pool == nil {
		l.cfg.Pool = buffer.Default
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.serve()
	}()

	return l, nil
}

func (l *Listener) Addr() *net.TCPAddr { return l.ln.Addr().(*net.TCPAddr) }

func (l *Listener) serve() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[tcp] Failed to accept a connection: %v.", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}

		c := newAccepted(nc, l.cfg.Pool, l.cfg.Version, l.cfg.Backlog, l.nextID)

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			c.Release()
			c.Wait()
			return
		}
		l.backlog.Add(c)
		l.mu.Unlock()
	}
}

// Accept pops the next accepted connection, if any. It never blocks.
func (l *Listener) Accept() (*Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backlog.Length() == 0 {
		return nil, false
	}
	return l.backlog.Remove().(*Conn), true
}

// ResetIDs restarts id assignment from 1.
func (l *Listener) ResetIDs() {
	l.mu.Lock()
	l.counter = 0
	l.mu.Unlock()
}

func (l *Listener) nextID() int32 {
	if !l.cfg.UniqueIDs {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return l.counter
}

// Close stops accepting and releases connections that were never picked up by Accept.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.ln.Close()
	l.wg.Wait()

	l.mu.Lock()
	var pending []*Conn
	for l.backlog.Length() > 0 {
		pending = append(pending, l.backlog.Remove().(*Conn))
	}
	l.mu.Unlock()

	for _, c := range pending {
		c.Release()
		c.Wait()
	}

	return err
}
