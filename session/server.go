package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
	"github.com/TheSmallBoat/tether/transport"
)

var _ transport.FrameHandler = (*Server)(nil)
var _ transport.StateHandler = (*Server)(nil)
var _ transport.DatagramHandler = (*Server)(nil)

var ErrUnknownPeer = errors.New("session: unknown peer")

// Server accepts clients over TCP, tracks them as peers and exchanges messages with them
// over the stream and over UDP. Everything observable happens inside Update.
type Server struct {
	Handler     Handler
	PeerHandler PeerHandler

	opts ServerOptions
	pool *buffer.Pool

	sweep sync.Mutex // serializes Update and Stop

	mu      sync.Mutex
	ln      *transport.Listener
	udp     *transport.PacketConn
	pending []*transport.Conn // accepted, handshake not done yet

	peers *Registry

	wg sync.WaitGroup // retired connections still shutting down
}

func NewServer(opts ServerOptions) *Server {
	if opts.Pool == nil {
		opts.Pool = buffer.Default
	}
	if opts.FrameBudget <= 0 {
		opts.FrameBudget = DefaultFrameBudget
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{opts: opts, pool: opts.Pool, peers: NewRegistry(opts.UniqueIDs)}
}

// Start opens the stream listener and the datagram socket.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return errors.New("session: server already started")
	}

	ln, err := transport.ListenConfig{
		Pool:      s.pool,
		Version:   s.opts.Version,
		UniqueIDs: s.opts.UniqueIDs,
		Backlog:   s.opts.Backlog,
	}.Listen(s.opts.TCPAddr)
	if err != nil {
		return fmt.Errorf("session: failed to listen on '%s': %w", s.opts.TCPAddr, err)
	}

	udp, err := transport.PacketConfig{
		Pool:      s.pool,
		Multicast: s.opts.Multicast,
	}.Listen(s.opts.UDPPort)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("session: failed to listen on udp port %d: %w", s.opts.UDPPort, err)
	}

	s.ln, s.udp = ln, udp
	s.peers = NewRegistry(s.opts.UniqueIDs)

	log.Printf("[server] Listening for clients on '%s'.", ln.Addr())
	if !udp.SendOnly() {
		log.Printf("[server] Listening for datagrams on port %d.", udp.Port())
	}

	return nil
}

// Stop disconnects every peer without notification, closes both sockets and waits for
// their goroutines. Ids are handed out from 1 again after the next Start. It must not be
// called from a handler.
func (s *Server) Stop() {
	s.sweep.Lock()
	defer s.sweep.Unlock()

	s.mu.Lock()
	ln, udp, pending := s.ln, s.udp, s.pending
	s.ln, s.udp, s.pending = nil, nil, nil
	s.mu.Unlock()

	if ln == nil {
		return
	}

	ln.ResetIDs()
	_ = ln.Close()

	for _, conn := range pending {
		conn.Release()
		conn.Wait()
	}
	for _, p := range s.peers.snapshot() {
		s.peers.deregister(p.conn)
		p.conn.Release()
		p.conn.Wait()
	}

	_ = udp.Close()
	s.wg.Wait()

	log.Printf("[server] Stopped.")
}

func (s *Server) Addr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) UDPAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

func (s *Server) Pool() *buffer.Pool { return s.pool }

// Update runs one sweep: it takes in newly accepted connections, drains every connection
// up to the frame budget, drops connections that missed the handshake window or went
// idle, and drains the datagram socket.
func (s *Server) Update() {
	s.sweep.Lock()
	defer s.sweep.Unlock()

	s.mu.Lock()
	ln, udp := s.ln, s.udp
	s.mu.Unlock()

	if ln == nil {
		return
	}

	for {
		conn, ok := ln.Accept()
		if !ok {
			break
		}
		conn.Handler = s
		conn.StateHandler = s

		s.mu.Lock()
		s.pending = append(s.pending, conn)
		s.mu.Unlock()
	}

	now := time.Now()

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var waiting []*transport.Conn
	for _, conn := range pending {
		conn.Update(s.opts.FrameBudget)

		switch {
		case s.peers.findConn(conn) != nil:
		case conn.Status() == transport.NotConnected:
			s.retire(conn)
		case now.Sub(conn.LastReceived()) > s.opts.HandshakeTimeout && conn.Status() != transport.Connected:
			log.Printf("[server] %s did not complete the handshake in time.", conn)
			s.retire(conn)
		default:
			waiting = append(waiting, conn)
		}
	}

	s.mu.Lock()
	s.pending = waiting
	s.mu.Unlock()

	for _, p := range s.peers.snapshot() {
		p.conn.Update(s.opts.FrameBudget)

		if p.conn.Idle(now, s.opts.IdleTimeout) {
			log.Printf("[server] %s timed out.", p)
			s.remove(p)
		}
	}

	if !udp.SendOnly() {
		_, _ = udp.Update(s, 0)
	}
}

// Serve calls Update every interval until ctx is done.
func (s *Server) Serve(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Update()
		}
	}
}

// retire releases conn and waits for it in the background. Wait recycles whatever its
// read goroutine still queued.
func (s *Server) retire(conn *transport.Conn) {
	conn.Release()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.Wait()
	}()
}

// remove drops p from the registry, closes its connection and publishes the disconnect.
func (s *Server) remove(p *Peer) {
	if s.peers.deregister(p.conn) == nil {
		return
	}
	s.retire(p.conn)

	log.Printf("[server] %s has disconnected.", p)
	s.peerHandler().HandlePeer(p, transport.NotConnected, nil)
}

// Kick disconnects the peer with the given id.
func (s *Server) Kick(id int32) error {
	p, ok := s.peers.findID(id)
	if !ok {
		return ErrUnknownPeer
	}
	s.remove(p)
	return nil
}

func (s *Server) Peer(id int32) (*Peer, bool) { return s.peers.findID(id) }

// PeerAt returns the peer whose datagrams come from addr.
func (s *Server) PeerAt(addr *net.UDPAddr) (*Peer, bool) { return s.peers.findAddr(addrKey(addr)) }

// Peers returns the connected peers in the order they connected.
func (s *Server) Peers() []*Peer { return s.peers.snapshot() }

func (s *Server) Len() int { return s.peers.Len() }

// SendReliable sends buf to the peer with the given id over its stream connection.
func (s *Server) SendReliable(id int32, buf *buffer.Buffer) error {
	p, ok := s.peers.findID(id)
	if !ok {
		buf.Discard()
		return ErrUnknownPeer
	}
	return p.conn.Send(buf)
}

// SendUnreliable sends buf to p as a datagram.
func (s *Server) SendUnreliable(p *Peer, buf *buffer.Buffer) error {
	s.mu.Lock()
	udp := s.udp
	s.mu.Unlock()

	if udp == nil {
		buf.Discard()
		return transport.ErrClosed
	}
	return udp.Send(buf, p.udp)
}

// SendCommand builds a Command frame and sends it to p over the stream.
func (s *Server) SendCommand(p *Peer, op uint16, m Marshaler) error {
	b, err := NewCommand(s.pool, op, m)
	if err != nil {
		return err
	}
	return p.conn.Send(b)
}

// Broadcast sends buf to every connected peer over the stream.
func (s *Server) Broadcast(buf *buffer.Buffer) int {
	return s.fanOut(buf, func(*Peer) bool { return true })
}

// BroadcastLayer sends buf to every connected peer on layer.
func (s *Server) BroadcastLayer(layer uint16, buf *buffer.Buffer) int {
	return s.fanOut(buf, func(p *Peer) bool { return p.Layer() == layer })
}

// BroadcastUnreliable sends buf as one datagram to every client on the local network.
func (s *Server) BroadcastUnreliable(buf *buffer.Buffer) error {
	s.mu.Lock()
	udp := s.udp
	s.mu.Unlock()

	if udp == nil {
		buf.Discard()
		return transport.ErrClosed
	}
	return udp.Broadcast(buf, s.opts.ClientUDPPort)
}

// fanOut holds its own reference on buf while queueing it for each matching peer, so a
// writer finishing early cannot pool it mid-loop. It returns how many peers got it.
func (s *Server) fanOut(buf *buffer.Buffer, match func(*Peer) bool) int {
	buf.MarkUsed()
	defer buf.Recycle()

	n := 0
	for _, p := range s.peers.snapshot() {
		if !match(p) {
			continue
		}
		if err := p.conn.Send(buf); err == nil {
			n++
		}
	}
	return n
}

// SetName renames p and tells its client.
func (s *Server) SetName(p *Peer, name string) error {
	p.setName(name)
	return p.conn.Send(newPlayerName(s.pool, name))
}

// SetLayer moves p to layer and tells its client.
func (s *Server) SetLayer(p *Peer, layer uint16) error {
	p.setLayer(layer)
	return p.conn.Send(newPlayerLayer(s.pool, layer))
}

func (s *Server) handler() Handler {
	if s.Handler == nil {
		return DefaultHandler
	}
	return s.Handler
}

func (s *Server) peerHandler() PeerHandler {
	if s.PeerHandler == nil {
		return DefaultPeerHandler
	}
	return s.PeerHandler
}

func (s *Server) HandleState(conn *transport.Conn, state transport.Status, err error) {
	if err != nil {
		log.Printf("[server] %s: %v.", conn, err)
		if p := s.peers.findConn(conn); p != nil {
			s.peerHandler().HandlePeer(p, state, err)
		}
		return
	}

	switch state {
	case transport.Connected:
		var udp *net.UDPAddr
		if remote := conn.RemoteAddr(); remote != nil {
			udp = &net.UDPAddr{IP: remote.IP, Port: s.opts.ClientUDPPort}
		}
		p := newPeer(conn, udp)
		s.peers.register(p)

		log.Printf("[server] %s has connected.", p)
		s.peerHandler().HandlePeer(p, transport.Connected, nil)
	case transport.NotConnected:
		if p := s.peers.findConn(conn); p != nil {
			s.remove(p)
		}
	}
}

func (s *Server) HandleFrame(conn *transport.Conn, buf *buffer.Buffer) {
	defer buf.Recycle()

	p := s.peers.findConn(conn)
	if p == nil {
		return
	}
	s.handle(p, nil, buf)
}

func (s *Server) HandleDatagram(buf *buffer.Buffer, from *net.UDPAddr) {
	defer buf.Recycle()

	if typ, _ := frame.PeekType(buf); typ == frame.TypeError {
		_ = frame.Body(buf)
		msg, _ := buf.ReadText()
		log.Printf("[server] Datagram error from %s: %s.", from, msg)
		return
	}

	p, ok := s.peers.findAddr(addrKey(from))
	if !ok {
		return
	}
	s.handle(p, from, buf)
}

func (s *Server) handle(p *Peer, from *net.UDPAddr, buf *buffer.Buffer) {
	msg, err := decode(buf)
	if err != nil {
		log.Printf("[server] Dropping frame from %s: %v.", p, err)
		return
	}

	switch {
	case msg.Type == TypePlayerName:
		name, err := buf.ReadText()
		if err != nil {
			log.Printf("[server] Bad name from %s: %v.", p, err)
			return
		}
		p.setName(name)
		return
	case msg.Type == TypePlayerLayer, msg.Type == TypeResponse, reserved(msg.Type):
		return
	}

	ctx := contextPool.acquire(msg, p, from, s.pool)
	defer contextPool.release(ctx)

	if err := s.handler().HandleMessage(ctx); err != nil {
		log.Printf("[server] %s from %s: %v.", &msg, p, err)
	}
}
