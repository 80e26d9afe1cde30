package session

import (
	"fmt"
	"net"
	"sync"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/transport"
)

// DefaultName is the name of a peer that never chose one.
const DefaultName = "Guest"

// Peer is the remote end of a session: a connected client on a Server, or the server on
// a Client.
type Peer struct {
	conn *transport.Conn
	udp  *net.UDPAddr

	mu    sync.Mutex
	name  string
	layer uint16
}

func newPeer(conn *transport.Conn, udp *net.UDPAddr) *Peer {
	return &Peer{conn: conn, udp: udp, name: DefaultName}
}

// ID returns the id the server assigned to this connection.
func (p *Peer) ID() int32 { return p.conn.ID() }

func (p *Peer) Conn() *transport.Conn { return p.conn }

func (p *Peer) Status() transport.Status { return p.conn.Status() }

// UDPAddr returns where unreliable frames for this peer are sent.
func (p *Peer) UDPAddr() *net.UDPAddr { return p.udp }

func (p *Peer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Peer) Layer() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.layer
}

func (p *Peer) setName(name string) {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

func (p *Peer) setLayer(layer uint16) {
	p.mu.Lock()
	p.layer = layer
	p.mu.Unlock()
}

// Send queues a finalized frame on the peer's stream connection.
func (p *Peer) Send(buf *buffer.Buffer) error { return p.conn.Send(buf) }

func (p *Peer) String() string {
	return fmt.Sprintf("%s #%d (%s)", p.Name(), p.ID(), p.conn)
}

func addrKey(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
