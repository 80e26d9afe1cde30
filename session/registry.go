package session

import (
	"sync"

	"github.com/TheSmallBoat/tether/transport"
)

// Registry indexes connected peers by connection, by id and by datagram address. A peer
// is either in all three indexes or in none.
type Registry struct {
	mu     sync.Mutex
	list   []*Peer
	conns  map[*transport.Conn]*Peer
	ids    map[int32]*Peer
	addrs  map[string]*Peer
	unique bool
}

// NewRegistry returns an empty registry. Without unique ids every peer shares id 0 and
// ids are not indexed.
func NewRegistry(unique bool) *Registry {
	return &Registry{
		conns:  make(map[*transport.Conn]*Peer),
		ids:    make(map[int32]*Peer),
		addrs:  make(map[string]*Peer),
		unique: unique,
	}
}

func (r *Registry) register(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[p.conn]; exists {
		return
	}
	r.list = append(r.list, p)
	r.conns[p.conn] = p
	if r.unique {
		r.ids[p.ID()] = p
	}
	if key := addrKey(p.udp); key != "" {
		r.addrs[key] = p
	}
}

// deregister removes the peer behind conn from every index and returns it, or nil if
// conn was not registered.
func (r *Registry) deregister(conn *transport.Conn) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.conns[conn]
	if !exists {
		return nil
	}
	delete(r.conns, conn)

	if r.unique && r.ids[p.ID()] == p {
		delete(r.ids, p.ID())
	}
	if key := addrKey(p.udp); r.addrs[key] == p {
		delete(r.addrs, key)
	}
	for i, q := range r.list {
		if q == p {
			copy(r.list[i:], r.list[i+1:])
			r.list[len(r.list)-1] = nil
			r.list = r.list[:len(r.list)-1]
			break
		}
	}
	return p
}

func (r *Registry) findConn(conn *transport.Conn) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[conn]
}

func (r *Registry) findID(id int32) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ids[id]
	return p, ok
}

func (r *Registry) findAddr(key string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.addrs[key]
	return p, ok
}

// snapshot copies the peer list so callers can iterate without holding the lock.
func (r *Registry) snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Peer(nil), r.list...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// indexed reports how many entries each index holds, in the order conns, ids, addrs.
func (r *Registry) indexed() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns), len(r.ids), len(r.addrs)
}
