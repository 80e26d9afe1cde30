package session

import "sync"

// ResponseFunc receives the response to a request.
type ResponseFunc func(msg *Message)

// pendingRequests maps one-byte correlation ids to the continuation waiting for them.
// Ids are handed out in sequence and wrap at 256; a request still unanswered 256 requests
// later has its continuation replaced.
type pendingRequests struct {
	mu  sync.Mutex
	seq uint8
	fns map[uint8]ResponseFunc
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{fns: make(map[uint8]ResponseFunc)}
}

func (p *pendingRequests) add(fn ResponseFunc) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.seq
	p.seq++
	p.fns[id] = fn
	return id
}

// take removes and returns the continuation for id, or nil if none is waiting.
func (p *pendingRequests) take(id uint8) ResponseFunc {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn, ok := p.fns[id]
	if !ok {
		return nil
	}
	delete(p.fns, id)
	return fn
}

// cancel forgets id, used when a request could not be sent.
func (p *pendingRequests) cancel(id uint8) {
	p.mu.Lock()
	delete(p.fns, id)
	p.mu.Unlock()
}

func (p *pendingRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fns)
}

// clear drops every continuation without invoking it.
func (p *pendingRequests) clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.fns)
	for id := range p.fns {
		delete(p.fns, id)
	}
	return n
}
