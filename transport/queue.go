package transport

import (
	"net"
	"sync"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/eapache/queue"
)

// inbound is one received frame waiting for the drain step. Local frames are synthesized
// by the transport itself (errors, disconnects, handshake results) and never came off the
// wire.
type inbound struct {
	buf   *buffer.Buffer
	from  *net.UDPAddr
	local bool
	err   error
}

// inbox is filled by I/O goroutines and emptied by the single drain step.
type inbox struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newInbox() *inbox {
	return &inbox{q: queue.New()}
}

func (in *inbox) push(it inbound) {
	in.mu.Lock()
	in.q.Add(it)
	in.mu.Unlock()
}

// pushWithin adds it unless limit items are already waiting.
func (in *inbox) pushWithin(it inbound, limit int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if limit > 0 && in.q.Length() >= limit {
		return false
	}
	in.q.Add(it)
	return true
}

func (in *inbox) pop() (inbound, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.q.Length() == 0 {
		return inbound{}, false
	}
	return in.q.Remove().(inbound), true
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.q.Length()
}

// recycle drops every queued frame.
func (in *inbox) recycle() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for in.q.Length() > 0 {
		in.q.Remove().(inbound).buf.Recycle()
	}
}

type outbound struct {
	buf *buffer.Buffer
	to  *net.UDPAddr
}

// outbox feeds exactly one writer goroutine, so at most one write is outstanding per
// socket. The writer removes an item before writing it; closing the outbox only ever
// recycles buffers that are not being written.
type outbox struct {
	mu    sync.Mutex
	cond  sync.Cond
	q     *queue.Queue
	done  bool // stop now, dropping whatever is queued
	flush bool // stop once the queue is empty
}

func newOutbox() *outbox {
	o := &outbox{q: queue.New()}
	o.cond.L = &o.mu
	return o
}

func (o *outbox) push(it outbound) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done || o.flush {
		return false
	}
	o.q.Add(it)
	o.cond.Signal()
	return true
}

// next blocks until there is something to write, or returns false once the writer should
// stop.
func (o *outbox) next() (outbound, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for !o.done && o.q.Length() == 0 {
		if o.flush {
			return outbound{}, false
		}
		o.cond.Wait()
	}
	if o.done {
		return outbound{}, false
	}
	return o.q.Remove().(outbound), true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.q.Length()
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.done = true
	for o.q.Length() > 0 {
		o.q.Remove().(outbound).buf.Recycle()
	}
	o.cond.Broadcast()
}

func (o *outbox) closeAfterFlush() {
	o.mu.Lock()
	o.flush = true
	o.cond.Broadcast()
	o.mu.Unlock()
}
