package buffer

import (
	"log"
	"sync"
)

// Default is the process-wide pool used when a component is not given one.
var Default = NewPool()

// Pool is a free list of Buffers. Acquire and Recycle are O(1) amortized; when the free
// list is empty a new Buffer is allocated, so the pool never runs dry.
type Pool struct {
	mu   sync.Mutex
	free []*storage

	m *PoolMetrics
}

func NewPool() *Pool {
	return &Pool{m: newPoolMetrics()}
}

// Acquire takes storage from the free list, or allocates it, and returns a new Buffer over
// it. With markUsed the buffer starts with one holder (the caller); without it the first
// Recycle, typically done by a transport after sending, returns it to the pool.
func (p *Pool) Acquire(markUsed bool) *Buffer {
	var st *storage

	p.mu.Lock()
	if n := len(p.free); n > 0 {
		st = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if st == nil {
		st = newStorage()
		p.m.addNew()
	} else {
		p.m.addReuse()
	}
	st.gen++

	b := &Buffer{pool: p, st: st, bb: st.bb, gen: st.gen}
	if markUsed {
		b.uses = 1
	}
	return b
}

// Free returns the number of buffers waiting in the free list.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	s := p.m.snapshot()
	s.Free = p.Free()
	return s
}

// RecycleAll drops one holder from each buffer in bufs.
func RecycleAll(bufs []*Buffer) {
	for _, b := range bufs {
		if b != nil {
			b.Recycle()
		}
	}
}

func (p *Pool) put(st *storage) {
	p.mu.Lock()
	p.free = append(p.free, st)
	p.mu.Unlock()
	p.m.addPut()
}

func (p *Pool) doubleRelease() {
	n := p.m.addDoubleRelease()
	log.Printf("[buffer] Refused to recycle a buffer that is already pooled (%d so far).", n)
}
