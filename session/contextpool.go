package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/TheSmallBoat/tether/buffer"
)

var contextPool = &ContextPool{}

// ContextPool recycles the Context handed to handlers. A Context must not be kept after
// HandleMessage returns.
type ContextPool struct {
	sp sync.Pool

	na uint64 // number of new acquires
	nr uint64 // number of reuse from pool
	np uint64 // number of put back to pool
}

func (p *ContextPool) acquire(msg Message, peer *Peer, from *net.UDPAddr, pool *buffer.Pool) *Context {
	v := p.sp.Get()
	if v == nil {
		v = &Context{}
		atomic.AddUint64(&p.na, 1)
	} else {
		atomic.AddUint64(&p.nr, 1)
	}
	ctx := v.(*Context)
	ctx.Message = msg
	ctx.Peer = peer
	ctx.From = from
	ctx.pool = pool
	return ctx
}

func (p *ContextPool) release(ctx *Context) {
	*ctx = Context{}
	p.sp.Put(ctx)
	atomic.AddUint64(&p.np, 1)
}

// InUse returns how many contexts are held by running handlers.
func (p *ContextPool) InUse() int64 {
	return int64(atomic.LoadUint64(&p.na)+atomic.LoadUint64(&p.nr)) - int64(atomic.LoadUint64(&p.np))
}

func (p *ContextPool) String() string {
	return fmt.Sprintf("[ new:%d|reuse:%d|putback:%d ]",
		atomic.LoadUint64(&p.na), atomic.LoadUint64(&p.nr), atomic.LoadUint64(&p.np))
}

// Contexts exposes the counters of the handler context pool.
func Contexts() *ContextPool { return contextPool }
