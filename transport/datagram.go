package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/ipv4"
)

// DefaultMulticastGroup is the group joined for LAN fan-out when multicast is enabled.
const DefaultMulticastGroup = "224.168.100.17"

// PacketConfig holds the options of a datagram socket.
type PacketConfig struct {
	Pool *buffer.Pool

	// Multicast joins Group and fans broadcasts out to it. Without it the socket is
	// allowed to send to the limited broadcast address instead.
	Multicast bool

	// Group overrides DefaultMulticastGroup.
	Group string

	// Interface is the interface used to join the group. Nil lets the system pick.
	Interface *net.Interface
}

// PacketConn sends and receives whole frames as UDP datagrams. Sends go through a queue
// served by one writer. A PacketConn opened on port 0 can send but never receives.
type PacketConn struct {
	pool      *buffer.Pool
	pc        *net.UDPConn
	port      int
	multicast bool
	group     net.IP

	in  *inbox
	out *outbox

	mu     sync.Mutex
	closed bool

	wg sync.WaitGroup
}

// Listen opens a datagram socket bound to port on every interface.
func (cfg PacketConfig) Listen(port int) (*PacketConn, error) {
	if port < 0 || port > 0xffff {
		return nil, fmt.Errorf("transport: '%d' is an invalid port", port)
	}

	pool := cfg.Pool
	if pool == nil {
		pool = buffer.Default
	}

	group := DefaultMulticastGroup
	if cfg.Group != "" {
		group = cfg.Group
	}
	groupIP := net.ParseIP(group).To4()
	if cfg.Multicast && (groupIP == nil || !groupIP.IsMulticast()) {
		return nil, fmt.Errorf("transport: '%s' is not an IPv4 multicast group", group)
	}

	pc, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}

	c := &PacketConn{
		pool:      pool,
		pc:        pc,
		port:      port,
		multicast: cfg.Multicast,
		group:     groupIP,
		in:        newInbox(),
		out:       newOutbox(),
	}

	if cfg.Multicast {
		p := ipv4.NewPacketConn(pc)
		if err := p.JoinGroup(cfg.Interface, &net.UDPAddr{IP: groupIP}); err != nil {
			log.Printf("[udp] Unable to join multicast group %s: %v.", groupIP, err)
		}
		if err := p.SetMulticastLoopback(true); err != nil {
			log.Printf("[udp] Unable to enable multicast loopback: %v.", err)
		}
	} else if err := setBroadcast(pc); err != nil {
		log.Printf("[udp] Unable to enable broadcasts: %v.", err)
	}

	c.wg.Add(1)
	go c.writeLoop()

	if port == 0 {
		log.Printf("[udp] Opened a send-only socket on %s.", pc.LocalAddr())
		return c, nil
	}

	c.wg.Add(1)
	go c.readLoop()

	log.Printf("[udp] Listening for datagrams on %s.", pc.LocalAddr())
	return c, nil
}

func (c *PacketConn) LocalAddr() *net.UDPAddr { return c.pc.LocalAddr().(*net.UDPAddr) }

// Port returns the port requested in Listen, zero for a send-only socket.
func (c *PacketConn) Port() int { return c.port }

func (c *PacketConn) SendOnly() bool { return c.port == 0 }

// Pending returns the number of datagrams waiting for Update.
func (c *PacketConn) Pending() int { return c.in.len() }

// Send queues buf, a finalized frame, for to. Sending to the limited broadcast address is
// the same as Broadcast on to's port. Like Conn.Send, the transport keeps its own hold on
// buf until the datagram is written.
func (c *PacketConn) Send(buf *buffer.Buffer, to *net.UDPAddr) error {
	if to == nil {
		buf.Discard()
		return errors.New("transport: no destination")
	}
	if to.IP.Equal(net.IPv4bcast) {
		return c.Broadcast(buf, to.Port)
	}
	return c.enqueue(buf, to)
}

// Broadcast queues buf for every host on the local network listening on port, through
// the multicast group or the limited broadcast address.
func (c *PacketConn) Broadcast(buf *buffer.Buffer, port int) error {
	ip := net.IPv4bcast
	if c.multicast {
		ip = c.group
	}
	return c.enqueue(buf, &net.UDPAddr{IP: ip, Port: port})
}

// SendEmpty sends an Empty frame to to, which keeps NAT mappings alive.
func (c *PacketConn) SendEmpty(to *net.UDPAddr) error {
	b := frame.New(c.pool, frame.TypeEmpty)
	_ = frame.End(b)
	return c.Send(b, to)
}

func (c *PacketConn) enqueue(buf *buffer.Buffer, to *net.UDPAddr) error {
	buf.MarkUsed()
	if !c.out.push(outbound{buf: buf, to: to}) {
		buf.Recycle()
		return ErrClosed
	}
	return nil
}

// Error queues an Error datagram carrying msg for Update, attributed to from.
func (c *PacketConn) Error(from *net.UDPAddr, msg string) {
	b := c.pool.Acquire(true)
	frame.Begin(b, frame.TypeError)
	b.WriteText(msg)
	_ = frame.End(b)
	_ = b.Seek(frame.HeaderSize)
	c.in.push(inbound{buf: b, from: from, local: true})
}

// Update hands up to budget queued datagrams to h, or all of them if budget is not
// positive. Empty and KeepAlive datagrams are consumed here. Error datagrams, received or
// synthesized, reach h like any other frame.
func (c *PacketConn) Update(h DatagramHandler, budget int) (int, error) {
	if c.SendOnly() {
		return 0, ErrSendOnly
	}

	n := 0
	for budget <= 0 || n < budget {
		it, ok := c.in.pop()
		if !ok {
			break
		}
		n++

		typ, _ := frame.PeekType(it.buf)
		if typ == frame.TypeEmpty || typ == frame.TypeKeepAlive {
			it.buf.Recycle()
			continue
		}
		h.HandleDatagram(it.buf, it.from)
	}
	return n, nil
}

// Close stops both goroutines and drops everything queued in either direction.
func (c *PacketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.out.close()
	err := c.pc.Close()
	c.wg.Wait()
	c.in.recycle()
	return err
}

func (c *PacketConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *PacketConn) readLoop() {
	defer c.wg.Done()

	scratch := bytebufferpool.Get()
	defer bytebufferpool.Put(scratch)
	if cap(scratch.B) < readBufferSize {
		scratch.B = make([]byte, readBufferSize)
	}
	buf := scratch.B[:cap(scratch.B)]

	for {
		n, from, err := c.pc.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || c.isClosed() {
				return
			}
			log.Printf("[udp] Failed to receive a datagram: %v.", err)
			c.Error(from, err.Error())
			continue
		}

		if n <= frame.HeaderSize {
			continue
		}

		if err := frame.CheckDatagram(buf[:n]); err != nil {
			log.Printf("[udp] Dropped a datagram from %s: %v.", from, err)
			continue
		}

		b := c.pool.Acquire(true)
		_, _ = b.Write(buf[:n])
		_ = b.Seek(frame.HeaderSize)
		c.in.push(inbound{buf: b, from: from})
	}
}

func (c *PacketConn) writeLoop() {
	defer c.wg.Done()

	for {
		it, ok := c.out.next()
		if !ok {
			return
		}
		_, err := c.pc.WriteToUDP(it.buf.Raw(), it.to)
		it.buf.Recycle()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[udp] Failed to send a datagram to %s: %v.", it.to, err)
			c.Error(it.to, err.Error())
		}
	}
}
