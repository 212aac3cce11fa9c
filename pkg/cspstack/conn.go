package cspstack

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
	"CSP/pkg/fifo"
)

// Connection and socket options.
const (
	OptNone     uint32 = 0x0000
	OptRDP      uint32 = 0x0001
	OptNoRDP    uint32 = 0x0002
	OptHMAC     uint32 = 0x0004
	OptNoHMAC   uint32 = 0x0008
	OptCRC32    uint32 = 0x0040
	OptNoCRC32  uint32 = 0x0080
	OptConnLess uint32 = 0x0100
	// OptSame copies the request flags into a reply.
	OptSame uint32 = 0x8000
)

type ConnType int

const (
	ConnClient ConnType = iota
	ConnServer
)

func (t ConnType) String() string {
	if t == ConnServer {
		return "server"
	}
	return "client"
}

type ConnState int32

const (
	ConnClosed ConnState = iota
	ConnOpen
)

func (s ConnState) String() string {
	if s == ConnOpen {
		return "open"
	}
	return "closed"
}

// Conn is one end of a connection. A Conn value belongs to a single open:
// once it is released the table slot gets a new Conn, so a stale handle
// only ever reports ConnClosed.
type Conn struct {
	node  *Node
	slot  int
	typ   ConnType
	state atomic.Int32
	opts  uint32

	// idin matches incoming packets, idout is stamped on outgoing ones.
	idin  cspid.ID
	idout cspid.ID

	rxQueue *fifo.Queue[*buffer.Packet]
	// sock is the listening socket of a server connection.
	sock *Socket
	rdp  *rdpConn

	userClosed atomic.Bool
	lastActive atomic.Int64

	errMu sync.Mutex
	err   error
}

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }
func (c *Conn) Type() ConnType   { return c.typ }

// Dport is the destination port of incoming packets, the local port.
func (c *Conn) Dport() uint8    { return c.idin.Dport }
func (c *Conn) Sport() uint8    { return c.idin.Sport }
func (c *Conn) Dst() uint16     { return c.idin.Dst }
func (c *Conn) Src() uint16     { return c.idin.Src }
func (c *Conn) Flags() uint8    { return c.idin.Flags }
func (c *Conn) IDIn() cspid.ID  { return c.idin }
func (c *Conn) IDOut() cspid.ID { return c.idout }

// Err reports why the connection stopped working, e.g. an RDP timeout.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// Read returns the next packet, or nil on timeout and once the connection
// is closed. fifo.Forever waits without limit.
func (c *Conn) Read(timeout time.Duration) *buffer.Packet {
	if c.userClosed.Load() || c.State() == ConnClosed {
		return nil
	}
	p, ok := c.rxQueue.Get(timeout)
	if !ok {
		return nil
	}
	if c.rdp != nil {
		c.rdp.afterRead(c)
	}
	return p
}

// Send transmits p with the connection priority. p is consumed, on error
// too.
func (c *Conn) Send(p *buffer.Packet) error {
	return c.SendPrio(c.idout.Pri, p)
}

func (c *Conn) SendPrio(pri cspid.Priority, p *buffer.Packet) error {
	if p == nil {
		return errors.Wrap(csperr.ErrInvalid, "send nil packet")
	}
	if c.State() != ConnOpen || c.userClosed.Load() {
		c.node.pool.Free(p)
		return errors.Wrap(csperr.ErrReset, "send on closed connection")
	}
	if c.rdp != nil {
		return c.rdp.send(c, pri, p)
	}
	p.ID = c.idout
	p.ID.Pri = pri
	c.touch()
	return c.node.sendDirect(p, nil)
}

// Close ends the user's interest in c. Plain connections are released at
// once. An RDP connection tells the peer and keeps its slot until the
// peer answers or the connection timeout passes.
func (c *Conn) Close() error {
	if c.State() == ConnClosed {
		return nil
	}
	if !c.userClosed.CompareAndSwap(false, true) {
		return nil
	}
	if c.rdp != nil {
		c.rdp.userClose(c)
		return nil
	}
	c.node.conns.release(c)
	return nil
}

type connTable struct {
	node  *Node
	mu    sync.Mutex
	slots []*Conn
	// nextSport rotates the ephemeral port search.
	nextSport uint8
}

func newConnTable(n *Node) *connTable {
	return &connTable{
		node:      n,
		slots:     make([]*Conn, n.cfg.ConnMax),
		nextSport: uint8(n.cfg.PortMaxBind + 1),
	}
}

// newConn builds the connection before it is published in slots, so the
// router never sees a half set up Conn.
func (t *connTable) newConn(slot int, typ ConnType, idin, idout cspid.ID, opts uint32) *Conn {
	c := &Conn{
		node:    t.node,
		slot:    slot,
		typ:     typ,
		opts:    opts,
		idin:    idin,
		idout:   idout,
		rxQueue: fifo.New[*buffer.Packet](t.node.cfg.ConnRxQueueLen),
	}
	if idin.Flags&cspid.FlagRDP != 0 {
		c.rdp = newRDPConn(t.node, t.node.cfg.RDP)
	}
	c.state.Store(int32(ConnOpen))
	c.touch()
	return c
}

func (t *connTable) freeSlot() int {
	for i, c := range t.slots {
		if c == nil {
			return i
		}
	}
	return -1
}

// allocServer creates the connection for the first packet of a new
// incoming exchange.
func (t *connTable) allocServer(id cspid.ID, sock *Socket) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.freeSlot()
	if slot < 0 {
		t.node.metrics.ConnOverflow.Inc()
		return nil, csperr.ErrNoConnections
	}
	c := t.newConn(slot, ConnServer, id, id.Reply(), sock.opts)
	c.sock = sock
	t.slots[slot] = c
	return c, nil
}

// allocClient picks a free ephemeral port and creates an outgoing
// connection to dst:dport.
func (t *connTable) allocClient(pri cspid.Priority, dst uint16, dport uint8, flags uint8, opts uint32) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.freeSlot()
	if slot < 0 {
		t.node.metrics.ConnOverflow.Inc()
		return nil, csperr.ErrNoConnections
	}
	sport, ok := t.ephemeralPort()
	if !ok {
		return nil, errors.Wrap(csperr.ErrBusy, "no free ephemeral port")
	}
	idout := cspid.ID{Pri: pri, Flags: flags, Dst: dst, Dport: dport, Sport: sport}
	idin := cspid.ID{Pri: pri, Flags: flags, Src: dst, Dport: sport, Sport: dport}
	c := t.newConn(slot, ConnClient, idin, idout, opts)
	t.slots[slot] = c
	return c, nil
}

// ephemeralPort must be called with mu held.
func (t *connTable) ephemeralPort() (uint8, bool) {
	lo := uint8(t.node.cfg.PortMaxBind + 1)
	hi := uint8(t.node.cfg.MaxPort())
	span := int(hi-lo) + 1
	for i := 0; i < span; i++ {
		candidate := t.nextSport
		t.nextSport++
		if t.nextSport > hi || t.nextSport < lo {
			t.nextSport = lo
		}
		inUse := false
		for _, c := range t.slots {
			if c != nil && c.typ == ConnClient && c.idin.Dport == candidate {
				inUse = true
				break
			}
		}
		if !inUse {
			return candidate, true
		}
	}
	return 0, false
}

// find returns the open connection an incoming packet belongs to.
func (t *connTable) find(id cspid.ID) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.slots {
		if c != nil && c.idin.Src == id.Src && c.idin.Sport == id.Sport && c.idin.Dport == id.Dport {
			return c
		}
	}
	return nil
}

func (t *connTable) snapshot() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, 0, len(t.slots))
	for _, c := range t.slots {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// release returns the slot of c and frees everything it still holds.
// Blocked readers wake up with nil.
func (t *connTable) release(c *Conn) {
	t.mu.Lock()
	if c.slot >= 0 && c.slot < len(t.slots) && t.slots[c.slot] == c {
		t.slots[c.slot] = nil
	}
	t.mu.Unlock()
	if !c.state.CompareAndSwap(int32(ConnOpen), int32(ConnClosed)) {
		return
	}
	c.rxQueue.Close()
	for _, p := range c.rxQueue.Drain() {
		t.node.pool.Free(p)
	}
	if c.rdp != nil {
		c.rdp.flush(c)
	}
}
