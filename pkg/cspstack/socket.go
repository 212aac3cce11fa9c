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

// Socket is a listening endpoint. A connection oriented socket queues new
// connections in its backlog, a connectionless one queues packets.
type Socket struct {
	node *Node
	opts uint32

	mu      sync.Mutex
	port    uint8
	bound   bool
	backlog *fifo.Queue[*Conn]
	rxQueue *fifo.Queue[*buffer.Packet]
	closed  atomic.Bool
}

// NewSocket creates an unbound socket. opts takes the Opt* values: the RDP,
// HMAC and CRC32 pairs mark a feature as required or prohibited for
// incoming traffic, OptConnLess makes the socket connectionless.
func (n *Node) NewSocket(opts uint32) (*Socket, error) {
	if opts&OptRDP != 0 && opts&OptNoRDP != 0 {
		return nil, errors.Wrap(csperr.ErrInvalid, "rdp both required and prohibited")
	}
	if opts&OptHMAC != 0 && opts&OptNoHMAC != 0 {
		return nil, errors.Wrap(csperr.ErrInvalid, "hmac both required and prohibited")
	}
	if opts&OptCRC32 != 0 && opts&OptNoCRC32 != 0 {
		return nil, errors.Wrap(csperr.ErrInvalid, "crc32 both required and prohibited")
	}
	if opts&OptRDP != 0 && !n.cfg.UseRDP {
		return nil, errors.Wrap(csperr.ErrNotSupported, "rdp disabled")
	}
	s := &Socket{node: n, opts: opts}
	if opts&OptConnLess != 0 {
		s.rxQueue = fifo.New[*buffer.Packet](n.cfg.ConnRxQueueLen)
	}
	return s, nil
}

func (s *Socket) Options() uint32 { return s.opts }

// Port returns the bound port and whether the socket is bound.
func (s *Socket) Port() (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port, s.bound
}

// Bind attaches s to port, or to every unbound port with cspid.AnyPort.
func (s *Socket) Bind(port uint8) error {
	if s.closed.Load() {
		return errors.Wrap(csperr.ErrInvalid, "bind on closed socket")
	}
	if port != cspid.AnyPort && int(port) > s.node.cfg.PortMaxBind {
		return errors.Wrapf(csperr.ErrInvalid, "port %d above port_max_bind %d", port, s.node.cfg.PortMaxBind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return errors.Wrapf(csperr.ErrAlready, "socket already bound to %d", s.port)
	}
	if err := s.node.ports.bind(port, portEntry{sock: s}); err != nil {
		return err
	}
	s.port, s.bound = port, true
	return nil
}

// Listen allows up to backlog connections to wait for Accept.
func (s *Socket) Listen(backlog int) error {
	if s.rxQueue != nil {
		return errors.Wrap(csperr.ErrInvalid, "listen on connectionless socket")
	}
	if backlog < 1 {
		return errors.Wrapf(csperr.ErrInvalid, "backlog %d", backlog)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backlog != nil {
		return errors.Wrap(csperr.ErrAlready, "socket already listening")
	}
	s.backlog = fifo.New[*Conn](backlog)
	return nil
}

func (s *Socket) backlogQueue() *fifo.Queue[*Conn] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog
}

// Accept waits for a new connection. Nil on timeout or when the socket is
// closed.
func (s *Socket) Accept(timeout time.Duration) *Conn {
	q := s.backlogQueue()
	if q == nil || s.closed.Load() {
		return nil
	}
	for {
		c, ok := q.Get(timeout)
		if !ok {
			return nil
		}
		// The peer may have reset before the user got to it.
		if c.State() == ConnOpen {
			return c
		}
	}
}

// RecvFrom reads the next packet of a connectionless socket.
func (s *Socket) RecvFrom(timeout time.Duration) *buffer.Packet {
	if s.rxQueue == nil {
		return nil
	}
	p, ok := s.rxQueue.Get(timeout)
	if !ok {
		return nil
	}
	return p
}

// Close unbinds s, refuses every connection still in the backlog and frees
// queued packets. Blocked Accept and RecvFrom calls return nil.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	if s.bound {
		s.node.ports.unbind(s.port, s)
		s.bound = false
	}
	backlog := s.backlog
	s.mu.Unlock()

	if backlog != nil {
		backlog.Close()
		for _, c := range backlog.Drain() {
			_ = c.Close()
		}
	}
	if s.rxQueue != nil {
		s.rxQueue.Close()
		for _, p := range s.rxQueue.Drain() {
			s.node.pool.Free(p)
		}
	}
	return nil
}

// enqueueConn hands a new connection to Accept.
func (s *Socket) enqueueConn(c *Conn) bool {
	q := s.backlogQueue()
	return q != nil && q.Put(c)
}

// PortCallback serves a port on the router goroutine. It owns p.
type PortCallback func(p *buffer.Packet)

type portEntry struct {
	sock     *Socket
	callback PortCallback
}

func (e portEntry) empty() bool {
	return e.sock == nil && e.callback == nil
}

type portTable struct {
	mu    sync.RWMutex
	ports [int(cspid.MaxPort) + 1]portEntry
	any   portEntry
}

func newPortTable() *portTable {
	return &portTable{}
}

func (t *portTable) bind(port uint8, e portEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := &t.any
	if port != cspid.AnyPort {
		if port > cspid.MaxPort {
			return errors.Wrapf(csperr.ErrInvalid, "port %d", port)
		}
		slot = &t.ports[port]
	}
	if !slot.empty() {
		return errors.Wrapf(csperr.ErrUsed, "port %d already bound", port)
	}
	*slot = e
	return nil
}

func (t *portTable) unbind(port uint8, s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := &t.any
	if port != cspid.AnyPort {
		slot = &t.ports[port]
	}
	if slot.sock == s {
		*slot = portEntry{}
	}
}

// lookup returns the entry serving dport. A specific bind beats AnyPort.
func (t *portTable) lookup(dport uint8) (portEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if dport <= cspid.MaxPort && !t.ports[dport].empty() {
		return t.ports[dport], true
	}
	if !t.any.empty() {
		return t.any, true
	}
	return portEntry{}, false
}

// BindCallback serves port with fn, called on the router goroutine for
// every packet that arrives. fn owns the packet.
func (n *Node) BindCallback(port uint8, fn PortCallback) error {
	if fn == nil {
		return errors.Wrap(csperr.ErrInvalid, "nil callback")
	}
	if port != cspid.AnyPort && int(port) > n.cfg.PortMaxBind {
		return errors.Wrapf(csperr.ErrInvalid, "port %d above port_max_bind %d", port, n.cfg.PortMaxBind)
	}
	return n.ports.bind(port, portEntry{callback: fn})
}
