// Package cspstack is the CSP engine: connection table, ports and sockets,
// the router, RDP and the built-in services. A Node is created once with
// Init and owns every resource the protocol needs.
package cspstack

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"CSP/pkg/buffer"
	"CSP/pkg/config"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
	"CSP/pkg/fifo"
	"CSP/pkg/iflist"
	"CSP/pkg/logging"
	"CSP/pkg/metrics"
	"CSP/pkg/rtable"
)

// LoopbackName is the name of the interface Init always registers.
const LoopbackName = "LOOP"

type ingress struct {
	p     *buffer.Packet
	iface *iflist.Interface
}

type Node struct {
	cfg     config.Config
	codec   cspid.Codec
	pool    *buffer.Pool
	ifaces  *iflist.List
	rtable  *rtable.Table
	qfifo   *fifo.Queue[ingress]
	promisc *fifo.Queue[*buffer.Packet]
	loop    *iflist.Interface
	conns   *connTable
	ports   *portTable
	dedup   *dedup
	hmacKey []byte

	log     zerolog.Logger
	metrics *metrics.Metrics

	rebootHook   func()
	shutdownHook func()
	started      time.Time
	clockOffset  atomic.Int64
}

type Option func(*Node)

func WithLogger(logger zerolog.Logger) Option {
	return func(n *Node) { n.log = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithRebootHook sets what a valid reboot request runs.
func WithRebootHook(fn func()) Option {
	return func(n *Node) { n.rebootHook = fn }
}

func WithShutdownHook(fn func()) Option {
	return func(n *Node) { n.shutdownHook = fn }
}

// Init builds a node from cfg. The configuration is copied and never
// changes afterwards.
func Init(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := cspid.New(cfg.Version)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:     cfg,
		codec:   codec,
		pool:    buffer.NewPool(cfg.BufferCount, cfg.BufferSize),
		ifaces:  iflist.New(codec.HostBits()),
		rtable:  rtable.New(cfg.RTableSize, codec.HostBits()),
		qfifo:   fifo.New[ingress](cfg.QFifoLen),
		hmacKey: []byte(cfg.HMACKey),
		log:     log.Logger,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = metrics.New(nil)
	}
	n.log = logging.Component(n.log, "csp")
	n.pool.OnExhausted = n.metrics.BufferExhausted.Inc
	n.conns = newConnTable(n)
	n.ports = newPortTable()
	if cfg.Dedup != config.DedupOff {
		n.dedup = newDedup(codec)
	}
	if cfg.UsePromisc {
		n.promisc = fifo.New[*buffer.Packet](cfg.QFifoLen)
	}

	n.loop = &iflist.Interface{
		Name:    LoopbackName,
		Addr:    0,
		Nexthop: n.loopbackNexthop,
	}
	if err := n.ifaces.Add(n.loop); err != nil {
		return nil, err
	}
	n.log.Info().Int("version", cfg.Version).Str("hostname", cfg.Hostname).Msg("stack initialised")
	return n, nil
}

// Run drives the router until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := n.RouteWork(); err != nil && !errors.Is(err, csperr.ErrTimedOut) {
			n.log.Debug().Err(err).Msg("route work")
		}
	}
	return ctx.Err()
}

func (n *Node) Config() config.Config       { return n.cfg }
func (n *Node) Codec() cspid.Codec          { return n.codec }
func (n *Node) Pool() *buffer.Pool          { return n.pool }
func (n *Node) Interfaces() *iflist.List    { return n.ifaces }
func (n *Node) RTable() *rtable.Table       { return n.rtable }
func (n *Node) Metrics() *metrics.Metrics   { return n.metrics }
func (n *Node) Logger() zerolog.Logger      { return n.log }
func (n *Node) Loopback() *iflist.Interface { return n.loop }

// BufferGet returns a free packet or nil when the pool is exhausted.
func (n *Node) BufferGet() *buffer.Packet {
	return n.pool.Get()
}

func (n *Node) BufferFree(p *buffer.Packet) {
	n.pool.Free(p)
}

// AddInterface registers a driver interface.
func (n *Node) AddInterface(iface *iflist.Interface) error {
	if err := n.ifaces.Add(iface); err != nil {
		return err
	}
	n.log.Info().Str("iface", iface.Name).Uint16("addr", iface.Addr).Int("netmask", iface.Netmask).Msg("interface added")
	return nil
}

// QFifoWrite hands a received packet to the router. It never blocks: when
// the FIFO is full the packet is dropped and freed. A nil iface stands for
// the loopback, so the packet is routed as received rather than originated.
func (n *Node) QFifoWrite(p *buffer.Packet, iface *iflist.Interface) {
	if p == nil {
		return
	}
	if iface == nil {
		iface = n.loop
	}
	if !n.qfifo.Put(ingress{p: p, iface: iface}) {
		iface.Counters.Drop.Add(1)
		n.metrics.Drop(metrics.DropQFifoFull)
		n.pool.Free(p)
	}
}

// PromiscRead returns the next copy of a routed packet. Nil if promiscuous
// mode is off or nothing arrived in time.
func (n *Node) PromiscRead(timeout time.Duration) *buffer.Packet {
	if n.promisc == nil {
		return nil
	}
	p, ok := n.promisc.Get(timeout)
	if !ok {
		return nil
	}
	return p
}

func (n *Node) now() time.Time {
	return time.Now().Add(time.Duration(n.clockOffset.Load()))
}

func (n *Node) Uptime() time.Duration {
	return time.Since(n.started)
}

func randomISS() uint32 {
	return rand.Uint32()
}
