package cspstack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"CSP/pkg/buffer"
	"CSP/pkg/config"
	"CSP/pkg/cspid"
	"CSP/pkg/iflist"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BufferCount = 40
	cfg.ConnMax = 10
	cfg.RouteTickMS = 5
	cfg.HMACKey = "test key"
	cfg.RDP = config.RDP{
		WindowSize:      4,
		ConnTimeoutMS:   1000,
		PacketTimeoutMS: 100,
		DelayedAcks:     false,
		AckTimeoutMS:    20,
		AckDelayCount:   2,
	}
	return cfg
}

// startNode creates and runs a node until the test ends.
func startNode(t *testing.T, cfg config.Config, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	n, err := Init(cfg, opts...)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func packet(t *testing.T, n *Node, payload []byte) *buffer.Packet {
	t.Helper()
	p := n.BufferGet()
	if p == nil {
		t.Fatalf("pool exhausted")
	}
	if err := p.SetPayload(payload); err != nil {
		t.Fatalf("set payload: %v", err)
	}
	return p
}

// waitPoolFull waits until every buffer of n is back in its pool.
func waitPoolFull(t *testing.T, n *Node) {
	t.Helper()
	waitFor(t, "pool conservation", func() bool {
		return n.Pool().Remaining() == n.Config().BufferCount
	})
	if st := n.Pool().Stats(); st.DoubleFree != 0 {
		t.Fatalf("double frees: %d", st.DoubleFree)
	}
}

// pipe links two nodes through a PIPE interface on each side. The filter
// sees every packet in flight and may drop or hold it.
type pipe struct {
	mu     sync.Mutex
	filter func(from *Node, p *buffer.Packet) pipeAction
	held   []heldFrame
}

type pipeAction int

const (
	pipePass pipeAction = iota
	pipeDrop
	// pipeHold delays p until the next packet in the same direction passed.
	pipeHold
)

type heldFrame struct {
	to    *Node
	iface *iflist.Interface
	p     *buffer.Packet
}

func link(t *testing.T, a *Node, addrA uint16, b *Node, addrB uint16) *pipe {
	t.Helper()
	lp := &pipe{}
	ifA := &iflist.Interface{Name: "PIPE", Addr: addrA, Default: true}
	ifB := &iflist.Interface{Name: "PIPE", Addr: addrB, Default: true}
	ifA.Nexthop = lp.nexthop(a, b, ifB)
	ifB.Nexthop = lp.nexthop(b, a, ifA)
	if err := a.AddInterface(ifA); err != nil {
		t.Fatalf("add interface: %v", err)
	}
	if err := b.AddInterface(ifB); err != nil {
		t.Fatalf("add interface: %v", err)
	}
	return lp
}

func (lp *pipe) setFilter(fn func(from *Node, p *buffer.Packet) pipeAction) {
	lp.mu.Lock()
	lp.filter = fn
	lp.mu.Unlock()
}

// nexthop copies the frame into the receiving node's pool, as a real
// driver would.
func (lp *pipe) nexthop(from, to *Node, toIface *iflist.Interface) iflist.NexthopFunc {
	return func(_ *iflist.Interface, _ uint16, p *buffer.Packet, _ bool) error {
		q := to.BufferGet()
		if q == nil {
			from.BufferFree(p)
			return nil
		}
		q.ID = p.ID
		_ = q.Append(p.Payload()...)
		from.BufferFree(p)

		lp.mu.Lock()
		action := pipePass
		if lp.filter != nil {
			action = lp.filter(from, q)
		}
		var release []heldFrame
		switch action {
		case pipeDrop:
			lp.mu.Unlock()
			to.BufferFree(q)
			return nil
		case pipeHold:
			lp.held = append(lp.held, heldFrame{to: to, iface: toIface, p: q})
			lp.mu.Unlock()
			return nil
		}
		keep := lp.held[:0]
		for _, h := range lp.held {
			if h.to == to {
				release = append(release, h)
			} else {
				keep = append(keep, h)
			}
		}
		lp.held = keep
		lp.mu.Unlock()

		to.QFifoWrite(q, toIface)
		for _, h := range release {
			h.to.QFifoWrite(h.p, h.iface)
		}
		return nil
	}
}

// isRDPData reports whether p is an RDP segment carrying user data.
func isRDPData(p *buffer.Packet) bool {
	if p.ID.Flags&cspid.FlagRDP == 0 || p.Length <= rdpHeaderLen {
		return false
	}
	return p.Tail(rdpHeaderLen)[0]&(rdpFlagSYN|rdpFlagEAK|rdpFlagRST) == 0
}
