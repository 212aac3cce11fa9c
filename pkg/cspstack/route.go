package cspstack

import (
	"time"

	"github.com/pkg/errors"

	"CSP/pkg/buffer"
	"CSP/pkg/config"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
	"CSP/pkg/iflist"
	"CSP/pkg/integrity"
	"CSP/pkg/metrics"
)

// RouteWork runs the RDP timers, then routes at most one packet from the
// ingress FIFO. It returns csperr.ErrTimedOut when nothing arrived within
// the route tick.
func (n *Node) RouteWork() error {
	n.checkTimeouts()

	in, ok := n.qfifo.Get(n.cfg.RouteTick())
	if !ok {
		return csperr.ErrTimedOut
	}
	n.route(in.p, in.iface)
	return nil
}

func (n *Node) isForMe(dst uint16) bool {
	return dst == n.codec.Broadcast() || n.ifaces.IsLocal(dst)
}

func (n *Node) route(p *buffer.Packet, in *iflist.Interface) {
	if in != nil {
		in.Counters.Rx.Add(1)
		in.Counters.RxBytes.Add(uint64(p.Length))
	}
	forMe := n.isForMe(p.ID.Dst)
	log := n.log.With().Stringer("id", p.ID).Logger()

	if n.dedup != nil && (n.cfg.Dedup == config.DedupAll || !forMe) {
		if n.dedup.isDuplicate(p, time.Now()) {
			log.Debug().Msg("duplicate dropped")
			n.drop(p, in, metrics.DropDuplicate)
			return
		}
	}

	if n.promisc != nil {
		if c := n.pool.Clone(p); c != nil && !n.promisc.Put(c) {
			n.pool.Free(c)
		}
	}

	if !forMe {
		if err := n.sendDirect(p, in); err != nil {
			log.Debug().Err(err).Msg("forward failed")
		}
		return
	}

	if p.ID.Flags&cspid.FlagCRC32 != 0 {
		if err := integrity.VerifyCRC32(n.codec, p); err != nil {
			log.Debug().Err(err).Msg("crc32 rejected")
			if in != nil {
				in.Counters.RxError.Add(1)
			}
			n.drop(p, nil, metrics.DropCRC32)
			return
		}
	}
	if p.ID.Flags&cspid.FlagHMAC != 0 {
		if err := integrity.VerifyHMAC(n.codec, n.hmacKey, p); err != nil {
			log.Debug().Err(err).Msg("hmac rejected")
			if in != nil {
				in.Counters.AuthErr.Add(1)
			}
			n.drop(p, nil, metrics.DropHMAC)
			return
		}
	}

	// Replies to our own connections and later segments of accepted ones.
	if conn := n.conns.find(p.ID); conn != nil {
		n.deliver(conn, p)
		return
	}

	entry, ok := n.ports.lookup(p.ID.Dport)
	if !ok {
		log.Debug().Msg("no socket")
		n.drop(p, nil, metrics.DropNoSocket)
		return
	}
	if entry.callback != nil {
		entry.callback(p)
		return
	}
	sock := entry.sock
	if err := n.securityCheck(sock.opts, p.ID); err != nil {
		log.Debug().Err(err).Msg("security check failed")
		n.drop(p, nil, metrics.DropSecurity)
		return
	}

	if sock.rxQueue != nil {
		if !sock.rxQueue.Put(p) {
			n.drop(p, nil, metrics.DropRxQueueFull)
		}
		return
	}

	conn, err := n.conns.allocServer(p.ID, sock)
	if err != nil {
		log.Warn().Err(err).Msg("no free connection")
		n.drop(p, nil, metrics.DropConnFull)
		return
	}
	if conn.rdp != nil {
		conn.rdp.handle(conn, p)
		return
	}
	if !conn.rxQueue.Put(p) {
		n.conns.release(conn)
		n.drop(p, nil, metrics.DropRxQueueFull)
		return
	}
	if !sock.enqueueConn(conn) {
		log.Debug().Msg("backlog full")
		n.metrics.Drop(metrics.DropBacklogFull)
		n.conns.release(conn)
	}
}

// deliver passes p to an existing connection.
func (n *Node) deliver(conn *Conn, p *buffer.Packet) {
	conn.touch()
	if conn.rdp != nil {
		conn.rdp.handle(conn, p)
		return
	}
	if !conn.rxQueue.Put(p) {
		n.drop(p, nil, metrics.DropRxQueueFull)
	}
}

func (n *Node) drop(p *buffer.Packet, iface *iflist.Interface, reason string) {
	if iface != nil {
		iface.Counters.Drop.Add(1)
	}
	n.metrics.Drop(reason)
	n.pool.Free(p)
}

// securityCheck matches the packet flags against what the socket requires
// or prohibits.
func (n *Node) securityCheck(opts uint32, id cspid.ID) error {
	rules := []struct {
		flag     uint8
		require  uint32
		prohibit uint32
		name     string
	}{
		{cspid.FlagRDP, OptRDP, OptNoRDP, "rdp"},
		{cspid.FlagHMAC, OptHMAC, OptNoHMAC, "hmac"},
		{cspid.FlagCRC32, OptCRC32, OptNoCRC32, "crc32"},
	}
	for _, r := range rules {
		set := id.Flags&r.flag != 0
		if opts&r.require != 0 && !set {
			return errors.Wrapf(csperr.ErrInvalid, "%s required", r.name)
		}
		if opts&r.prohibit != 0 && set {
			return errors.Wrapf(csperr.ErrInvalid, "%s prohibited", r.name)
		}
	}
	if id.Flags&cspid.FlagRDP != 0 && !n.cfg.UseRDP {
		return errors.Wrap(csperr.ErrNotSupported, "rdp disabled")
	}
	return nil
}

// findRoute picks the outgoing interface for dst: local addresses loop
// back, then the routing table, then subnets, then the default interface.
func (n *Node) findRoute(dst uint16) (*iflist.Interface, uint16) {
	if dst != n.codec.Broadcast() && n.ifaces.IsLocal(dst) {
		return n.loop, iflist.NoVia
	}
	if n.cfg.UseRTable {
		if r, ok := n.rtable.Find(dst); ok {
			return r.Iface, r.Via
		}
	}
	if iface := n.ifaces.GetBySubnet(dst); iface != nil {
		return iface, iflist.NoVia
	}
	return n.ifaces.GetDefault(), iflist.NoVia
}

// sendDirect routes p out of the node. from is the input interface of a
// forwarded packet and nil for packets this node originates. p is always
// consumed.
func (n *Node) sendDirect(p *buffer.Packet, from *iflist.Interface) error {
	fromMe := from == nil
	iface, via := n.findRoute(p.ID.Dst)
	if iface == nil {
		n.metrics.NoRoute.Inc()
		n.pool.Free(p)
		return errors.Wrapf(csperr.ErrNoRoute, "dst %d", p.ID.Dst)
	}
	if iface == from {
		n.drop(p, from, metrics.DropLoop)
		return errors.Wrapf(csperr.ErrNoRoute, "dst %d is behind input interface %s", p.ID.Dst, from.Name)
	}

	if fromMe {
		if p.ID.Src == 0 {
			p.ID.Src = iface.Addr
		}
		if p.ID.Flags&cspid.FlagHMAC != 0 {
			if err := integrity.AppendHMAC(n.codec, n.hmacKey, p); err != nil {
				iface.Counters.TxError.Add(1)
				n.pool.Free(p)
				return err
			}
		}
		if p.ID.Flags&cspid.FlagCRC32 != 0 {
			if err := integrity.AppendCRC32(n.codec, p); err != nil {
				iface.Counters.TxError.Add(1)
				n.pool.Free(p)
				return err
			}
		}
	}
	if iface.MTU > 0 && int(p.Length) > iface.MTU {
		iface.Counters.TxError.Add(1)
		n.pool.Free(p)
		return errors.Wrapf(csperr.ErrTx, "%d bytes exceed mtu %d of %s", p.Length, iface.MTU, iface.Name)
	}

	length := uint64(p.Length)
	if err := iface.Nexthop(iface, via, p, fromMe); err != nil {
		iface.Counters.TxError.Add(1)
		return errors.Wrapf(err, "nexthop %s", iface.Name)
	}
	iface.Counters.Tx.Add(1)
	iface.Counters.TxBytes.Add(length)
	return nil
}
