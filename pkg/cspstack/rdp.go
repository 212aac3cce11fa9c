package cspstack

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"CSP/pkg/buffer"
	"CSP/pkg/config"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
	"CSP/pkg/metrics"
)

type RDPState int

const (
	RDPClosed RDPState = iota
	RDPSynSent
	RDPSynRcvd
	RDPOpen
	RDPCloseWait
)

func (s RDPState) String() string {
	switch s {
	case RDPSynSent:
		return "SYN_SENT"
	case RDPSynRcvd:
		return "SYN_RCVD"
	case RDPOpen:
		return "OPEN"
	case RDPCloseWait:
		return "CLOSE_WAIT"
	}
	return "CLOSED"
}

// Segment flags, first byte of the trailer.
const (
	rdpFlagRST uint8 = 0x01
	rdpFlagEAK uint8 = 0x02
	rdpFlagACK uint8 = 0x04
	rdpFlagSYN uint8 = 0x08
)

const (
	rdpHeaderLen = 9
	// The SYN carries window, connection timeout, packet timeout, delayed
	// acks, ack timeout and ack delay count.
	rdpSynParams = 6
)

const (
	closedBySelf uint8 = 1 << iota
	closedByPeer
	closedByTimeout
)

type rdpHeader struct {
	flags uint8
	seq   seqnum.Value
	ack   seqnum.Value
}

func appendRDPHeader(p *buffer.Packet, h rdpHeader) error {
	var b [rdpHeaderLen]byte
	b[0] = h.flags
	binary.BigEndian.PutUint32(b[1:5], uint32(h.seq))
	binary.BigEndian.PutUint32(b[5:9], uint32(h.ack))
	return p.Append(b[:]...)
}

func stripRDPHeader(p *buffer.Packet) (rdpHeader, error) {
	b := p.Tail(rdpHeaderLen)
	if b == nil {
		return rdpHeader{}, errors.Wrapf(csperr.ErrInvalid, "rdp segment of %d bytes", p.Length)
	}
	h := rdpHeader{
		flags: b[0],
		seq:   seqnum.Value(binary.BigEndian.Uint32(b[1:5])),
		ack:   seqnum.Value(binary.BigEndian.Uint32(b[5:9])),
	}
	return h, p.Truncate(rdpHeaderLen)
}

// rdpConn is the reliable datagram state of one connection.
type rdpConn struct {
	node *Node

	mu       sync.Mutex
	state    RDPState
	closedBy uint8

	sndNxt seqnum.Value
	sndUna seqnum.Value
	sndIss seqnum.Value
	rcvCur seqnum.Value
	rcvIrs seqnum.Value
	// rcvLsa is the last sequence number acknowledged to the peer.
	rcvLsa seqnum.Value

	window        uint32
	connTimeout   time.Duration
	packetTimeout time.Duration
	delayedAcks   bool
	ackTimeout    time.Duration
	ackDelayCount uint32

	ackTimestamp   time.Time
	closeTimestamp time.Time

	txQueue *RetransmissionQueue
	held    holdHeap

	stateChanged chan struct{}
	txAvailable  chan struct{}
}

func newRDPConn(n *Node, params config.RDP) *rdpConn {
	r := &rdpConn{
		node:         n,
		stateChanged: make(chan struct{}, 1),
		txAvailable:  make(chan struct{}, 1),
	}
	r.txQueue = NewRetransmissionQueue(n.pool, params.PacketTimeout(), params.ConnTimeout())
	r.apply(params)
	return r
}

func (r *rdpConn) apply(params config.RDP) {
	r.window = params.WindowSize
	if limit := uint32(r.node.cfg.RDPMaxWindow); r.window > limit {
		r.window = limit
	}
	if r.window == 0 {
		r.window = 1
	}
	r.connTimeout = params.ConnTimeout()
	r.packetTimeout = params.PacketTimeout()
	r.delayedAcks = params.DelayedAcks
	r.ackTimeout = params.AckTimeout()
	r.ackDelayCount = params.AckDelayCount
	r.txQueue.RTOMin = r.packetTimeout
	r.txQueue.RTOMax = r.connTimeout
}

func (r *rdpConn) params() config.RDP {
	return config.RDP{
		WindowSize:      r.window,
		ConnTimeoutMS:   uint32(r.connTimeout / time.Millisecond),
		PacketTimeoutMS: uint32(r.packetTimeout / time.Millisecond),
		DelayedAcks:     r.delayedAcks,
		AckTimeoutMS:    uint32(r.ackTimeout / time.Millisecond),
		AckDelayCount:   r.ackDelayCount,
	}
}

func encodeSynParams(p config.RDP) []byte {
	b := make([]byte, 4*rdpSynParams)
	delayed := uint32(0)
	if p.DelayedAcks {
		delayed = 1
	}
	for i, v := range []uint32{p.WindowSize, p.ConnTimeoutMS, p.PacketTimeoutMS, delayed, p.AckTimeoutMS, p.AckDelayCount} {
		binary.BigEndian.PutUint32(b[4*i:], v)
	}
	return b
}

// decodeSynParams falls back to def for a short payload or zero values.
func decodeSynParams(b []byte, def config.RDP) config.RDP {
	if len(b) < 4*rdpSynParams {
		return def
	}
	v := make([]uint32, rdpSynParams)
	for i := range v {
		v[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	p := def
	if v[0] != 0 {
		p.WindowSize = v[0]
	}
	if v[1] != 0 {
		p.ConnTimeoutMS = v[1]
	}
	if v[2] != 0 {
		p.PacketTimeoutMS = v[2]
	}
	p.DelayedAcks = v[3] != 0
	if v[4] != 0 {
		p.AckTimeoutMS = v[4]
	}
	if v[5] != 0 {
		p.AckDelayCount = v[5]
	}
	return p
}

func (r *rdpConn) signal() {
	for _, ch := range []chan struct{}{r.stateChanged, r.txAvailable} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// sendLocked builds and transmits a segment. With retain a copy stays in
// the retransmission queue.
func (r *rdpConn) sendLocked(c *Conn, flags uint8, seq seqnum.Value, payload []byte, retain bool) error {
	n := r.node
	p := n.pool.Get()
	if p == nil {
		return errors.Wrap(csperr.ErrNoBufs, "rdp control segment")
	}
	if err := p.SetPayload(payload); err != nil {
		n.pool.Free(p)
		return err
	}
	if err := appendRDPHeader(p, rdpHeader{flags: flags, seq: seq, ack: r.rcvCur}); err != nil {
		n.pool.Free(p)
		return err
	}
	p.ID = c.idout
	p.ID.Flags |= cspid.FlagRDP
	if retain {
		clone := n.pool.Clone(p)
		if clone == nil {
			n.pool.Free(p)
			return errors.Wrap(csperr.ErrNoBufs, "rdp retransmission copy")
		}
		r.txQueue.AddEntry(clone, seq, time.Now())
	}
	if flags&rdpFlagACK != 0 {
		r.rcvLsa = r.rcvCur
		r.ackTimestamp = time.Now()
	}
	return n.sendDirect(p, nil)
}

func (r *rdpConn) sendAckLocked(c *Conn) {
	if err := r.sendLocked(c, rdpFlagACK, r.sndNxt, nil, false); err != nil {
		r.node.log.Debug().Err(err).Msg("rdp ack")
	}
}

func (r *rdpConn) sendRSTLocked(c *Conn) {
	if err := r.sendLocked(c, rdpFlagRST|rdpFlagACK, r.sndNxt, nil, false); err != nil {
		r.node.log.Debug().Err(err).Msg("rdp reset")
	}
}

// sendEakLocked acknowledges the held out of order segments.
func (r *rdpConn) sendEakLocked(c *Conn) {
	room := r.node.cfg.BufferSize / 4
	payload := make([]byte, 0, 4*len(r.held))
	for i, s := range r.held {
		if i >= room {
			break
		}
		payload = binary.BigEndian.AppendUint32(payload, uint32(s.seq))
	}
	if err := r.sendLocked(c, rdpFlagACK|rdpFlagEAK, r.sndNxt, payload, false); err != nil {
		r.node.log.Debug().Err(err).Msg("rdp eak")
	}
}

func (r *rdpConn) setState(c *Conn, s RDPState) {
	if r.state == s {
		return
	}
	r.node.log.Debug().Stringer("id", c.idin).Stringer("from", r.state).Stringer("to", s).Msg("rdp state")
	r.state = s
	if s == RDPCloseWait {
		r.closeTimestamp = time.Now()
	}
	r.signal()
}

// connect performs the active open and waits for the handshake.
func (r *rdpConn) connect(c *Conn, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.connTimeout
	}
	r.mu.Lock()
	iss := seqnum.Value(randomISS())
	r.sndIss = iss
	r.sndUna = iss
	r.sndNxt = iss.Add(1)
	r.setState(c, RDPSynSent)
	err := r.sendLocked(c, rdpFlagSYN, iss, encodeSynParams(r.params()), true)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()
		switch state {
		case RDPOpen:
			return nil
		case RDPCloseWait, RDPClosed:
			if err := c.Err(); err != nil {
				return err
			}
			return errors.Wrap(csperr.ErrReset, "rdp connection refused")
		}
		select {
		case <-r.stateChanged:
		case <-timer.C:
			return errors.Wrap(csperr.ErrTimedOut, "rdp handshake")
		}
	}
}

// handle processes one incoming segment on the router goroutine.
func (r *rdpConn) handle(c *Conn, p *buffer.Packet) {
	h, err := stripRDPHeader(p)
	if err != nil {
		r.node.drop(p, nil, metrics.DropSecurity)
		r.mu.Lock()
		fresh := r.state == RDPClosed
		r.mu.Unlock()
		if fresh {
			r.node.conns.release(c)
		}
		return
	}
	r.mu.Lock()
	release := r.handleLocked(c, p, h)
	r.mu.Unlock()
	if release {
		r.node.conns.release(c)
	}
}

// handleLocked consumes p and reports whether the connection must be
// released.
func (r *rdpConn) handleLocked(c *Conn, p *buffer.Packet, h rdpHeader) bool {
	n := r.node
	if r.state == RDPClosed {
		return r.passiveOpenLocked(c, p, h)
	}

	if h.flags&rdpFlagRST != 0 {
		n.pool.Free(p)
		return r.closeByPeerLocked(c)
	}

	switch r.state {
	case RDPSynSent:
		if h.flags&rdpFlagSYN != 0 && h.flags&rdpFlagACK != 0 && h.ack == r.sndIss {
			r.rcvIrs = h.seq
			r.rcvCur = h.seq
			r.rcvLsa = h.seq
			r.sndUna = h.ack.Add(1)
			r.txQueue.RemoveAckedEntries(h.ack, time.Now())
			r.setState(c, RDPOpen)
			r.sendAckLocked(c)
		}
		n.pool.Free(p)
		return false

	case RDPSynRcvd:
		if h.flags&rdpFlagSYN != 0 || h.flags&rdpFlagACK == 0 || h.ack != r.sndIss {
			n.pool.Free(p)
			return false
		}
		r.sndUna = r.sndIss.Add(1)
		r.txQueue.RemoveAckedEntries(h.ack, time.Now())
		r.setState(c, RDPOpen)
		if !c.sock.enqueueConn(c) {
			n.log.Debug().Stringer("id", c.idin).Msg("rdp backlog full")
			n.metrics.Drop(metrics.DropBacklogFull)
			r.sendRSTLocked(c)
			n.pool.Free(p)
			return true
		}
		if p.Length == 0 {
			n.pool.Free(p)
			return false
		}
		return r.openLocked(c, p, h)

	case RDPOpen:
		return r.openLocked(c, p, h)
	}

	n.pool.Free(p)
	return false
}

// passiveOpenLocked handles the first segment of a new server connection.
func (r *rdpConn) passiveOpenLocked(c *Conn, p *buffer.Packet, h rdpHeader) bool {
	n := r.node
	if h.flags&rdpFlagRST != 0 {
		n.pool.Free(p)
		return true
	}
	if h.flags&rdpFlagSYN == 0 || h.flags&rdpFlagACK != 0 {
		n.pool.Free(p)
		r.rcvCur = h.seq
		r.sendRSTLocked(c)
		return true
	}
	r.apply(decodeSynParams(p.Payload(), n.cfg.RDP))
	n.pool.Free(p)

	if q := c.sock.backlogQueue(); q == nil || q.Len() >= q.Cap() {
		n.log.Debug().Stringer("id", c.idin).Msg("rdp syn refused, backlog full")
		n.metrics.Drop(metrics.DropBacklogFull)
		r.rcvCur = h.seq
		r.sendRSTLocked(c)
		return true
	}

	r.rcvIrs = h.seq
	r.rcvCur = h.seq
	r.rcvLsa = h.seq
	iss := seqnum.Value(randomISS())
	r.sndIss = iss
	r.sndUna = iss
	r.sndNxt = iss.Add(1)
	r.setState(c, RDPSynRcvd)
	if err := r.sendLocked(c, rdpFlagSYN|rdpFlagACK, iss, encodeSynParams(r.params()), true); err != nil {
		n.log.Debug().Err(err).Msg("rdp syn ack")
		return true
	}
	return false
}

func (r *rdpConn) openLocked(c *Conn, p *buffer.Packet, h rdpHeader) bool {
	n := r.node
	now := time.Now()

	if h.flags&rdpFlagSYN != 0 {
		// The peer missed our ACK of its SYN|ACK.
		n.pool.Free(p)
		r.sendAckLocked(c)
		return false
	}

	if h.flags&rdpFlagACK != 0 && h.ack.InRange(r.sndUna, r.sndNxt) {
		r.sndUna = h.ack.Add(1)
		r.txQueue.RemoveAckedEntries(h.ack, now)
		r.signal()
	}

	if h.flags&rdpFlagEAK != 0 {
		payload := p.Payload()
		for i := 0; i+4 <= len(payload); i += 4 {
			r.txQueue.RemoveSeq(seqnum.Value(binary.BigEndian.Uint32(payload[i:])), now)
		}
		n.pool.Free(p)
		r.signal()
		return false
	}

	if p.Length == 0 {
		n.pool.Free(p)
		return false
	}

	next := r.rcvCur.Add(1)
	switch {
	case h.seq == next:
		if !c.rxQueue.Put(p) {
			// Not acknowledged, the peer retransmits once the reader
			// catches up.
			n.drop(p, nil, metrics.DropRxQueueFull)
			return false
		}
		r.rcvCur = h.seq
		r.drainHeldLocked(c)
		r.ackPolicyLocked(c, now)
	case h.seq.LessThanEq(r.rcvCur):
		n.pool.Free(p)
		r.sendAckLocked(c)
	case h.seq.InWindow(next, seqnum.Size(r.window)):
		if r.held.contains(h.seq) {
			n.pool.Free(p)
		} else {
			r.held.hold(h.seq, p)
		}
		r.sendEakLocked(c)
	default:
		n.log.Debug().Uint32("seq", uint32(h.seq)).Uint32("rcv_cur", uint32(r.rcvCur)).Msg("rdp segment outside window")
		n.pool.Free(p)
	}
	return false
}

// drainHeldLocked delivers held segments that have become in order.
func (r *rdpConn) drainHeldLocked(c *Conn) {
	for {
		seq, ok := r.held.peek()
		if !ok {
			return
		}
		if seq.LessThanEq(r.rcvCur) {
			r.node.pool.Free(r.held.next().p)
			continue
		}
		if seq != r.rcvCur.Add(1) || c.rxQueue.Len() >= c.rxQueue.Cap() {
			return
		}
		s := r.held.next()
		if !c.rxQueue.Put(s.p) {
			r.node.pool.Free(s.p)
			return
		}
		r.rcvCur = s.seq
	}
}

func (r *rdpConn) ackPolicyLocked(c *Conn, now time.Time) {
	if !r.delayedAcks || uint32(r.rcvLsa.Size(r.rcvCur)) >= r.ackDelayCount {
		r.sendAckLocked(c)
	}
}

func (r *rdpConn) closeByPeerLocked(c *Conn) bool {
	wasSynRcvd := r.state == RDPSynRcvd
	if r.state == RDPSynSent {
		c.setErr(errors.Wrap(csperr.ErrReset, "rdp connection refused"))
	}
	r.closedBy |= closedByPeer
	r.setState(c, RDPCloseWait)
	c.rxQueue.Close()
	// Nobody has seen a half open server connection yet.
	return wasSynRcvd || r.closedBy&closedBySelf != 0
}

// send queues one data segment, waiting while the window is full.
func (r *rdpConn) send(c *Conn, pri cspid.Priority, p *buffer.Packet) error {
	n := r.node
	deadline := time.NewTimer(r.connTimeout)
	defer deadline.Stop()

	r.mu.Lock()
	for r.state == RDPOpen && uint32(r.sndUna.Size(r.sndNxt)) >= r.window {
		r.mu.Unlock()
		select {
		case <-r.txAvailable:
		case <-deadline.C:
			n.pool.Free(p)
			return errors.Wrap(csperr.ErrTimedOut, "rdp window full")
		}
		r.mu.Lock()
	}
	if r.state != RDPOpen {
		r.mu.Unlock()
		n.pool.Free(p)
		if err := c.Err(); err != nil {
			return err
		}
		return errors.Wrap(csperr.ErrReset, "rdp connection not open")
	}

	seq := r.sndNxt
	p.ID = c.idout
	p.ID.Pri = pri
	p.ID.Flags |= cspid.FlagRDP
	if err := appendRDPHeader(p, rdpHeader{flags: rdpFlagACK, seq: seq, ack: r.rcvCur}); err != nil {
		r.mu.Unlock()
		n.pool.Free(p)
		return err
	}
	clone := n.pool.Clone(p)
	if clone == nil {
		r.mu.Unlock()
		n.pool.Free(p)
		return errors.Wrap(csperr.ErrNoBufs, "rdp retransmission copy")
	}
	now := time.Now()
	r.txQueue.AddEntry(clone, seq, now)
	r.sndNxt = seq.Add(1)
	r.rcvLsa = r.rcvCur
	r.ackTimestamp = now
	if uint32(r.sndUna.Size(r.sndNxt)) < r.window {
		// Let the next waiting writer in.
		select {
		case r.txAvailable <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()

	c.touch()
	return n.sendDirect(p, nil)
}

// afterRead delivers held segments once the reader made room.
func (r *rdpConn) afterRead(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RDPOpen || len(r.held) == 0 {
		return
	}
	before := r.rcvCur
	r.drainHeldLocked(c)
	if r.rcvCur != before {
		r.ackPolicyLocked(c, time.Now())
	}
}

// userClose sends RST and keeps the slot until the peer confirms or the
// connection timeout passes.
func (r *rdpConn) userClose(c *Conn) {
	r.mu.Lock()
	release := true
	if r.state != RDPClosed {
		r.sendRSTLocked(c)
		r.closedBy |= closedBySelf
		r.setState(c, RDPCloseWait)
		c.rxQueue.Close()
		release = r.closedBy&(closedByPeer|closedByTimeout) != 0
	}
	r.mu.Unlock()
	if release {
		r.node.conns.release(c)
	}
}

// abort tears down a connection whose open failed.
func (r *rdpConn) abort(c *Conn) {
	r.mu.Lock()
	if r.state != RDPClosed && r.closedBy&closedByPeer == 0 {
		r.sendRSTLocked(c)
	}
	r.closedBy |= closedBySelf
	r.mu.Unlock()
	c.userClosed.Store(true)
	r.node.conns.release(c)
}

// flush runs when the connection is released.
func (r *rdpConn) flush(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RDPClosed
	r.txQueue.Flush()
	for len(r.held) > 0 {
		r.node.pool.Free(r.held.next().p)
	}
	r.signal()
}

func (r *rdpConn) timeoutLocked(c *Conn) {
	r.node.metrics.RDPTimeouts.Inc()
	r.node.log.Debug().Stringer("id", c.idin).Msg("rdp connection timed out")
	c.setErr(errors.Wrap(csperr.ErrTimedOut, "rdp connection"))
	r.sendRSTLocked(c)
	r.closedBy |= closedByTimeout
	r.setState(c, RDPCloseWait)
	c.rxQueue.Close()
}

// checkTimeouts runs the retransmission, delayed ack and close-wait timers.
// It reports whether the connection must be released.
func (r *rdpConn) checkTimeouts(c *Conn, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case RDPClosed:
		return false
	case RDPCloseWait:
		if now.Sub(r.closeTimestamp) > r.connTimeout {
			r.closedBy |= closedByTimeout
		}
		return r.closedBy&closedBySelf != 0 && r.closedBy&(closedByPeer|closedByTimeout) != 0
	}

	wasSynRcvd := r.state == RDPSynRcvd
	for _, e := range r.txQueue.Entries {
		if now.Sub(e.FirstSent) > r.connTimeout {
			r.timeoutLocked(c)
			return wasSynRcvd || r.closedBy&closedBySelf != 0
		}
		if now.Sub(e.SendTime) < e.RTO {
			continue
		}
		clone := r.node.pool.Clone(e.Packet)
		if clone == nil {
			break
		}
		binary.BigEndian.PutUint32(clone.Tail(4), uint32(r.rcvCur))
		r.node.metrics.RDPRetransmits.Inc()
		r.node.log.Debug().Stringer("id", c.idin).Uint32("seq", uint32(e.SeqNum)).Uint32("retry", e.Retries+1).Dur("rto", e.RTO).Msg("rdp retransmit")
		if err := r.node.sendDirect(clone, nil); err != nil {
			r.node.log.Debug().Err(err).Msg("rdp retransmit")
		}
		r.txQueue.Backoff(e, now)
	}

	if r.state == RDPOpen {
		r.drainHeldLocked(c)
		if r.delayedAcks && r.rcvLsa != r.rcvCur && now.Sub(r.ackTimestamp) > r.ackTimeout {
			r.sendAckLocked(c)
		}
	}
	return false
}

// RDPInfo is a snapshot for diagnostics.
type RDPInfo struct {
	State    RDPState
	Window   uint32
	SndNxt   uint32
	SndUna   uint32
	RcvCur   uint32
	TxQueued int
	Held     int
	SRTT     time.Duration
}

func (r *rdpConn) info() RDPInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RDPInfo{
		State:    r.state,
		Window:   r.window,
		SndNxt:   uint32(r.sndNxt),
		SndUna:   uint32(r.sndUna),
		RcvCur:   uint32(r.rcvCur),
		TxQueued: r.txQueue.Len(),
		Held:     len(r.held),
		SRTT:     r.txQueue.SRTT,
	}
}

// RDPInfo reports the reliable datagram state, ok is false for plain
// connections.
func (c *Conn) RDPInfo() (RDPInfo, bool) {
	if c.rdp == nil {
		return RDPInfo{}, false
	}
	return c.rdp.info(), true
}

func (n *Node) checkTimeouts() {
	now := time.Now()
	for _, c := range n.conns.snapshot() {
		if c.rdp != nil && c.rdp.checkTimeouts(c, now) {
			n.conns.release(c)
		}
	}
}
