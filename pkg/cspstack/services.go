package cspstack

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
)

// Reserved service ports.
const (
	PortCMP     uint8 = 0
	PortPing    uint8 = 1
	PortPS      uint8 = 2
	PortMemFree uint8 = 3
	PortReboot  uint8 = 4
	PortBufFree uint8 = 5
	PortUptime  uint8 = 6
)

const (
	RebootMagic   uint32 = 0x80078007
	ShutdownMagic uint32 = 0xD1E5529A
)

// CMP message types and codes.
const (
	CMPRequest uint8 = 0x00
	CMPReply   uint8 = 0xFF

	CMPIdent   uint8 = 1
	CMPIfStats uint8 = 3
	CMPClock   uint8 = 6
)

const (
	cmpHostnameLen = 20
	cmpModelLen    = 30
	cmpRevisionLen = 20
	cmpDateLen     = 12
	cmpTimeLen     = 9
	cmpIfNameLen   = 11
	cmpHeaderLen   = 2
	cmpIdentLen    = cmpHostnameLen + cmpModelLen + cmpRevisionLen + cmpDateLen + cmpTimeLen
	cmpIfStatsLen  = cmpIfNameLen + 10*4
	cmpClockLen    = 8
)

// buildTime is what CMP ident reports as the firmware date and time.
var buildTime = time.Now()

// ServiceHandler answers requests on the reserved ports and consumes p.
// Packets on other ports are freed.
func (n *Node) ServiceHandler(p *buffer.Packet) {
	n.handleService(p, n.reply)
}

func (n *Node) handleService(p *buffer.Packet, reply func(*buffer.Packet)) {
	switch p.ID.Dport {
	case PortCMP:
		if n.handleCMP(p) {
			reply(p)
			return
		}
	case PortPing:
		reply(p)
		return
	case PortPS:
		_ = p.SetPayload(n.psText())
		reply(p)
		return
	case PortMemFree:
		replyUint32(p, memFree(), reply)
		return
	case PortReboot:
		if p.Length >= 4 {
			switch binary.BigEndian.Uint32(p.Payload()) {
			case RebootMagic:
				n.log.Warn().Uint16("from", p.ID.Src).Msg("reboot requested")
				if n.rebootHook != nil {
					n.rebootHook()
				}
			case ShutdownMagic:
				n.log.Warn().Uint16("from", p.ID.Src).Msg("shutdown requested")
				if n.shutdownHook != nil {
					n.shutdownHook()
				}
			}
		}
	case PortBufFree:
		replyUint32(p, uint32(n.pool.Remaining()), reply)
		return
	case PortUptime:
		replyUint32(p, uint32(n.Uptime()/time.Second), reply)
		return
	}
	n.pool.Free(p)
}

func (n *Node) reply(p *buffer.Packet) {
	if err := n.SendToReply(p, p, OptSame); err != nil {
		n.log.Debug().Err(err).Msg("service reply")
	}
}

func replyUint32(p *buffer.Packet, v uint32, reply func(*buffer.Packet)) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_ = p.SetPayload(b[:])
	reply(p)
}

func (n *Node) psText() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "goroutines %d\n", runtime.NumGoroutine())
	for _, c := range n.conns.snapshot() {
		fmt.Fprintf(&buf, "conn %s S %d D %d Dp %d Sp %d\n", c.typ, c.idin.Src, c.idin.Dst, c.idin.Dport, c.idin.Sport)
	}
	b := buf.Bytes()
	if len(b) > n.cfg.BufferSize {
		b = b[:n.cfg.BufferSize]
	}
	return b
}

func memFree() uint32 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	free := ms.HeapSys - ms.HeapAlloc
	if free > 0xFFFFFFFF {
		free = 0xFFFFFFFF
	}
	return uint32(free)
}

func putString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// handleCMP rewrites p into its reply. False means no reply.
func (n *Node) handleCMP(p *buffer.Packet) bool {
	payload := p.Payload()
	if len(payload) < cmpHeaderLen || payload[0] != CMPRequest {
		return false
	}
	code := payload[1]
	switch code {
	case CMPIdent:
		b := make([]byte, cmpHeaderLen+cmpIdentLen)
		b[0], b[1] = CMPReply, code
		off := cmpHeaderLen
		for _, f := range []struct {
			s string
			l int
		}{
			{n.cfg.Hostname, cmpHostnameLen},
			{n.cfg.Model, cmpModelLen},
			{n.cfg.Revision, cmpRevisionLen},
			{buildTime.Format("Jan _2 2006"), cmpDateLen},
			{buildTime.Format("15:04:05"), cmpTimeLen},
		} {
			putString(b[off:off+f.l], f.s)
			off += f.l
		}
		return p.SetPayload(b) == nil

	case CMPIfStats:
		if len(payload) < cmpHeaderLen+cmpIfNameLen {
			return false
		}
		name := getString(payload[cmpHeaderLen : cmpHeaderLen+cmpIfNameLen])
		iface := n.ifaces.GetByName(name)
		if iface == nil {
			return false
		}
		st := iface.Stats()
		b := make([]byte, cmpHeaderLen+cmpIfStatsLen)
		b[0], b[1] = CMPReply, code
		putString(b[cmpHeaderLen:cmpHeaderLen+cmpIfNameLen], name)
		off := cmpHeaderLen + cmpIfNameLen
		for _, v := range []uint64{st.Tx, st.Rx, st.TxError, st.RxError, st.Drop, st.AuthErr, st.Frame, st.TxBytes, st.RxBytes, 0} {
			binary.BigEndian.PutUint32(b[off:], uint32(v))
			off += 4
		}
		return p.SetPayload(b) == nil

	case CMPClock:
		if len(payload) < cmpHeaderLen+cmpClockLen {
			return false
		}
		sec := binary.BigEndian.Uint32(payload[2:6])
		nsec := binary.BigEndian.Uint32(payload[6:10])
		if sec != 0 {
			set := time.Unix(int64(sec), int64(nsec))
			n.clockOffset.Store(int64(time.Until(set)))
			n.log.Info().Time("clock", set).Msg("clock set")
		}
		now := n.now()
		b := make([]byte, cmpHeaderLen+cmpClockLen)
		b[0], b[1] = CMPReply, code
		binary.BigEndian.PutUint32(b[2:6], uint32(now.Unix()))
		binary.BigEndian.PutUint32(b[6:10], uint32(now.Nanosecond()))
		return p.SetPayload(b) == nil
	}
	return false
}

// Serve accepts connections on sock and passes every packet to handle
// until ctx is done. Each connection is served on its own goroutine, and
// Serve returns once they have all closed. handle owns the packet. A nil
// handle serves the reserved ports with ServiceHandler.
func (n *Node) Serve(ctx context.Context, sock *Socket, handle func(c *Conn, p *buffer.Packet)) error {
	if handle == nil {
		handle = n.serviceConn
	}
	poll := n.cfg.RouteTick()
	var wg sync.WaitGroup
	for ctx.Err() == nil {
		c := sock.Accept(poll)
		if c == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p := c.Read(poll)
				if p == nil {
					break
				}
				handle(c, p)
			}
			_ = c.Close()
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// serviceConn answers on the connection itself when it is reliable, a
// plain reply would bypass the sequence numbers.
func (n *Node) serviceConn(c *Conn, p *buffer.Packet) {
	if c.rdp == nil {
		n.ServiceHandler(p)
		return
	}
	n.handleService(p, func(r *buffer.Packet) {
		if err := c.Send(r); err != nil {
			n.log.Debug().Err(err).Msg("service reply")
		}
	})
}

// Ping sends size bytes to the echo service of addr and returns the round
// trip time.
func (n *Node) Ping(addr uint16, timeout time.Duration, size int, opts uint32) (time.Duration, error) {
	c, err := n.Connect(cspid.PrioNormal, addr, PortPing, timeout, opts)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	p := n.pool.Get()
	if p == nil {
		return 0, errors.Wrap(csperr.ErrNoBufs, "ping")
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(i)
	}
	if err := p.SetPayload(out); err != nil {
		n.pool.Free(p)
		return 0, err
	}
	start := time.Now()
	if err := c.Send(p); err != nil {
		return 0, err
	}
	reply := c.Read(timeout)
	if reply == nil {
		return 0, errors.Wrapf(csperr.ErrTimedOut, "ping %d", addr)
	}
	elapsed := time.Since(start)
	defer n.pool.Free(reply)
	if !bytes.Equal(reply.Payload(), out) {
		return 0, errors.Wrapf(csperr.ErrInvalid, "ping %d: corrupt echo", addr)
	}
	return elapsed, nil
}

// PingNoReply sends one ping and does not wait for the echo.
func (n *Node) PingNoReply(addr uint16) error {
	p := n.pool.Get()
	if p == nil {
		return errors.Wrap(csperr.ErrNoBufs, "ping")
	}
	_ = p.SetPayload([]byte{0x55})
	c, err := n.Connect(cspid.PrioNormal, addr, PortPing, 0, OptNone)
	if err != nil {
		n.pool.Free(p)
		return err
	}
	defer c.Close()
	return c.Send(p)
}

func (n *Node) sendMagic(addr uint16, magic uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], magic)
	_, err := n.Transaction(cspid.PrioNormal, addr, PortReboot, 0, b[:], 0, OptNone)
	return err
}

func (n *Node) Reboot(addr uint16) error {
	return n.sendMagic(addr, RebootMagic)
}

func (n *Node) Shutdown(addr uint16) error {
	return n.sendMagic(addr, ShutdownMagic)
}

func (n *Node) queryUint32(addr uint16, port uint8, timeout time.Duration) (uint32, error) {
	in, err := n.Transaction(cspid.PrioNormal, addr, port, timeout, nil, 4, OptNone)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(in), nil
}

// RemoteUptime asks addr how long it has been running.
func (n *Node) RemoteUptime(addr uint16, timeout time.Duration) (time.Duration, error) {
	s, err := n.queryUint32(addr, PortUptime, timeout)
	return time.Duration(s) * time.Second, err
}

func (n *Node) MemFree(addr uint16, timeout time.Duration) (uint32, error) {
	return n.queryUint32(addr, PortMemFree, timeout)
}

func (n *Node) BufFree(addr uint16, timeout time.Duration) (uint32, error) {
	return n.queryUint32(addr, PortBufFree, timeout)
}

// Ps returns the process listing of addr.
func (n *Node) Ps(addr uint16, timeout time.Duration) (string, error) {
	in, err := n.Transaction(cspid.PrioNormal, addr, PortPS, timeout, []byte{0x55}, -1, OptNone)
	if err != nil {
		return "", err
	}
	return string(in), nil
}

type Ident struct {
	Hostname string
	Model    string
	Revision string
	Date     string
	Time     string
}

func (n *Node) cmp(addr uint16, timeout time.Duration, code uint8, body []byte, replyLen int) ([]byte, error) {
	out := append([]byte{CMPRequest, code}, body...)
	in, err := n.Transaction(cspid.PrioNormal, addr, PortCMP, timeout, out, cmpHeaderLen+replyLen, OptNone)
	if err != nil {
		return nil, err
	}
	if in[0] != CMPReply || in[1] != code {
		return nil, errors.Wrapf(csperr.ErrInvalid, "cmp reply %02x/%d", in[0], in[1])
	}
	return in[cmpHeaderLen:], nil
}

func (n *Node) Ident(addr uint16, timeout time.Duration) (Ident, error) {
	b, err := n.cmp(addr, timeout, CMPIdent, nil, cmpIdentLen)
	if err != nil {
		return Ident{}, err
	}
	var id Ident
	off := 0
	for _, f := range []struct {
		dst *string
		l   int
	}{
		{&id.Hostname, cmpHostnameLen},
		{&id.Model, cmpModelLen},
		{&id.Revision, cmpRevisionLen},
		{&id.Date, cmpDateLen},
		{&id.Time, cmpTimeLen},
	} {
		*f.dst = strings.TrimSpace(getString(b[off : off+f.l]))
		off += f.l
	}
	return id, nil
}

type RemoteIfStats struct {
	Name    string
	Tx      uint32
	Rx      uint32
	TxError uint32
	RxError uint32
	Drop    uint32
	AuthErr uint32
	Frame   uint32
	TxBytes uint32
	RxBytes uint32
	IRQ     uint32
}

func (n *Node) IfStats(addr uint16, ifname string, timeout time.Duration) (RemoteIfStats, error) {
	name := make([]byte, cmpIfNameLen)
	putString(name[:cmpIfNameLen-1], ifname)
	b, err := n.cmp(addr, timeout, CMPIfStats, name, cmpIfStatsLen)
	if err != nil {
		return RemoteIfStats{}, err
	}
	st := RemoteIfStats{Name: getString(b[:cmpIfNameLen])}
	off := cmpIfNameLen
	for _, dst := range []*uint32{&st.Tx, &st.Rx, &st.TxError, &st.RxError, &st.Drop, &st.AuthErr, &st.Frame, &st.TxBytes, &st.RxBytes, &st.IRQ} {
		*dst = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	return st, nil
}

// Clock reads the clock of addr. A non-zero set adjusts it first.
func (n *Node) Clock(addr uint16, set time.Time, timeout time.Duration) (time.Time, error) {
	body := make([]byte, cmpClockLen)
	if !set.IsZero() {
		binary.BigEndian.PutUint32(body[0:4], uint32(set.Unix()))
		binary.BigEndian.PutUint32(body[4:8], uint32(set.Nanosecond()))
	}
	b, err := n.cmp(addr, timeout, CMPClock, body, cmpClockLen)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(binary.BigEndian.Uint32(b[0:4])), int64(binary.BigEndian.Uint32(b[4:8]))), nil
}

// serviceBacklog is the backlog Serve callers typically listen with.
const serviceBacklog = 10

// ListenServices binds a socket to every free port and serves the reserved
// ports from a goroutine until ctx is done.
func (n *Node) ListenServices(ctx context.Context) (*Socket, error) {
	sock, err := n.NewSocket(OptNone)
	if err != nil {
		return nil, err
	}
	if err := sock.Bind(cspid.AnyPort); err != nil {
		return nil, err
	}
	if err := sock.Listen(serviceBacklog); err != nil {
		return nil, err
	}
	go func() {
		_ = n.Serve(ctx, sock, nil)
		_ = sock.Close()
	}()
	return sock, nil
}
