package cspstack

import (
	"time"

	"github.com/pkg/errors"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
)

// flagsFor turns connect options into header flags.
func (n *Node) flagsFor(opts uint32) (uint8, error) {
	if opts&OptRDP != 0 && opts&OptNoRDP != 0 {
		return 0, errors.Wrap(csperr.ErrInvalid, "rdp both requested and refused")
	}
	var flags uint8
	if opts&OptRDP != 0 {
		if !n.cfg.UseRDP {
			return 0, errors.Wrap(csperr.ErrNotSupported, "rdp disabled")
		}
		flags |= cspid.FlagRDP
	}
	if opts&OptHMAC != 0 {
		if !n.cfg.UseHMAC || len(n.hmacKey) == 0 {
			return 0, errors.Wrap(csperr.ErrNotSupported, "hmac disabled or no key")
		}
		flags |= cspid.FlagHMAC
	}
	if opts&OptCRC32 != 0 {
		flags |= cspid.FlagCRC32
	}
	return flags, nil
}

// Connect opens a connection to dst:dport. With OptRDP it blocks until
// the handshake completes or timeout passes; otherwise the connection is
// open at once.
func (n *Node) Connect(pri cspid.Priority, dst uint16, dport uint8, timeout time.Duration, opts uint32) (*Conn, error) {
	flags, err := n.flagsFor(opts)
	if err != nil {
		return nil, err
	}
	if dport > cspid.MaxPort {
		return nil, errors.Wrapf(csperr.ErrInvalid, "port %d", dport)
	}
	c, err := n.conns.allocClient(pri, dst, dport, flags, opts)
	if err != nil {
		return nil, err
	}
	if c.rdp == nil {
		return c, nil
	}
	if err := c.rdp.connect(c, timeout); err != nil {
		c.rdp.abort(c)
		return nil, err
	}
	return c, nil
}

// SendTo transmits p without a connection. p is consumed.
func (n *Node) SendTo(pri cspid.Priority, dst uint16, dport, sport uint8, opts uint32, p *buffer.Packet) error {
	if p == nil {
		return errors.Wrap(csperr.ErrInvalid, "send nil packet")
	}
	flags, err := n.flagsFor(opts &^ OptRDP)
	if err != nil {
		n.pool.Free(p)
		return err
	}
	p.ID = cspid.ID{Pri: pri, Flags: flags, Dst: dst, Dport: dport, Sport: sport}
	return n.sendDirect(p, nil)
}

// SendToReply answers request with reply. OptSame copies the request's
// CRC32 and HMAC flags. reply is consumed, request is left to the caller
// unless it is the same packet.
func (n *Node) SendToReply(request, reply *buffer.Packet, opts uint32) error {
	if request == nil || reply == nil {
		if reply != nil {
			n.pool.Free(reply)
		}
		return errors.Wrap(csperr.ErrInvalid, "reply needs a request")
	}
	id := request.ID.Reply()
	var flags uint8
	if opts&OptSame != 0 {
		flags = request.ID.Flags & (cspid.FlagCRC32 | cspid.FlagHMAC)
	} else {
		f, err := n.flagsFor(opts &^ OptRDP)
		if err != nil {
			n.pool.Free(reply)
			return err
		}
		flags = f
	}
	id.Flags = flags
	reply.ID = id
	return n.sendDirect(reply, nil)
}

// Transaction sends out on a new connection and, when inLen is not zero,
// waits for one reply. inLen < 0 accepts a reply of any length.
func (n *Node) Transaction(pri cspid.Priority, dst uint16, dport uint8, timeout time.Duration, out []byte, inLen int, opts uint32) ([]byte, error) {
	c, err := n.Connect(pri, dst, dport, timeout, opts)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Transaction(timeout, out, inLen)
}

// Transaction runs one request/reply exchange on c.
func (c *Conn) Transaction(timeout time.Duration, out []byte, inLen int) ([]byte, error) {
	p := c.node.pool.Get()
	if p == nil {
		return nil, errors.Wrap(csperr.ErrNoBufs, "transaction request")
	}
	if err := p.SetPayload(out); err != nil {
		c.node.pool.Free(p)
		return nil, err
	}
	if err := c.Send(p); err != nil {
		return nil, err
	}
	if inLen == 0 {
		return nil, nil
	}
	reply := c.Read(timeout)
	if reply == nil {
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, errors.Wrap(csperr.ErrTimedOut, "transaction reply")
	}
	defer c.node.pool.Free(reply)
	if inLen > 0 && int(reply.Length) != inLen {
		return nil, errors.Wrapf(csperr.ErrInvalid, "reply of %d bytes, want %d", reply.Length, inLen)
	}
	in := make([]byte, reply.Length)
	copy(in, reply.Payload())
	return in, nil
}
