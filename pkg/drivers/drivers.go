// Package drivers holds what the interface drivers share: the view of the
// stack a driver feeds and the wire form of a packet, header first.
package drivers

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
	"CSP/pkg/iflist"
)

// Stack is the part of a node drivers use. *cspstack.Node implements it.
type Stack interface {
	Codec() cspid.Codec
	Pool() *buffer.Pool
	QFifoWrite(p *buffer.Packet, iface *iflist.Interface)
	AddInterface(iface *iflist.Interface) error
	Logger() zerolog.Logger
}

// Encode appends the packed header and the payload of p to dst.
func Encode(dst []byte, codec cspid.Codec, p *buffer.Packet) []byte {
	var hdr [6]byte
	n := codec.PackInto(hdr[:], p.ID)
	dst = append(dst, hdr[:n]...)
	return append(dst, p.Payload()...)
}

// Decode copies frame into a packet from pool. The caller owns the
// packet.
func Decode(codec cspid.Codec, pool *buffer.Pool, frame []byte) (*buffer.Packet, error) {
	hl := codec.HeaderLen()
	if len(frame) < hl {
		return nil, errors.Wrapf(csperr.ErrInvalid, "frame of %d bytes", len(frame))
	}
	id, err := codec.Unpack(frame[:hl])
	if err != nil {
		return nil, err
	}
	p := pool.Get()
	if p == nil {
		return nil, errors.Wrap(csperr.ErrNoBufs, "decode frame")
	}
	if err := p.Append(frame[hl:]...); err != nil {
		pool.Free(p)
		return nil, err
	}
	p.ID = id
	return p, nil
}

// Deliver decodes frame and hands it to the router. Bad frames are counted
// on iface.
func Deliver(st Stack, iface *iflist.Interface, frame []byte) {
	p, err := Decode(st.Codec(), st.Pool(), frame)
	if err != nil {
		if errors.Is(err, csperr.ErrNoBufs) && !errors.Is(err, buffer.ErrTooLarge) {
			iface.Counters.Drop.Add(1)
		} else {
			iface.Counters.Frame.Add(1)
		}
		log := st.Logger()
		log.Debug().Err(err).Str("iface", iface.Name).Msg("frame dropped")
		return
	}
	st.QFifoWrite(p, iface)
}
