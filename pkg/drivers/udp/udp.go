// Package udp carries CSP frames in UDP datagrams, one packet per
// datagram. Frames are received on a local port and sent to a fixed peer.
package udp

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/drivers"
	"CSP/pkg/iflist"
	"CSP/pkg/logging"
)

type Config struct {
	Name    string
	Addr    uint16
	Netmask int
	Default bool
	// Host and RPort name the peer, LPort the local port. LPort 0 picks a
	// free port.
	Host  string
	LPort int
	RPort int
}

type Driver struct {
	st    drivers.Stack
	iface *iflist.Interface
	conn  *net.UDPConn
	log   zerolog.Logger

	mu     sync.RWMutex
	remote *net.UDPAddr
}

// Open binds the local port and registers the interface with st.
func Open(st drivers.Stack, cfg Config) (*Driver, error) {
	local, err := net.ResolveUDPAddr("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.LPort)))
	if err != nil {
		return nil, errors.Wrapf(csperr.ErrDriver, "udp %s: %v", cfg.Name, err)
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, errors.Wrapf(csperr.ErrDriver, "udp %s: %v", cfg.Name, err)
	}
	d := &Driver{
		st:   st,
		conn: conn,
		log:  logging.Component(st.Logger(), "udp").With().Str("iface", cfg.Name).Logger(),
	}
	if cfg.Host != "" && cfg.RPort != 0 {
		remote, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.RPort)))
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(csperr.ErrDriver, "udp %s: %v", cfg.Name, err)
		}
		d.remote = remote
	}
	d.iface = &iflist.Interface{
		Name:    cfg.Name,
		Addr:    cfg.Addr,
		Netmask: cfg.Netmask,
		Default: cfg.Default,
		Nexthop: d.nexthop,
		Driver:  d,
	}
	if err := st.AddInterface(d.iface); err != nil {
		conn.Close()
		return nil, err
	}
	d.log.Info().Stringer("local", conn.LocalAddr()).Stringer("remote", d.remote).Msg("udp interface up")
	return d, nil
}

func (d *Driver) Interface() *iflist.Interface { return d.iface }
func (d *Driver) LocalAddr() *net.UDPAddr     { return d.conn.LocalAddr().(*net.UDPAddr) }

// SetRemote changes the peer frames are sent to.
func (d *Driver) SetRemote(addr *net.UDPAddr) {
	d.mu.Lock()
	d.remote = addr
	d.mu.Unlock()
}

func (d *Driver) nexthop(iface *iflist.Interface, via uint16, p *buffer.Packet, fromMe bool) error {
	defer d.st.Pool().Free(p)
	d.mu.RLock()
	remote := d.remote
	d.mu.RUnlock()
	if remote == nil {
		return errors.Wrapf(csperr.ErrTx, "udp %s: no peer", iface.Name)
	}
	frame := drivers.Encode(make([]byte, 0, 6+int(p.Length)), d.st.Codec(), p)
	if _, err := d.conn.WriteToUDP(frame, remote); err != nil {
		return errors.Wrapf(csperr.ErrTx, "udp %s: %v", iface.Name, err)
	}
	return nil
}

// Run receives datagrams until ctx is done or the driver is closed.
func (d *Driver) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()
	buf := make([]byte, 6+d.st.Pool().Size()+buffer.Overhead)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.log.Warn().Err(err).Msg("udp read")
			d.iface.Counters.RxError.Add(1)
			continue
		}
		d.log.Trace().Int("bytes", n).Stringer("from", from).Msg("datagram")
		drivers.Deliver(d.st, d.iface, buf[:n])
	}
}

func (d *Driver) Close() error {
	return d.conn.Close()
}
