// Package ws carries CSP frames over a WebSocket, one binary message per
// packet. One side serves the upgrade handler, the other dials it.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/drivers"
	"CSP/pkg/iflist"
	"CSP/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Config struct {
	Name    string
	Addr    uint16
	Netmask int
	Default bool
}

// Driver owns the interface. The peer connection may come and go, frames
// sent while there is none fail with csperr.ErrTx.
type Driver struct {
	st    drivers.Stack
	iface *iflist.Interface
	log   zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func newDriver(st drivers.Stack, cfg Config) (*Driver, error) {
	d := &Driver{
		st:  st,
		log: logging.Component(st.Logger(), "ws").With().Str("iface", cfg.Name).Logger(),
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
		return nil, err
	}
	return d, nil
}

// Listen registers the interface. Serve the returned driver as an
// http.Handler to accept the peer.
func Listen(st drivers.Stack, cfg Config) (*Driver, error) {
	return newDriver(st, cfg)
}

// Dial connects to the WebSocket at url and reads from it until ctx is
// done or the peer goes away.
func Dial(ctx context.Context, st drivers.Stack, cfg Config, url string) (*Driver, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(csperr.ErrDriver, "ws %s: dial %s: %v", cfg.Name, url, err)
	}
	d, err := newDriver(st, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	d.attach(conn)
	go d.readLoop(ctx, conn)
	return d, nil
}

func (d *Driver) Interface() *iflist.Interface { return d.iface }

// Connected reports whether a peer is attached.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// ServeHTTP upgrades the request and makes it the peer, replacing any
// previous one.
func (d *Driver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	d.log.Info().Str("peer", r.RemoteAddr).Msg("peer connected")
	d.attach(conn)
	d.readLoop(r.Context(), conn)
}

func (d *Driver) attach(conn *websocket.Conn) {
	d.mu.Lock()
	old := d.conn
	d.conn = conn
	d.mu.Unlock()
	if old != nil {
		old.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced"))
		old.Close()
	}
}

func (d *Driver) detach(conn *websocket.Conn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	conn.Close()
}

func (d *Driver) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer d.detach(conn)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				d.log.Debug().Err(err).Msg("peer gone")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			d.iface.Counters.Frame.Add(1)
			continue
		}
		drivers.Deliver(d.st, d.iface, msg)
	}
}

func (d *Driver) nexthop(iface *iflist.Interface, via uint16, p *buffer.Packet, fromMe bool) error {
	frame := drivers.Encode(make([]byte, 0, 6+int(p.Length)), d.st.Codec(), p)
	d.st.Pool().Free(p)

	// gorilla/websocket allows one concurrent writer.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return errors.Wrapf(csperr.ErrTx, "ws %s: no peer", iface.Name)
	}
	if err := d.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrapf(csperr.ErrTx, "ws %s: %v", iface.Name, err)
	}
	return nil
}

// Close drops the current peer.
func (d *Driver) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
