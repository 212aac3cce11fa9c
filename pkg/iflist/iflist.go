// Package iflist is the registry of network interfaces a node can send
// through. Interfaces are added during setup and live as long as the node.
package iflist

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
)

// NoVia means "send straight to the destination address".
const NoVia uint16 = 0xFFFF

// NexthopFunc transmits p through iface. It always consumes p, on error
// too. via is the next hop address or NoVia. fromMe is set for packets
// this node originated.
type NexthopFunc func(iface *Interface, via uint16, p *buffer.Packet, fromMe bool) error

// Counters are updated by the router and by drivers.
type Counters struct {
	Tx      atomic.Uint64
	Rx      atomic.Uint64
	TxError atomic.Uint64
	RxError atomic.Uint64
	Drop    atomic.Uint64
	AuthErr atomic.Uint64
	Frame   atomic.Uint64
	TxBytes atomic.Uint64
	RxBytes atomic.Uint64
}

// Stats is a snapshot of Counters.
type Stats struct {
	Tx, Rx, TxError, RxError, Drop, AuthErr, Frame uint64
	TxBytes, RxBytes                               uint64
}

type Interface struct {
	Name    string
	Addr    uint16
	Netmask int
	// Default interfaces catch destinations no route or subnet matches.
	Default bool
	Nexthop NexthopFunc
	// MTU is the largest payload the link carries, 0 for no limit.
	MTU int
	// Driver holds driver state.
	Driver any

	Counters Counters
}

func (iface *Interface) Stats() Stats {
	c := &iface.Counters
	return Stats{
		Tx:      c.Tx.Load(),
		Rx:      c.Rx.Load(),
		TxError: c.TxError.Load(),
		RxError: c.RxError.Load(),
		Drop:    c.Drop.Load(),
		AuthErr: c.AuthErr.Load(),
		Frame:   c.Frame.Load(),
		TxBytes: c.TxBytes.Load(),
		RxBytes: c.RxBytes.Load(),
	}
}

func (iface *Interface) String() string {
	return fmt.Sprintf("%s %d/%d", iface.Name, iface.Addr, iface.Netmask)
}

type List struct {
	mu       sync.RWMutex
	ifaces   []*Interface
	hostBits int
}

// New creates an empty registry for addresses of hostBits bits.
func New(hostBits int) *List {
	return &List{hostBits: hostBits}
}

func (l *List) Add(iface *Interface) error {
	if iface == nil || iface.Name == "" {
		return errors.Wrap(csperr.ErrInvalid, "iflist: interface needs a name")
	}
	if iface.Nexthop == nil {
		return errors.Wrapf(csperr.ErrInvalid, "iflist: interface %s has no nexthop", iface.Name)
	}
	if iface.Netmask < 0 || iface.Netmask > l.hostBits {
		return errors.Wrapf(csperr.ErrInvalid, "iflist: netmask %d out of range", iface.Netmask)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.ifaces {
		if existing.Name == iface.Name {
			return errors.Wrapf(csperr.ErrUsed, "iflist: interface %s already added", iface.Name)
		}
	}
	l.ifaces = append(l.ifaces, iface)
	return nil
}

func (l *List) GetByName(name string) *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, iface := range l.ifaces {
		if iface.Name == name {
			return iface
		}
	}
	return nil
}

// GetByAddr returns the interface that owns addr.
func (l *List) GetByAddr(addr uint16) *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, iface := range l.ifaces {
		if iface.Addr == addr {
			return iface
		}
	}
	return nil
}

// Mask returns the network part mask for netmask bits.
func (l *List) Mask(netmask int) uint16 {
	if netmask <= 0 {
		return 0
	}
	full := uint16(1<<l.hostBits - 1)
	return full &^ uint16(1<<(l.hostBits-netmask)-1)
}

// GetBySubnet returns the first interface whose subnet holds addr.
// Interfaces with a zero netmask are skipped, they would match anything.
func (l *List) GetBySubnet(addr uint16) *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, iface := range l.ifaces {
		if iface.Netmask == 0 {
			continue
		}
		mask := l.Mask(iface.Netmask)
		if iface.Addr&mask == addr&mask {
			return iface
		}
	}
	return nil
}

func (l *List) GetDefault() *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, iface := range l.ifaces {
		if iface.Default {
			return iface
		}
	}
	return nil
}

// IsLocal reports whether addr belongs to any interface.
func (l *List) IsLocal(addr uint16) bool {
	return l.GetByAddr(addr) != nil
}

func (l *List) All() []*Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Interface, len(l.ifaces))
	copy(out, l.ifaces)
	return out
}

func (l *List) Print(w io.Writer) error {
	data := pterm.TableData{{"name", "addr", "netmask", "dfl", "tx", "rx", "txerr", "rxerr", "drop", "autherr", "frame", "txbytes", "rxbytes"}}
	for _, iface := range l.All() {
		st := iface.Stats()
		dfl := ""
		if iface.Default {
			dfl = "*"
		}
		data = append(data, []string{
			iface.Name,
			fmt.Sprint(iface.Addr),
			fmt.Sprint(iface.Netmask),
			dfl,
			fmt.Sprint(st.Tx),
			fmt.Sprint(st.Rx),
			fmt.Sprint(st.TxError),
			fmt.Sprint(st.RxError),
			fmt.Sprint(st.Drop),
			fmt.Sprint(st.AuthErr),
			fmt.Sprint(st.Frame),
			fmt.Sprint(st.TxBytes),
			fmt.Sprint(st.RxBytes),
		})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "iflist: render table")
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
