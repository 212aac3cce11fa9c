// Package rtable is the static routing table consulted before subnet and
// default interface routing. Entries are kept ordered by prefix length so
// the first match is the longest one.
package rtable

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"

	"CSP/pkg/csperr"
	"CSP/pkg/iflist"
)

type Route struct {
	Addr    uint16
	Netmask int
	Iface   *iflist.Interface
	// Via is the next hop address, iflist.NoVia sends to the destination.
	Via uint16
}

func (r Route) String() string {
	s := fmt.Sprintf("%d/%d %s", r.Addr, r.Netmask, r.Iface.Name)
	if r.Via != iflist.NoVia {
		s += fmt.Sprintf(" %d", r.Via)
	}
	return s
}

func less(a, b Route) bool {
	if a.Netmask != b.Netmask {
		return a.Netmask > b.Netmask
	}
	return a.Addr < b.Addr
}

type Table struct {
	Mu       sync.RWMutex
	routes   *btree.BTreeG[Route]
	size     int
	hostBits int
}

// New creates a table holding at most size routes for hostBits wide
// addresses.
func New(size, hostBits int) *Table {
	return &Table{
		routes:   btree.NewG(8, less),
		size:     size,
		hostBits: hostBits,
	}
}

func (t *Table) mask(netmask int) uint16 {
	if netmask <= 0 {
		return 0
	}
	full := uint16(1<<t.hostBits - 1)
	return full &^ uint16(1<<(t.hostBits-netmask)-1)
}

// Set adds or replaces the route for addr/netmask.
func (t *Table) Set(addr uint16, netmask int, iface *iflist.Interface, via uint16) error {
	if iface == nil {
		return errors.Wrap(csperr.ErrInvalid, "rtable: route needs an interface")
	}
	if netmask < 0 || netmask > t.hostBits {
		return errors.Wrapf(csperr.ErrInvalid, "rtable: netmask %d out of range", netmask)
	}
	r := Route{Addr: addr & t.mask(netmask), Netmask: netmask, Iface: iface, Via: via}

	t.Mu.Lock()
	defer t.Mu.Unlock()
	if !t.routes.Has(r) && t.routes.Len() >= t.size {
		return errors.Wrapf(csperr.ErrNoMem, "rtable: table full (%d routes)", t.size)
	}
	t.routes.ReplaceOrInsert(r)
	return nil
}

// Find returns the longest prefix route for addr.
func (t *Table) Find(addr uint16) (Route, bool) {
	t.Mu.RLock()
	defer t.Mu.RUnlock()
	var found Route
	ok := false
	t.routes.Ascend(func(r Route) bool {
		if addr&t.mask(r.Netmask) == r.Addr {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

func (t *Table) Clear() {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.routes.Clear(false)
}

func (t *Table) Len() int {
	t.Mu.RLock()
	defer t.Mu.RUnlock()
	return t.routes.Len()
}

func (t *Table) Routes() []Route {
	t.Mu.RLock()
	defer t.Mu.RUnlock()
	out := make([]Route, 0, t.routes.Len())
	t.routes.Ascend(func(r Route) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Load parses "addr[/mask] IFACE [via]" entries separated by commas and
// adds them. A missing mask means a host route.
func (t *Table) Load(text string, ifaces *iflist.List) error {
	for _, entry := range strings.Split(text, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		if len(fields) < 2 || len(fields) > 3 {
			return errors.Wrapf(csperr.ErrInvalid, "rtable: bad route %q", entry)
		}
		addrText, maskText, hasMask := strings.Cut(fields[0], "/")
		addr, err := strconv.ParseUint(addrText, 10, 16)
		if err != nil {
			return errors.Wrapf(csperr.ErrInvalid, "rtable: bad address in %q", entry)
		}
		netmask := t.hostBits
		if hasMask {
			n, err := strconv.Atoi(maskText)
			if err != nil {
				return errors.Wrapf(csperr.ErrInvalid, "rtable: bad netmask in %q", entry)
			}
			netmask = n
		}
		iface := ifaces.GetByName(fields[1])
		if iface == nil {
			return errors.Wrapf(csperr.ErrInvalid, "rtable: unknown interface %s", fields[1])
		}
		via := iflist.NoVia
		if len(fields) == 3 {
			v, err := strconv.ParseUint(fields[2], 10, 16)
			if err != nil {
				return errors.Wrapf(csperr.ErrInvalid, "rtable: bad via in %q", entry)
			}
			via = uint16(v)
		}
		if err := t.Set(uint16(addr), netmask, iface, via); err != nil {
			return err
		}
	}
	return nil
}

// Save renders the table in the format Load reads.
func (t *Table) Save() string {
	routes := t.Routes()
	parts := make([]string, 0, len(routes))
	for _, r := range routes {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ", ")
}

func (t *Table) Print(w io.Writer) error {
	data := pterm.TableData{{"address", "netmask", "iface", "via"}}
	for _, r := range t.Routes() {
		via := "-"
		if r.Via != iflist.NoVia {
			via = strconv.Itoa(int(r.Via))
		}
		data = append(data, []string{strconv.Itoa(int(r.Addr)), strconv.Itoa(r.Netmask), r.Iface.Name, via})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "rtable: render table")
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
