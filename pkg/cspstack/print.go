package cspstack

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
)

func (n *Node) PrintConnTable(w io.Writer) error {
	data := pterm.TableData{{"slot", "type", "state", "src", "dst", "dport", "sport", "rxq", "rdp", "window", "txq", "srtt"}}
	for _, c := range n.conns.snapshot() {
		row := []string{
			strconv.Itoa(c.slot),
			c.typ.String(),
			c.State().String(),
			strconv.Itoa(int(c.idin.Src)),
			strconv.Itoa(int(c.idin.Dst)),
			strconv.Itoa(int(c.idin.Dport)),
			strconv.Itoa(int(c.idin.Sport)),
			strconv.Itoa(c.rxQueue.Len()),
		}
		if info, ok := c.RDPInfo(); ok {
			row = append(row, info.State.String(), strconv.Itoa(int(info.Window)), strconv.Itoa(info.TxQueued), info.SRTT.String())
		} else {
			row = append(row, "-", "-", "-", "-")
		}
		data = append(data, row)
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "render connection table")
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

func (n *Node) PrintInterfaces(w io.Writer) error {
	return n.ifaces.Print(w)
}

func (n *Node) PrintRoutes(w io.Writer) error {
	return n.rtable.Print(w)
}

// Conns lists the connections currently holding a slot.
func (n *Node) Conns() []*Conn {
	return n.conns.snapshot()
}
