// Package repl is the interactive console of a node: it lists interfaces,
// connections and routes and runs the service clients against any address.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"CSP/pkg/cspstack"
	"CSP/pkg/csperr"
)

const DefaultTimeout = time.Second

type command struct {
	usage string
	run   func(r *Repl, args []string) error
}

var commands = map[string]command{
	"li":       {"li", (*Repl).listInterfaces},
	"lc":       {"lc", (*Repl).listConns},
	"lr":       {"lr", (*Repl).listRoutes},
	"route":    {"route <addr[/mask] IFACE [via], ...>", (*Repl).addRoutes},
	"ping":     {"ping <addr> [size] [crc|hmac|rdp ...]", (*Repl).ping},
	"noreply":  {"noreply <addr>", (*Repl).noReply},
	"reboot":   {"reboot <addr>", (*Repl).reboot},
	"shutdown": {"shutdown <addr>", (*Repl).shutdown},
	"uptime":   {"uptime <addr>", (*Repl).uptime},
	"buf":      {"buf <addr>", (*Repl).bufFree},
	"mem":      {"mem <addr>", (*Repl).memFree},
	"ps":       {"ps <addr>", (*Repl).ps},
	"ident":    {"ident <addr>", (*Repl).ident},
	"ifstat":   {"ifstat <addr> <iface>", (*Repl).ifStat},
}

type Repl struct {
	node    *cspstack.Node
	out     io.Writer
	Timeout time.Duration
}

func New(node *cspstack.Node, out io.Writer) *Repl {
	return &Repl{node: node, out: out, Timeout: DefaultTimeout}
}

// Run reads commands from in until it ends or "exit" is read.
func (r *Repl) Run(in io.Reader) {
	reader := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !reader.Scan() {
			return
		}
		fields := strings.Fields(reader.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return
		}
		if err := r.Exec(fields[0], fields[1:]); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// Exec runs one command.
func (r *Repl) Exec(name string, args []string) error {
	if name == "help" {
		r.help()
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		return errors.Wrapf(csperr.ErrInvalid, "unknown command %q, try help", name)
	}
	if err := cmd.run(r, args); err != nil {
		if errors.Is(err, errUsage) {
			return errors.Errorf("usage: %s", cmd.usage)
		}
		return err
	}
	return nil
}

var errUsage = errors.New("usage")

func (r *Repl) help() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(r.out, commands[name].usage)
	}
}

func (r *Repl) addr(args []string, want int) (uint16, error) {
	if len(args) < want || len(args) == 0 {
		return 0, errUsage
	}
	v, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return 0, errors.Wrapf(csperr.ErrInvalid, "bad address %q", args[0])
	}
	return uint16(v), nil
}

func (r *Repl) listInterfaces(args []string) error { return r.node.PrintInterfaces(r.out) }
func (r *Repl) listConns(args []string) error      { return r.node.PrintConnTable(r.out) }
func (r *Repl) listRoutes(args []string) error     { return r.node.PrintRoutes(r.out) }

func (r *Repl) addRoutes(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	return r.node.RTable().Load(strings.Join(args, " "), r.node.Interfaces())
}

func (r *Repl) ping(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	size := 10
	var opts uint32
	for _, arg := range args[1:] {
		switch arg {
		case "crc":
			opts |= cspstack.OptCRC32
		case "hmac":
			opts |= cspstack.OptHMAC
		case "rdp":
			opts |= cspstack.OptRDP
		default:
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				return errUsage
			}
			size = n
		}
	}
	rtt, err := r.node.Ping(addr, r.Timeout, size, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "reply from %d: size=%d time=%v\n", addr, size, rtt)
	return nil
}

func (r *Repl) noReply(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	return r.node.PingNoReply(addr)
}

func (r *Repl) reboot(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	return r.node.Reboot(addr)
}

func (r *Repl) shutdown(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	return r.node.Shutdown(addr)
}

func (r *Repl) uptime(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	up, err := r.node.RemoteUptime(addr, r.Timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "uptime of %d: %v\n", addr, up)
	return nil
}

func (r *Repl) bufFree(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	free, err := r.node.BufFree(addr, r.Timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "free buffers on %d: %d\n", addr, free)
	return nil
}

func (r *Repl) memFree(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	free, err := r.node.MemFree(addr, r.Timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "free memory on %d: %d bytes\n", addr, free)
	return nil
}

func (r *Repl) ps(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	text, err := r.node.Ps(addr, r.Timeout)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, strings.TrimRight(text, "\n"))
	return nil
}

func (r *Repl) ident(args []string) error {
	addr, err := r.addr(args, 1)
	if err != nil {
		return err
	}
	id, err := r.node.Ident(addr, r.Timeout)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Hostname\tModel\tRevision\tBuilt")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\n", id.Hostname, id.Model, id.Revision, id.Date, id.Time)
	return w.Flush()
}

func (r *Repl) ifStat(args []string) error {
	addr, err := r.addr(args, 2)
	if err != nil {
		return err
	}
	st, err := r.node.IfStats(addr, args[1], r.Timeout)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Iface\tTx\tRx\tTxErr\tRxErr\tDrop\tAuthErr\tFrame")
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		st.Name, st.Tx, st.Rx, st.TxError, st.RxError, st.Drop, st.AuthErr, st.Frame)
	return w.Flush()
}
