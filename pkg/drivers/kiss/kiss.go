// Package kiss frames CSP packets for byte streams such as serial lines
// and radio modems using KISS framing. Every frame carries a CRC32 of the
// CSP header and payload so line noise is caught before the router.
package kiss

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/smallnest/ringbuffer"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/drivers"
	"CSP/pkg/iflist"
	"CSP/pkg/logging"
)

const (
	FEND  byte = 0xC0
	FESC  byte = 0xDB
	TFEND byte = 0xDC
	TFESC byte = 0xDD

	// cmdData is the command byte of a data frame on port 0.
	cmdData byte = 0x00
	crcLen       = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Frame wraps raw in a KISS data frame with its CRC32.
func Frame(dst, raw []byte) []byte {
	var sum [crcLen]byte
	binary.BigEndian.PutUint32(sum[:], crc32.Checksum(raw, castagnoli))
	dst = append(dst, FEND, cmdData)
	for _, chunk := range [][]byte{raw, sum[:]} {
		for _, b := range chunk {
			switch b {
			case FEND:
				dst = append(dst, FESC, TFEND)
			case FESC:
				dst = append(dst, FESC, TFESC)
			default:
				dst = append(dst, b)
			}
		}
	}
	return append(dst, FEND)
}

var errBadCRC = errors.Wrap(csperr.ErrCRC32, "kiss frame")

// Deframer reassembles frames from a byte stream. Input is staged in a
// ring buffer so a reader can hand over whatever the device returned.
type Deframer struct {
	rb      *ringbuffer.RingBuffer
	frame   []byte
	max     int
	inFrame bool
	escaped bool
	cmdSeen bool
	// skip drops the rest of a non-data or oversized frame.
	skip bool
}

// NewDeframer stages up to size bytes and accepts frames of up to maxLen
// bytes, CRC included.
func NewDeframer(size, maxLen int) *Deframer {
	return &Deframer{
		rb:    ringbuffer.New(size),
		frame: make([]byte, 0, maxLen),
		max:   maxLen,
	}
}

// Write stages b. It returns how much fit, call Next to make room.
func (d *Deframer) Write(b []byte) (int, error) {
	n, err := d.rb.Write(b)
	if errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) || errors.Is(err, ringbuffer.ErrIsFull) {
		err = nil
	}
	return n, err
}

// Next returns the next complete frame with its CRC checked and stripped.
// ok is false once the staged bytes are used up. A frame that fails the
// check is returned with errBadCRC so the caller can count it.
func (d *Deframer) Next() (frame []byte, ok bool, err error) {
	for {
		c, rerr := d.rb.ReadByte()
		if rerr != nil {
			return nil, false, nil
		}
		if c == FEND {
			// A closing FEND also opens the next frame.
			done := d.inFrame && len(d.frame) > 0 && !d.skip
			if done {
				frame, err = d.finish()
			}
			d.reset()
			d.inFrame = true
			if done {
				return frame, true, err
			}
			continue
		}
		if !d.inFrame || d.skip {
			continue
		}
		if d.escaped {
			d.escaped = false
			switch c {
			case TFEND:
				c = FEND
			case TFESC:
				c = FESC
			}
		} else if c == FESC {
			d.escaped = true
			continue
		}
		if !d.cmdSeen {
			d.cmdSeen = true
			if c != cmdData {
				d.skip = true
			}
			continue
		}
		if len(d.frame) >= d.max {
			d.skip = true
			continue
		}
		d.frame = append(d.frame, c)
	}
}

func (d *Deframer) finish() ([]byte, error) {
	if len(d.frame) < crcLen {
		return nil, errors.Wrapf(csperr.ErrSFP, "kiss frame of %d bytes", len(d.frame))
	}
	body := d.frame[:len(d.frame)-crcLen]
	want := binary.BigEndian.Uint32(d.frame[len(d.frame)-crcLen:])
	out := make([]byte, len(body))
	copy(out, body)
	if crc32.Checksum(out, castagnoli) != want {
		return nil, errBadCRC
	}
	return out, nil
}

func (d *Deframer) reset() {
	d.frame = d.frame[:0]
	d.inFrame = false
	d.escaped = false
	d.skip = false
	d.cmdSeen = false
}

type Config struct {
	Name    string
	Addr    uint16
	Netmask int
	Default bool
}

// Driver runs KISS over any byte stream.
type Driver struct {
	st    drivers.Stack
	iface *iflist.Interface
	rw    io.ReadWriteCloser
	log   zerolog.Logger

	txMu  sync.Mutex
	txBuf []byte
}

// Open registers the interface and sends through rw.
func Open(st drivers.Stack, cfg Config, rw io.ReadWriteCloser) (*Driver, error) {
	d := &Driver{
		st:  st,
		rw:  rw,
		log: logging.Component(st.Logger(), "kiss").With().Str("iface", cfg.Name).Logger(),
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

// Dial opens device, a character device path or the host:port of a
// serial bridge, and runs KISS over it.
func Dial(st drivers.Stack, cfg Config, device string) (*Driver, error) {
	var rw io.ReadWriteCloser
	var err error
	if strings.Contains(device, ":") && !strings.HasPrefix(device, "/") {
		rw, err = net.Dial("tcp", device)
	} else {
		rw, err = os.OpenFile(device, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, errors.Wrapf(csperr.ErrDriver, "kiss %s: %v", cfg.Name, err)
	}
	d, err := Open(st, cfg, rw)
	if err != nil {
		rw.Close()
		return nil, err
	}
	return d, nil
}

func (d *Driver) Interface() *iflist.Interface { return d.iface }

func (d *Driver) nexthop(iface *iflist.Interface, via uint16, p *buffer.Packet, fromMe bool) error {
	raw := drivers.Encode(make([]byte, 0, 6+int(p.Length)), d.st.Codec(), p)
	d.st.Pool().Free(p)

	d.txMu.Lock()
	defer d.txMu.Unlock()
	d.txBuf = Frame(d.txBuf[:0], raw)
	if _, err := d.rw.Write(d.txBuf); err != nil {
		return errors.Wrapf(csperr.ErrTx, "kiss %s: %v", iface.Name, err)
	}
	return nil
}

// Run reads the stream until ctx is done or the stream ends.
func (d *Driver) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.rw.Close()
	}()
	maxFrame := 6 + d.st.Pool().Size() + buffer.Overhead + crcLen
	deframer := NewDeframer(2*maxFrame, maxFrame)
	buf := make([]byte, 256)
	for {
		n, err := d.rw.Read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			w, _ := deframer.Write(chunk)
			chunk = chunk[w:]
			d.drain(deframer)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			d.iface.Counters.RxError.Add(1)
			return errors.Wrapf(csperr.ErrDriver, "kiss %s: %v", d.iface.Name, err)
		}
	}
}

func (d *Driver) drain(deframer *Deframer) {
	for {
		frame, ok, err := deframer.Next()
		if !ok {
			return
		}
		if err != nil {
			d.iface.Counters.Frame.Add(1)
			d.log.Debug().Err(err).Msg("bad frame")
			continue
		}
		drivers.Deliver(d.st, d.iface, frame)
	}
}

func (d *Driver) Close() error {
	return d.rw.Close()
}
