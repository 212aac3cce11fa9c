package kiss

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	"CSP/pkg/csperr"
	"CSP/pkg/drivers/internal/drivertest"
)

func feed(d *Deframer, stream []byte, chunk int) (frames [][]byte, bad int) {
	for len(stream) > 0 {
		n := min(chunk, len(stream))
		w, _ := d.Write(stream[:n])
		stream = stream[w:]
		for {
			f, ok, err := d.Next()
			if !ok {
				break
			}
			if err != nil {
				bad++
				continue
			}
			frames = append(frames, f)
		}
	}
	return frames, bad
}

func TestFrameEscapesSpecialBytes(t *testing.T) {
	raw := []byte{0x01, FEND, 0x02, FESC, 0x03}
	frame := Frame(nil, raw)
	if frame[0] != FEND || frame[1] != cmdData || frame[len(frame)-1] != FEND {
		t.Fatalf("frame = % x", frame)
	}
	if bytes.Count(frame, []byte{FEND}) != 2 {
		t.Fatalf("unescaped FEND inside % x", frame)
	}
	if !bytes.Contains(frame, []byte{FESC, TFEND}) || !bytes.Contains(frame, []byte{FESC, TFESC}) {
		t.Fatalf("escapes missing in % x", frame)
	}
}

func TestDeframer(t *testing.T) {
	first := []byte{0x10, FEND, FESC, 0x20}
	second := bytes.Repeat([]byte{0xAB}, 40)

	var stream []byte
	stream = append(stream, 0x55, 0x66) // line noise before the first frame
	stream = append(stream, Frame(nil, first)...)
	// Back to back frames may share the FEND between them.
	stream = append(stream, Frame(nil, second)[1:]...)
	// A frame for another KISS command is skipped.
	stream = append(stream, FEND, 0x01, 0x01, 0x02, FEND)

	for _, chunk := range []int{1, 7, len(stream)} {
		frames, bad := feed(NewDeframer(16, 64), stream, chunk)
		if bad != 0 || len(frames) != 2 {
			t.Fatalf("chunk %d: %d frames, %d bad", chunk, len(frames), bad)
		}
		if !bytes.Equal(frames[0], first) || !bytes.Equal(frames[1], second) {
			t.Fatalf("chunk %d: frames % x", chunk, frames)
		}
	}
}

func TestDeframerRejectsDamage(t *testing.T) {
	frame := Frame(nil, []byte("hello"))
	frame[3] ^= 0xFF
	d := NewDeframer(64, 64)
	_, _ = d.Write(frame)
	_, ok, err := d.Next()
	if !ok || !errors.Is(err, csperr.ErrCRC32) {
		t.Fatalf("damaged frame: ok %v err %v", ok, err)
	}

	// Oversized frames are dropped without ending the stream.
	big := Frame(nil, bytes.Repeat([]byte{1}, 100))
	good := Frame(nil, []byte("ok"))
	frames, bad := feed(NewDeframer(32, 64), append(big, good...), 32)
	if bad != 0 || len(frames) != 1 || string(frames[0]) != "ok" {
		t.Fatalf("after oversized frame: %q, %d bad", frames, bad)
	}
}

func TestPingOverKISS(t *testing.T) {
	a := drivertest.Node(t, false)
	b := drivertest.Node(t, true)
	ctx := drivertest.Context(t)
	ea, eb := net.Pipe()

	da, err := Open(a, Config{Name: "KISS", Addr: 1, Default: true}, ea)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	db, err := Open(b, Config{Name: "KISS", Addr: 2, Default: true}, eb)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	go da.Run(ctx)
	go db.Run(ctx)

	for _, size := range []int{1, 100, 200} {
		if _, err := a.Ping(2, time.Second, size, 0); err != nil {
			t.Fatalf("ping %d bytes: %v", size, err)
		}
	}
	if st := db.Interface().Stats(); st.Rx < 3 || st.Frame != 0 {
		t.Fatalf("kiss counters = %+v", st)
	}
}
