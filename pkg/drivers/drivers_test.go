package drivers

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"CSP/pkg/buffer"
	"CSP/pkg/cspid"
	"CSP/pkg/iflist"
)

type fakeStack struct {
	pool *buffer.Pool
	log  zerolog.Logger
	got  []*buffer.Packet
}

func (s *fakeStack) Codec() cspid.Codec                               { return cspid.V2{} }
func (s *fakeStack) Pool() *buffer.Pool                               { return s.pool }
func (s *fakeStack) QFifoWrite(p *buffer.Packet, _ *iflist.Interface) { s.got = append(s.got, p) }
func (s *fakeStack) AddInterface(*iflist.Interface) error             { return nil }
func (s *fakeStack) Logger() zerolog.Logger                           { return s.log }

func TestEncodeDecode(t *testing.T) {
	for _, version := range []int{1, 2} {
		codec, _ := cspid.New(version)
		pool := buffer.NewPool(2, 16)
		p := pool.Get()
		p.ID = cspid.ID{Pri: cspid.PrioHigh, Src: 3, Dst: 4, Dport: 5, Sport: 33, Flags: cspid.FlagCRC32}
		_ = p.SetPayload([]byte("payload"))

		frame := Encode(nil, codec, p)
		if len(frame) != codec.HeaderLen()+7 || !bytes.HasSuffix(frame, []byte("payload")) {
			t.Fatalf("v%d frame = % x", version, frame)
		}
		q, err := Decode(codec, pool, frame)
		if err != nil {
			t.Fatalf("v%d decode: %v", version, err)
		}
		if q.ID != p.ID || string(q.Payload()) != "payload" {
			t.Fatalf("v%d decoded %s %q", version, q.ID, q.Payload())
		}
		pool.Free(p)
		pool.Free(q)
	}
}

func TestDecodeRejects(t *testing.T) {
	codec, _ := cspid.New(2)
	pool := buffer.NewPool(1, 16)
	if _, err := Decode(codec, pool, []byte{1, 2, 3}); err == nil {
		t.Fatalf("short frame accepted")
	}
	if _, err := Decode(codec, pool, make([]byte, 6+16+buffer.Overhead+1)); err == nil {
		t.Fatalf("oversized frame accepted")
	}
	if pool.Remaining() != 1 {
		t.Fatalf("decode leaked a packet")
	}
	held := pool.Get()
	if _, err := Decode(codec, pool, make([]byte, 8)); err == nil {
		t.Fatalf("decode with an empty pool succeeded")
	}
	pool.Free(held)
}

func TestDeliverCountsBadFrames(t *testing.T) {
	var out bytes.Buffer
	st := &fakeStack{pool: buffer.NewPool(1, 16), log: zerolog.New(&out).Level(zerolog.DebugLevel)}
	iface := &iflist.Interface{Name: "TEST"}

	Deliver(st, iface, []byte{1, 2})
	if got := iface.Stats().Frame; got != 1 {
		t.Fatalf("frame errors = %d, want 1", got)
	}
	if !strings.Contains(out.String(), "frame dropped") {
		t.Fatalf("bad frame not logged: %s", out.String())
	}

	good := make([]byte, 6+4)
	Deliver(st, iface, good)
	if len(st.got) != 1 {
		t.Fatalf("good frame not handed to the router")
	}
	Deliver(st, iface, good)
	if got := iface.Stats().Drop; got != 1 {
		t.Fatalf("drops with an empty pool = %d, want 1", got)
	}
	st.pool.Free(st.got[0])
}
