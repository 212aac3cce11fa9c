package cspid

import (
	"errors"
	"math/rand"
	"testing"

	"CSP/pkg/csperr"
)

func randomID(rng *rand.Rand, c Codec) ID {
	addrMask := uint16(1<<c.HostBits() - 1)
	flagMask := uint8(0xFF)
	if c.Version() == 2 {
		flagMask = 0x3F
	}
	return ID{
		Pri:   Priority(rng.Intn(4)),
		Flags: uint8(rng.Intn(256)) & flagMask,
		Src:   uint16(rng.Intn(1<<16)) & addrMask,
		Dst:   uint16(rng.Intn(1<<16)) & addrMask,
		Dport: uint8(rng.Intn(64)),
		Sport: uint8(rng.Intn(64)),
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, c := range []Codec{V1{}, V2{}} {
		for i := 0; i < 5000; i++ {
			id := randomID(rng, c)
			if !c.Fits(id) {
				t.Fatalf("v%d: generated id does not fit: %v", c.Version(), id)
			}
			b := c.Pack(id)
			if len(b) != c.HeaderLen() {
				t.Fatalf("v%d: packed %d bytes, want %d", c.Version(), len(b), c.HeaderLen())
			}
			got, err := c.Unpack(b)
			if err != nil {
				t.Fatalf("v%d: unpack: %v", c.Version(), err)
			}
			if got != id {
				t.Fatalf("v%d: round trip mismatch: got %v want %v", c.Version(), got, id)
			}
		}
	}
}

func TestKnownEncodings(t *testing.T) {
	id := ID{Pri: PrioNormal, Src: 1, Dst: 2, Dport: 1, Sport: 40, Flags: FlagRDP}
	if got, want := (V1{}).Pack(id), []byte{0x82, 0x20, 0x68, 0x02}; string(got) != string(want) {
		t.Fatalf("v1 pack = % x, want % x", got, want)
	}
	if got, want := (V2{}).Pack(id), []byte{0x80, 0x02, 0x00, 0x04, 0x1A, 0x02}; string(got) != string(want) {
		t.Fatalf("v2 pack = % x, want % x", got, want)
	}
}

func TestPackMasksOversizedFields(t *testing.T) {
	id := ID{Pri: 7, Src: 0xFFFF, Dst: 0xFFFF, Dport: 0xFF, Sport: 0xFF, Flags: 0xFF}
	for _, c := range []Codec{V1{}, V2{}} {
		if c.Fits(id) {
			t.Fatalf("v%d: oversized id should not fit", c.Version())
		}
		got, err := c.Unpack(c.Pack(id))
		if err != nil {
			t.Fatalf("v%d: unpack: %v", c.Version(), err)
		}
		if !c.Fits(got) {
			t.Fatalf("v%d: unpacked id out of range: %v", c.Version(), got)
		}
		if got.Dst != c.Broadcast() {
			t.Fatalf("v%d: dst = %d, want broadcast %d", c.Version(), got.Dst, c.Broadcast())
		}
	}
}

func TestUnpackRejectsWrongLength(t *testing.T) {
	for _, c := range []Codec{V1{}, V2{}} {
		for _, n := range []int{0, c.HeaderLen() - 1, c.HeaderLen() + 1} {
			_, err := c.Unpack(make([]byte, n))
			if !errors.Is(err, ErrHeaderLength) || !errors.Is(err, csperr.ErrInvalid) {
				t.Fatalf("v%d: unpack %d bytes: got %v", c.Version(), n, err)
			}
		}
	}
}

func TestReplySwapsEndpoints(t *testing.T) {
	id := ID{Pri: PrioHigh, Flags: FlagCRC32, Src: 3, Dst: 9, Dport: 5, Sport: 33}
	r := id.Reply()
	if r.Src != 9 || r.Dst != 3 || r.Dport != 33 || r.Sport != 5 || r.Flags != FlagCRC32 || r.Pri != PrioHigh {
		t.Fatalf("unexpected reply id %v", r)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(3); err == nil {
		t.Fatalf("version 3 should be rejected")
	}
	c, err := New(1)
	if err != nil || c.HeaderLen() != 4 {
		t.Fatalf("New(1) = %v, %v", c, err)
	}
}
