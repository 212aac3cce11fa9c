package integrity

import (
	"errors"
	"testing"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
)

func newPacket(t *testing.T, pool *buffer.Pool, payload string) *buffer.Packet {
	t.Helper()
	p := pool.Get()
	if p == nil {
		t.Fatalf("pool exhausted")
	}
	p.ID = cspid.ID{Pri: cspid.PrioNormal, Src: 3, Dst: 5, Dport: 10, Sport: 20}
	if err := p.SetPayload([]byte(payload)); err != nil {
		t.Fatalf("set payload: %v", err)
	}
	return p
}

func TestCRC32RoundTrip(t *testing.T) {
	pool := buffer.NewPool(4, 64)
	for _, codec := range []cspid.Codec{cspid.V1{}, cspid.V2{}} {
		p := newPacket(t, pool, "hello")
		if err := AppendCRC32(codec, p); err != nil {
			t.Fatalf("append: %v", err)
		}
		if p.Length != 5+CRC32Len || p.ID.Flags&cspid.FlagCRC32 == 0 {
			t.Fatalf("v%d: trailer not appended", codec.Version())
		}
		if err := VerifyCRC32(codec, p); err != nil {
			t.Fatalf("v%d: verify: %v", codec.Version(), err)
		}
		if string(p.Payload()) != "hello" {
			t.Fatalf("v%d: payload = %q", codec.Version(), p.Payload())
		}
		pool.Free(p)
	}
}

func TestCRC32DetectsCorruption(t *testing.T) {
	pool := buffer.NewPool(2, 64)
	p := newPacket(t, pool, "hello")
	_ = AppendCRC32(cspid.V2{}, p)
	p.Data[0] ^= 0xFF
	if err := VerifyCRC32(cspid.V2{}, p); !errors.Is(err, csperr.ErrCRC32) {
		t.Fatalf("corrupt payload: got %v", err)
	}

	q := newPacket(t, pool, "hello")
	_ = AppendCRC32(cspid.V2{}, q)
	q.ID.Dport = 11
	if err := VerifyCRC32(cspid.V2{}, q); !errors.Is(err, csperr.ErrCRC32) {
		t.Fatalf("v2 header is covered, got %v", err)
	}
}

func TestLegacyHeaderNotCovered(t *testing.T) {
	pool := buffer.NewPool(1, 64)
	p := newPacket(t, pool, "hello")
	_ = AppendCRC32(cspid.V1{}, p)
	p.ID.Dport = 11
	if err := VerifyCRC32(cspid.V1{}, p); err != nil {
		t.Fatalf("v1 header must not be covered: %v", err)
	}
}

func TestHMACThenCRC(t *testing.T) {
	pool := buffer.NewPool(2, 64)
	key := []byte("secret")
	codec := cspid.V2{}

	p := newPacket(t, pool, "payload")
	if err := AppendHMAC(codec, key, p); err != nil {
		t.Fatalf("append hmac: %v", err)
	}
	if err := AppendCRC32(codec, p); err != nil {
		t.Fatalf("append crc: %v", err)
	}
	if err := VerifyCRC32(codec, p); err != nil {
		t.Fatalf("verify crc: %v", err)
	}
	if err := VerifyHMAC(codec, key, p); err != nil {
		t.Fatalf("verify hmac: %v", err)
	}
	if string(p.Payload()) != "payload" {
		t.Fatalf("payload = %q", p.Payload())
	}

	q := newPacket(t, pool, "payload")
	_ = AppendHMAC(codec, key, q)
	if err := VerifyHMAC(codec, []byte("other"), q); !errors.Is(err, csperr.ErrHMAC) {
		t.Fatalf("wrong key: got %v", err)
	}
}

func TestShortPackets(t *testing.T) {
	pool := buffer.NewPool(1, 64)
	p := newPacket(t, pool, "ab")
	if err := VerifyCRC32(cspid.V2{}, p); !errors.Is(err, csperr.ErrCRC32) {
		t.Fatalf("short crc: got %v", err)
	}
	if err := VerifyHMAC(cspid.V2{}, []byte("k"), p); !errors.Is(err, csperr.ErrHMAC) {
		t.Fatalf("short hmac: got %v", err)
	}
	if err := AppendHMAC(cspid.V2{}, nil, p); !errors.Is(err, csperr.ErrHMAC) {
		t.Fatalf("missing key: got %v", err)
	}
}
