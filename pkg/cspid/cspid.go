// Package cspid packs and unpacks the CSP identifier carried in front of
// every frame. Two layouts exist: the legacy 32 bit header and the current
// 48 bit header. The layout is picked once, when the stack is built.
package cspid

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"CSP/pkg/csperr"
)

type Priority uint8

const (
	PrioCritical Priority = 0
	PrioHigh     Priority = 1
	PrioNormal   Priority = 2
	PrioLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PrioCritical:
		return "critical"
	case PrioHigh:
		return "high"
	case PrioNormal:
		return "normal"
	case PrioLow:
		return "low"
	}
	return fmt.Sprintf("prio(%d)", uint8(p))
}

// Header flags.
const (
	FlagCRC32 uint8 = 0x01
	FlagRDP   uint8 = 0x02
	FlagXTEA  uint8 = 0x04 // legacy header only, never produced
	FlagHMAC  uint8 = 0x08
	FlagFrag  uint8 = 0x10 // current header only
)

const (
	// AnyPort binds a socket to every port without a specific bind.
	AnyPort uint8 = 255
	MaxPort uint8 = 63
)

var ErrHeaderLength = errors.Wrap(csperr.ErrInvalid, "cspid: wrong header length")

// ID is the unpacked header.
type ID struct {
	Pri   Priority
	Flags uint8
	Src   uint16
	Dst   uint16
	Dport uint8
	Sport uint8
}

func (id ID) String() string {
	return fmt.Sprintf("S %d, D %d, Dp %d, Sp %d, Pr %d, Fl 0x%02X", id.Src, id.Dst, id.Dport, id.Sport, id.Pri, id.Flags)
}

// Reply returns the identifier a response to id must carry.
func (id ID) Reply() ID {
	return ID{
		Pri:   id.Pri,
		Flags: id.Flags,
		Src:   id.Dst,
		Dst:   id.Src,
		Dport: id.Sport,
		Sport: id.Dport,
	}
}

// Codec is one header layout.
type Codec interface {
	Version() int
	HeaderLen() int
	HostBits() int
	// Pack masks every field to its width, so it never fails.
	Pack(id ID) []byte
	PackInto(dst []byte, id ID) int
	Unpack(b []byte) (ID, error)
	// Broadcast is the address with all host bits set.
	Broadcast() uint16
	// Fits reports whether every field of id survives Pack unchanged.
	Fits(id ID) bool
}

func New(version int) (Codec, error) {
	switch version {
	case 1:
		return V1{}, nil
	case 2:
		return V2{}, nil
	}
	return nil, errors.Wrapf(csperr.ErrInvalid, "cspid: unsupported version %d", version)
}

// V1 is the legacy layout:
// pri 2 | src 5 | dst 5 | dport 6 | sport 6 | flags 8
type V1 struct{}

func (V1) Version() int      { return 1 }
func (V1) HeaderLen() int    { return 4 }
func (V1) HostBits() int     { return 5 }
func (V1) Broadcast() uint16 { return 0x1F }

func (c V1) Pack(id ID) []byte {
	b := make([]byte, c.HeaderLen())
	c.PackInto(b, id)
	return b
}

func (V1) PackInto(dst []byte, id ID) int {
	v := uint32(id.Pri&0x3)<<30 |
		uint32(id.Src&0x1F)<<25 |
		uint32(id.Dst&0x1F)<<20 |
		uint32(id.Dport&0x3F)<<14 |
		uint32(id.Sport&0x3F)<<8 |
		uint32(id.Flags)
	binary.BigEndian.PutUint32(dst[:4], v)
	return 4
}

func (c V1) Unpack(b []byte) (ID, error) {
	if len(b) != c.HeaderLen() {
		return ID{}, errors.Wrapf(ErrHeaderLength, "got %d bytes, want %d", len(b), c.HeaderLen())
	}
	v := binary.BigEndian.Uint32(b)
	return ID{
		Pri:   Priority(v >> 30 & 0x3),
		Src:   uint16(v >> 25 & 0x1F),
		Dst:   uint16(v >> 20 & 0x1F),
		Dport: uint8(v >> 14 & 0x3F),
		Sport: uint8(v >> 8 & 0x3F),
		Flags: uint8(v),
	}, nil
}

func (V1) Fits(id ID) bool {
	return id.Pri <= 3 && id.Src <= 0x1F && id.Dst <= 0x1F && id.Dport <= MaxPort && id.Sport <= MaxPort
}

// V2 is the current layout:
// pri 2 | dst 14 | src 14 | dport 6 | sport 6 | flags 6
type V2 struct{}

func (V2) Version() int      { return 2 }
func (V2) HeaderLen() int    { return 6 }
func (V2) HostBits() int     { return 14 }
func (V2) Broadcast() uint16 { return 0x3FFF }

func (c V2) Pack(id ID) []byte {
	b := make([]byte, c.HeaderLen())
	c.PackInto(b, id)
	return b
}

func (V2) PackInto(dst []byte, id ID) int {
	v := uint64(id.Pri&0x3)<<46 |
		uint64(id.Dst&0x3FFF)<<32 |
		uint64(id.Src&0x3FFF)<<18 |
		uint64(id.Dport&0x3F)<<12 |
		uint64(id.Sport&0x3F)<<6 |
		uint64(id.Flags&0x3F)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(dst[:6], tmp[2:])
	return 6
}

func (c V2) Unpack(b []byte) (ID, error) {
	if len(b) != c.HeaderLen() {
		return ID{}, errors.Wrapf(ErrHeaderLength, "got %d bytes, want %d", len(b), c.HeaderLen())
	}
	var tmp [8]byte
	copy(tmp[2:], b)
	v := binary.BigEndian.Uint64(tmp[:])
	return ID{
		Pri:   Priority(v >> 46 & 0x3),
		Dst:   uint16(v >> 32 & 0x3FFF),
		Src:   uint16(v >> 18 & 0x3FFF),
		Dport: uint8(v >> 12 & 0x3F),
		Sport: uint8(v >> 6 & 0x3F),
		Flags: uint8(v & 0x3F),
	}, nil
}

func (V2) Fits(id ID) bool {
	return id.Pri <= 3 && id.Src <= 0x3FFF && id.Dst <= 0x3FFF &&
		id.Dport <= MaxPort && id.Sport <= MaxPort && id.Flags <= 0x3F
}
