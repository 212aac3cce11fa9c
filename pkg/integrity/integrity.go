// Package integrity appends and verifies the CRC32 and HMAC trailers.
//
// With the current header the packed header is covered by both checks, the
// legacy header only protects the payload.
package integrity

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"CSP/pkg/buffer"
	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
)

const (
	CRC32Len = 4
	HMACLen  = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func covered(codec cspid.Codec, p *buffer.Packet) [][]byte {
	if codec.Version() == 1 {
		return [][]byte{p.Payload()}
	}
	// Trailer flags are set one by one while appending, so they are left
	// out of the covered header.
	id := p.ID
	id.Flags &^= cspid.FlagCRC32 | cspid.FlagHMAC
	return [][]byte{codec.Pack(id), p.Payload()}
}

func crcOf(parts [][]byte) uint32 {
	var sum uint32
	for _, b := range parts {
		sum = crc32.Update(sum, castagnoli, b)
	}
	return sum
}

// AppendCRC32 sets the CRC flag and appends the checksum.
func AppendCRC32(codec cspid.Codec, p *buffer.Packet) error {
	p.ID.Flags |= cspid.FlagCRC32
	var tail [CRC32Len]byte
	binary.BigEndian.PutUint32(tail[:], crcOf(covered(codec, p)))
	return p.Append(tail[:]...)
}

// VerifyCRC32 checks and strips the checksum.
func VerifyCRC32(codec cspid.Codec, p *buffer.Packet) error {
	if p.Length < CRC32Len {
		return errors.Wrapf(csperr.ErrCRC32, "packet of %d bytes has no checksum", p.Length)
	}
	want := binary.BigEndian.Uint32(p.Tail(CRC32Len))
	_ = p.Truncate(CRC32Len)
	if got := crcOf(covered(codec, p)); got != want {
		return errors.Wrapf(csperr.ErrCRC32, "got %08x, want %08x", got, want)
	}
	return nil
}

func mac(key []byte, parts [][]byte) []byte {
	h := hmac.New(sha1.New, key)
	for _, b := range parts {
		h.Write(b)
	}
	return h.Sum(nil)[:HMACLen]
}

// AppendHMAC sets the HMAC flag and appends the truncated HMAC-SHA1.
func AppendHMAC(codec cspid.Codec, key []byte, p *buffer.Packet) error {
	if len(key) == 0 {
		return errors.Wrap(csperr.ErrHMAC, "no hmac key")
	}
	p.ID.Flags |= cspid.FlagHMAC
	return p.Append(mac(key, covered(codec, p))...)
}

// VerifyHMAC checks and strips the HMAC.
func VerifyHMAC(codec cspid.Codec, key []byte, p *buffer.Packet) error {
	if len(key) == 0 {
		return errors.Wrap(csperr.ErrHMAC, "no hmac key")
	}
	if p.Length < HMACLen {
		return errors.Wrapf(csperr.ErrHMAC, "packet of %d bytes has no hmac", p.Length)
	}
	var want [HMACLen]byte
	copy(want[:], p.Tail(HMACLen))
	_ = p.Truncate(HMACLen)
	if !hmac.Equal(mac(key, covered(codec, p)), want[:]) {
		return errors.Wrap(csperr.ErrHMAC, "digest mismatch")
	}
	return nil
}
