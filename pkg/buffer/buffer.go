// Package buffer implements the fixed packet pool every frame of the stack
// lives in. The pool never grows: when it is empty Get returns nil and the
// caller drops whatever it was about to do.
package buffer

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"CSP/pkg/csperr"
	"CSP/pkg/cspid"
)

// Overhead is the trailer room kept behind the payload area for the RDP
// header, the HMAC and the CRC32.
const Overhead = 32

var ErrTooLarge = errors.Wrap(csperr.ErrNoBufs, "buffer: data does not fit")

type Packet struct {
	ID     cspid.ID
	Length uint16
	// Data spans the payload area plus Overhead. Only Data[:Length] is valid.
	Data []byte

	// Timestamp is set when an RDP segment is queued for retransmission.
	Timestamp time.Time

	pool *Pool
	size int
	refs int32
}

// Payload returns the valid bytes.
func (p *Packet) Payload() []byte {
	return p.Data[:p.Length]
}

// Size is the maximum user payload.
func (p *Packet) Size() int {
	return p.size
}

// SetPayload replaces the payload with a copy of b.
func (p *Packet) SetPayload(b []byte) error {
	if len(b) > p.size {
		return errors.Wrapf(ErrTooLarge, "%d bytes, max %d", len(b), p.size)
	}
	p.Length = uint16(copy(p.Data, b))
	return nil
}

// Append adds b behind the payload. It may use the trailer room.
func (p *Packet) Append(b ...byte) error {
	if int(p.Length)+len(b) > len(p.Data) {
		return errors.Wrapf(ErrTooLarge, "append %d bytes to %d, capacity %d", len(b), p.Length, len(p.Data))
	}
	copy(p.Data[p.Length:], b)
	p.Length += uint16(len(b))
	return nil
}

// Tail returns the last n valid bytes, or nil if there are fewer.
func (p *Packet) Tail(n int) []byte {
	if n > int(p.Length) {
		return nil
	}
	return p.Data[int(p.Length)-n : p.Length]
}

// Truncate drops the last n valid bytes.
func (p *Packet) Truncate(n int) error {
	if n > int(p.Length) {
		return errors.Wrapf(csperr.ErrInvalid, "truncate %d bytes of %d", n, p.Length)
	}
	p.Length -= uint16(n)
	return nil
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Count      int
	Free       int
	Exhausted  uint64
	DoubleFree uint64
}

type Pool struct {
	mu    sync.Mutex
	free  []*Packet
	count int
	size  int

	exhausted  uint64
	doubleFree uint64

	// OnExhausted runs, without the pool lock, whenever Get finds the pool
	// empty.
	OnExhausted func()
}

// NewPool allocates count packets with size bytes of payload each.
func NewPool(count, size int) *Pool {
	pool := &Pool{
		free:  make([]*Packet, 0, count),
		count: count,
		size:  size,
	}
	backing := make([]byte, count*(size+Overhead))
	for i := 0; i < count; i++ {
		start := i * (size + Overhead)
		pool.free = append(pool.free, &Packet{
			Data: backing[start : start+size+Overhead : start+size+Overhead],
			pool: pool,
			size: size,
		})
	}
	return pool
}

// Get hands out a zeroed packet owned by the caller, or nil if the pool is
// exhausted. It never blocks.
func (pool *Pool) Get() *Packet {
	pool.mu.Lock()
	n := len(pool.free)
	if n == 0 {
		pool.exhausted++
		cb := pool.OnExhausted
		pool.mu.Unlock()
		if cb != nil {
			cb()
		}
		return nil
	}
	p := pool.free[n-1]
	pool.free = pool.free[:n-1]
	p.refs = 1
	pool.mu.Unlock()

	p.ID = cspid.ID{}
	p.Length = 0
	p.Timestamp = time.Time{}
	clear(p.Data)
	return p
}

// Ref adds a holder to p. Every Ref needs a matching Free.
func (pool *Pool) Ref(p *Packet) {
	if p == nil {
		return
	}
	pool.mu.Lock()
	if p.pool == pool && p.refs > 0 {
		p.refs++
	}
	pool.mu.Unlock()
}

// Free drops one holder of p and returns it to the pool when none are
// left. Freeing an already free packet, or one from another pool, is
// counted and otherwise ignored.
func (pool *Pool) Free(p *Packet) {
	if p == nil {
		return
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if p.pool != pool || p.refs <= 0 {
		pool.doubleFree++
		return
	}
	p.refs--
	if p.refs == 0 {
		pool.free = append(pool.free, p)
	}
}

// Clone copies p into a fresh packet. Nil when the pool is exhausted.
func (pool *Pool) Clone(p *Packet) *Packet {
	c := pool.Get()
	if c == nil {
		return nil
	}
	c.ID = p.ID
	c.Length = p.Length
	c.Timestamp = p.Timestamp
	copy(c.Data, p.Data[:p.Length])
	return c
}

func (pool *Pool) Remaining() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.free)
}

func (pool *Pool) Size() int {
	return pool.size
}

func (pool *Pool) Stats() Stats {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return Stats{
		Count:      pool.count,
		Free:       len(pool.free),
		Exhausted:  pool.exhausted,
		DoubleFree: pool.doubleFree,
	}
}
