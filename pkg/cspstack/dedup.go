package cspstack

import (
	"hash/crc32"
	"sync"
	"time"

	"CSP/pkg/buffer"
	"CSP/pkg/cspid"
)

const (
	dedupSlots  = 16
	dedupWindow = time.Second
)

// dedup remembers the checksums of recently routed packets.
type dedup struct {
	mu     sync.Mutex
	codec  cspid.Codec
	sums   [dedupSlots]uint32
	seen   [dedupSlots]time.Time
	next   int
	window time.Duration
}

func newDedup(codec cspid.Codec) *dedup {
	return &dedup{codec: codec, window: dedupWindow}
}

// isDuplicate reports whether an identical packet passed within the window
// and records p otherwise.
func (d *dedup) isDuplicate(p *buffer.Packet, now time.Time) bool {
	sum := crc32.ChecksumIEEE(d.codec.Pack(p.ID))
	sum = crc32.Update(sum, crc32.IEEETable, p.Payload())

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.sums {
		if d.sums[i] == sum && !d.seen[i].IsZero() && now.Sub(d.seen[i]) < d.window {
			return true
		}
	}
	d.sums[d.next] = sum
	d.seen[d.next] = now
	d.next = (d.next + 1) % dedupSlots
	return false
}
