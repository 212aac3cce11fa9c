package cspstack

import (
	"container/heap"
	"time"

	"github.com/google/netstack/tcpip/seqnum"

	"CSP/pkg/buffer"
)

type RetransmissionEntry struct {
	Packet    *buffer.Packet
	SeqNum    seqnum.Value
	FirstSent time.Time
	SendTime  time.Time
	Retries   uint32
	RTO       time.Duration
}

// RetransmissionQueue keeps a copy of every unacknowledged segment. It is
// guarded by the owning connection's mutex.
type RetransmissionQueue struct {
	Entries []*RetransmissionEntry
	pool    *buffer.Pool
	SRTT    time.Duration // Smoothed RTT
	alpha   float64       // Smoothing factor
	RTOMin  time.Duration // Initial per segment timeout
	RTOMax  time.Duration // Backoff ceiling
}

func NewRetransmissionQueue(pool *buffer.Pool, rtoMin, rtoMax time.Duration) *RetransmissionQueue {
	return &RetransmissionQueue{
		Entries: make([]*RetransmissionEntry, 0),
		pool:    pool,
		SRTT:    rtoMin,
		alpha:   0.875,
		RTOMin:  rtoMin,
		RTOMax:  rtoMax,
	}
}

// SRTT = (α * SRTTLast) + (1 - α) * RTTMeasured
func (rq *RetransmissionQueue) updateRTT(measuredRTT time.Duration) {
	rq.SRTT = time.Duration(float64(rq.SRTT)*rq.alpha +
		float64(measuredRTT)*(1-rq.alpha))
}

// AddEntry takes ownership of p.
func (rq *RetransmissionQueue) AddEntry(p *buffer.Packet, seqNum seqnum.Value, now time.Time) {
	rq.Entries = append(rq.Entries, &RetransmissionEntry{
		Packet:    p,
		SeqNum:    seqNum,
		FirstSent: now,
		SendTime:  now,
		RTO:       rq.RTOMin,
	})
}

func (rq *RetransmissionQueue) remove(keep func(e *RetransmissionEntry) bool, now time.Time) int {
	removed := 0
	remaining := rq.Entries[:0]
	for _, entry := range rq.Entries {
		if keep(entry) {
			remaining = append(remaining, entry)
			continue
		}
		if entry.Retries == 0 {
			// Only update RTT for packets that weren't retransmitted
			rq.updateRTT(now.Sub(entry.SendTime))
		}
		rq.pool.Free(entry.Packet)
		removed++
	}
	for i := len(remaining); i < len(rq.Entries); i++ {
		rq.Entries[i] = nil
	}
	rq.Entries = remaining
	return removed
}

// RemoveAckedEntries drops every segment up to and including ack.
func (rq *RetransmissionQueue) RemoveAckedEntries(ack seqnum.Value, now time.Time) int {
	return rq.remove(func(e *RetransmissionEntry) bool {
		return ack.LessThan(e.SeqNum)
	}, now)
}

// RemoveSeq drops the segment the peer reported as received out of order.
func (rq *RetransmissionQueue) RemoveSeq(seq seqnum.Value, now time.Time) int {
	return rq.remove(func(e *RetransmissionEntry) bool {
		return e.SeqNum != seq
	}, now)
}

// Backoff doubles the timeout of e up to RTOMax after a retransmission.
func (rq *RetransmissionQueue) Backoff(e *RetransmissionEntry, now time.Time) {
	e.Retries++
	e.SendTime = now
	e.RTO *= 2
	if e.RTO > rq.RTOMax {
		e.RTO = rq.RTOMax
	}
}

func (rq *RetransmissionQueue) Len() int {
	return len(rq.Entries)
}

// Flush frees every queued segment.
func (rq *RetransmissionQueue) Flush() {
	for i, entry := range rq.Entries {
		rq.pool.Free(entry.Packet)
		rq.Entries[i] = nil
	}
	rq.Entries = rq.Entries[:0]
}

// heldSegment is a segment that arrived ahead of the next expected one.
type heldSegment struct {
	seq seqnum.Value
	p   *buffer.Packet
}

// holdHeap orders held segments by sequence number, wrap-around aware.
type holdHeap []heldSegment

func (h holdHeap) Len() int           { return len(h) }
func (h holdHeap) Less(i, j int) bool { return h[i].seq.LessThan(h[j].seq) }
func (h holdHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *holdHeap) Push(x any) { *h = append(*h, x.(heldSegment)) }

func (h *holdHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = heldSegment{}
	*h = old[:n-1]
	return x
}

func (h holdHeap) contains(seq seqnum.Value) bool {
	for _, s := range h {
		if s.seq == seq {
			return true
		}
	}
	return false
}

// peek returns the lowest held sequence number.
func (h holdHeap) peek() (seqnum.Value, bool) {
	if len(h) == 0 {
		return 0, false
	}
	return h[0].seq, true
}

func (h *holdHeap) hold(seq seqnum.Value, p *buffer.Packet) {
	heap.Push(h, heldSegment{seq: seq, p: p})
}

func (h *holdHeap) next() heldSegment {
	return heap.Pop(h).(heldSegment)
}
