package audiopipeline

import (
	"container/heap"
)

// packet is one inbound audio payload tagged with its device-reported seq.
type packet struct {
	seq  uint32
	data []byte
}

// jitterBuffer reorders packets by seq using a min-heap, adapted from the
// timestamp-ordered generic buffer used elsewhere in this module for RTP
// packets: here the ordering key is the device's audio sequence number
// rather than a wall-clock timestamp, and flushing is frontier-aware
// (contiguous-prefix emission) rather than pure FIFO pop.
type jitterBuffer struct {
	h        packetHeap
	window   int
	expected uint32
	haveSeen bool
}

// newJitterBuffer creates a buffer that holds at most window packets before
// forcing a flush.
func newJitterBuffer(window int) *jitterBuffer {
	return &jitterBuffer{window: window}
}

// push inserts pkt and returns the contiguous run of packets now ready to
// emit in seq order. If the buffer exceeds its window, missing seqs are
// skipped and the remainder is emitted regardless of contiguity.
func (b *jitterBuffer) push(seq uint32, data []byte) []packet {
	heap.Push(&b.h, packet{seq: seq, data: data})
	if !b.haveSeen {
		b.expected = seq
		b.haveSeen = true
	}

	var out []packet
	for b.h.Len() > 0 && b.h[0].seq == b.expected {
		p := heap.Pop(&b.h).(packet)
		out = append(out, p)
		b.expected = p.seq + 1
	}

	if b.h.Len() > b.window {
		// Skip the gap: jump expected to the smallest seq still buffered and
		// drain everything, counting the jump as late/dropped seqs upstream.
		b.expected = b.h[0].seq
		for b.h.Len() > 0 {
			p := heap.Pop(&b.h).(packet)
			out = append(out, p)
			b.expected = p.seq + 1
		}
	}
	return out
}

// late reports whether seq falls before the already-flushed frontier, i.e.
// it arrived too late to ever be emitted in order.
func (b *jitterBuffer) late(seq uint32) bool {
	return b.haveSeen && seq < b.expected
}

type packetHeap []packet

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)         { *h = append(*h, x.(packet)) }
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
