// Package rtpqueue implements the per-source ordered RTP packet buffer with
// bounded-lookahead gap recovery, grounded on original_source/recorder.rs's
// PacketQueue/SsrcPacketQueue, generalized to the English description in
// spec.md §4.4 (which resolves an apparent indexing inconsistency in the
// original Rust implementation; see DESIGN.md).
package rtpqueue

// MaxPayload is the maximum payload capacity a Packet can hold: 1275 bytes
// (Opus max) + 24 + 12 + 24 + 16 + 12 bytes of headroom, per spec.md §3.
const MaxPayload = 1275 + 24 + 12 + 24 + 16 + 12

// lookaheadLimit bounds how far get_packet scans for a gap-closing
// successor before giving up and reporting Dropped (spec.md §4.4, §8.4).
const lookaheadLimit = 1000

// Seq is a 16-bit RTP sequence number with wraparound-aware arithmetic.
type Seq uint16

// Next returns the sequence number following s, wrapping modulo 2^16.
func (s Seq) Next() Seq { return s + 1 }

// Packet is one buffered, already-decrypted RTP payload.
type Packet struct {
	Payload   []byte
	Length    int
	Timestamp uint32
	Sequence  Seq
	RecvTime  float64 // seconds since epoch
}

// Result is the outcome of a Queue.GetPacket call.
type Result struct {
	// Kind is one of ResultFind, ResultDropped or ResultEnd.
	Kind   ResultKind
	Packet Packet
}

// ResultKind enumerates the three GetPacket outcomes from spec.md §4.4.
type ResultKind int

const (
	ResultFind ResultKind = iota
	ResultDropped
	ResultEnd
)

// Queue is an ordered sequence of Packets for one RTP source (SSRC), plus a
// "last delivered sequence" marker.
type Queue struct {
	packets []Packet
	marker  *Seq
}

// NewQueue creates an empty per-source queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a packet in arrival order.
func (q *Queue) Push(p Packet) {
	q.packets = append(q.packets, p)
}

// Len reports how many packets remain buffered.
func (q *Queue) Len() int { return len(q.packets) }

// GetPacket advances the marker monotonically (modulo 16-bit wraparound)
// and returns Find, Dropped or End per spec.md §4.4.
func (q *Queue) GetPacket() Result {
	if len(q.packets) == 0 {
		return Result{Kind: ResultEnd}
	}

	if q.marker == nil {
		p := q.packets[0]
		q.packets = q.packets[1:]
		m := p.Sequence
		q.marker = &m
		return Result{Kind: ResultFind, Packet: p}
	}

	expect := q.marker.Next()

	if q.packets[0].Sequence == expect {
		p := q.packets[0]
		q.packets = q.packets[1:]
		*q.marker = p.Sequence
		return Result{Kind: ResultFind, Packet: p}
	}

	limit := lookaheadLimit
	if limit > len(q.packets) {
		limit = len(q.packets)
	}

	for i := 1; i < limit; i++ {
		if q.packets[i].Sequence == expect {
			match := q.packets[i]
			// Drop every packet up to (but not including) the match.
			q.packets = q.packets[i+1:]
			*q.marker = match.Sequence
			return Result{Kind: ResultFind, Packet: match}
		}
	}

	// No buffered packet closes the gap: count the expected packet as lost
	// and move the marker past it, leaving the buffer untouched.
	*q.marker = expect
	return Result{Kind: ResultDropped}
}

// SourceMap maps 32-bit SSRC to its per-source Queue, created lazily on
// first packet from that SSRC.
type SourceMap struct {
	queues map[uint32]*Queue
	order  []uint32
}

// NewSourceMap creates an empty source map.
func NewSourceMap() *SourceMap {
	return &SourceMap{queues: make(map[uint32]*Queue)}
}

// Push enqueues p under its SSRC, creating the per-source queue if needed.
func (m *SourceMap) Push(ssrc uint32, p Packet) {
	q, ok := m.queues[ssrc]
	if !ok {
		q = NewQueue()
		m.queues[ssrc] = q
		m.order = append(m.order, ssrc)
	}
	q.Push(p)
}

// SSRCs returns every known SSRC in ascending order.
func (m *SourceMap) SSRCs() []uint32 {
	out := make([]uint32, len(m.order))
	copy(out, m.order)
	// Insertion order isn't guaranteed ascending; sort explicitly to honor
	// the "iteration in ascending SSRC order" invariant from spec.md §3.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Queue returns the per-source queue for ssrc, or nil if none exists.
func (m *SourceMap) Queue(ssrc uint32) *Queue {
	return m.queues[ssrc]
}
