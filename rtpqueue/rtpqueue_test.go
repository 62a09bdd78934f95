package rtpqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkt(seq uint16) Packet {
	return Packet{Sequence: Seq(seq), Timestamp: uint32(seq) * 960}
}

func TestGetPacketSequentialDelivery(t *testing.T) {
	q := NewQueue()
	q.Push(pkt(1))
	q.Push(pkt(2))
	q.Push(pkt(3))

	for _, want := range []uint16{1, 2, 3} {
		res := q.GetPacket()
		require.Equal(t, ResultFind, res.Kind)
		assert.Equal(t, Seq(want), res.Packet.Sequence)
	}

	assert.Equal(t, ResultEnd, q.GetPacket().Kind)
}

func TestGetPacketReorderRecoveryDropsPrecedingPackets(t *testing.T) {
	q := NewQueue()
	q.Push(pkt(1))
	q.Push(pkt(3)) // arrives before its predecessor due to reordering
	q.Push(pkt(2))

	res := q.GetPacket()
	require.Equal(t, ResultFind, res.Kind)
	assert.Equal(t, Seq(1), res.Packet.Sequence)

	// Expecting 2; it's buffered behind 3. The scan finds it, drops 3.
	res = q.GetPacket()
	require.Equal(t, ResultFind, res.Kind)
	assert.Equal(t, Seq(2), res.Packet.Sequence)
	assert.Equal(t, 0, q.Len())
}

func TestGetPacketReportsDroppedWhenSuccessorNeverArrives(t *testing.T) {
	q := NewQueue()
	q.Push(pkt(1))
	q.Push(pkt(9)) // successor (seq 2) never shows up within lookahead

	first := q.GetPacket()
	require.Equal(t, ResultFind, first.Kind)

	res := q.GetPacket()
	assert.Equal(t, ResultDropped, res.Kind)
	// The dropped result must not have consumed the buffered packet.
	assert.Equal(t, 1, q.Len())
}

func TestGetPacketSequenceWraparound(t *testing.T) {
	q := NewQueue()
	q.Push(pkt(65535))
	q.Push(pkt(0))

	res := q.GetPacket()
	require.Equal(t, ResultFind, res.Kind)
	assert.Equal(t, Seq(65535), res.Packet.Sequence)

	res = q.GetPacket()
	require.Equal(t, ResultFind, res.Kind)
	assert.Equal(t, Seq(0), res.Packet.Sequence)
}

func TestSourceMapIteratesInAscendingSSRCOrder(t *testing.T) {
	m := NewSourceMap()
	m.Push(300, pkt(1))
	m.Push(100, pkt(1))
	m.Push(200, pkt(1))

	assert.Equal(t, []uint32{100, 200, 300}, m.SSRCs())
}

func TestSourceMapQueueLookup(t *testing.T) {
	m := NewSourceMap()
	assert.Nil(t, m.Queue(42))

	m.Push(42, pkt(1))
	require.NotNil(t, m.Queue(42))
	assert.Equal(t, 1, m.Queue(42).Len())
}
