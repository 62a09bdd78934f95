// Package decoder implements the receive path and finalize step: UDP -> AEAD
// -> RTP -> per-source queue -> Opus decode/PLC -> mix -> waveform sink.
// Grounded on original_source/recorder.rs's AudioDecoder/recv_loop/
// calc_offset/SsrcPacketQueue::decode, with the RTP-extension-skip and RTCP
// filtering idiom cross-checked against voice/udp/connection.go's
// ReadPacket.
package decoder

import (
	"encoding/binary"
	"time"

	"github.com/diamondburned/voicegateway/cipher"
	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/diamondburned/voicegateway/rtpqueue"
	"github.com/diamondburned/voicegateway/state"
	"github.com/pkg/errors"
)

// Debug is called with verbose trace lines; defaults to a no-op.
var Debug = func(v ...interface{}) {}

// bufSize mirrors encoder.bufSize: the largest datagram we expect to see.
const bufSize = 1275 + 24 + 12 + 24 + 16 + 12

// Socket is the minimal UDP surface the receive loop needs.
type Socket interface {
	Read(b []byte) (n int, err error)
}

// Loop drains the UDP socket into per-SSRC queues until the state cell
// leaves Recording.
type Loop struct {
	cell  *state.Cell
	sock  Socket
	suite *cipher.Suite
	queue *rtpqueue.SourceMap
}

// New builds a receive loop bound to the given socket, cipher suite and
// (shared) source map.
func New(cell *state.Cell, sock Socket, suite *cipher.Suite, queue *rtpqueue.SourceMap) *Loop {
	return &Loop{cell: cell, sock: sock, suite: suite, queue: queue}
}

// Run drains datagrams into the shared queue until the state cell transitions
// away from Recording. Per spec.md §4.7, once RecordFinished is observed the
// loop performs one more blocking receive to unblock itself before exiting.
func (l *Loop) Run() error {
	buf := make([]byte, bufSize)

	for l.cell.Is(state.Recording) {
		n, err := l.sock.Read(buf)
		if err != nil {
			return gwerr.New(gwerr.InternalIO, errors.Wrap(err, "failed to read voice datagram"))
		}
		l.handleDatagram(buf[:n])
	}

	// One more shove to unblock a pending Read after RecordFinished; any
	// data received here is discarded.
	_, _ = l.sock.Read(buf)
	return nil
}

func (l *Loop) handleDatagram(frame []byte) {
	if len(frame) < 2 {
		return
	}
	if frame[1] >= 200 && frame[1] <= 204 {
		return // RTCP, ignore
	}

	header, plaintext, err := l.suite.Decrypt(frame)
	if err != nil {
		Debug("decoder: failed to decrypt datagram:", err)
		return
	}

	ssrc := binary.BigEndian.Uint32(header[8:12])
	timestamp := binary.BigEndian.Uint32(header[4:8])
	sequence := binary.BigEndian.Uint16(header[2:4])

	offset := calcOffset(plaintext)
	payload := plaintext[offset:]

	l.queue.Push(ssrc, rtpqueue.Packet{
		Payload:   payload,
		Length:    len(payload),
		Timestamp: timestamp,
		Sequence:  rtpqueue.Seq(sequence),
		RecvTime:  float64(time.Now().UnixNano()) / 1e9,
	})
}

// calcOffset returns how many bytes of an RTP header extension (if present)
// should be skipped, per spec.md §4.7 step 5.
func calcOffset(payload []byte) int {
	if len(payload) <= 4 || payload[0] != 0xBE || payload[1] != 0xDE {
		return 0
	}

	extLen := int(binary.BigEndian.Uint16(payload[2:4]))
	offset := 4

	for i := 0; i < extLen; i++ {
		if offset >= len(payload) {
			break
		}
		tag := payload[offset]
		offset++
		if tag == 0 {
			continue
		}
		offset += 1 + int(tag>>4&0xF)
	}

	if offset+1 < len(payload) && (payload[offset+1] == 0 || payload[offset+1] == 2) {
		offset++
	}

	return offset
}
