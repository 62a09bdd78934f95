package decoder

import (
	"math"

	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/diamondburned/voicegateway/rtpqueue"
	"github.com/pkg/errors"
	"gopkg.in/hraban/opus.v2"
)

const (
	sampleRate  = 48000
	channels    = 2
	frameSize   = 960 // 20ms at 48kHz, matches the encoder's frame
	shortPacket = 10  // payload length below which a packet carries no audio

	// sampleSize is original_source/src/player.rs:32's SAMPLE_SIZE constant,
	// used verbatim by original_source/src/recorder.rs's silence-padding
	// formula. Not frameSize*channels.
	sampleSize = 4
)

// WaveformSink receives the finalized, mixed interleaved PCM. It is the
// out-of-scope collaborator boundary from spec.md §1/§4.7: this package
// hands it bytes and never imports a container-format writer itself.
type WaveformSink interface {
	// WriteSample writes one interleaved (right, left) 16-bit PCM sample
	// pair, 48000 Hz, 16 bits per sample, signed integer, 2 channels.
	WriteSample(right, left int16) error
}

type streamResult struct {
	startTime float64
	samples   []float32
}

// Finalize drains every per-SSRC queue, decodes and mixes them, and writes
// the result to sink. It returns the number of mixed sample frames written.
func Finalize(queue *rtpqueue.SourceMap, sink WaveformSink) (int, error) {
	streams := make([]streamResult, 0, len(queue.SSRCs()))

	for _, ssrc := range queue.SSRCs() {
		q := queue.Queue(ssrc)
		stream, err := decodeStream(q)
		if err != nil {
			return 0, err
		}
		if stream != nil {
			streams = append(streams, *stream)
		}
	}

	return mix(streams, sink)
}

// decodeStream drain-decodes one per-source queue per spec.md §4.7's Find/
// Dropped/End handling, returning nil if the stream produced no audio.
func decodeStream(q *rtpqueue.Queue) (*streamResult, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to create opus decoder"))
	}

	var (
		out          []float32
		haveRef      bool
		lastTS       uint32
		startTime    float64
		haveStart    bool
		lastDuration int // samples, for PLC
	)

	pcmBuf := make([]float32, frameSize*channels*6) // headroom for large frames

	for {
		res := q.GetPacket()
		switch res.Kind {
		case rtpqueue.ResultEnd:
			if !haveStart {
				return nil, nil
			}
			return &streamResult{startTime: startTime, samples: out}, nil

		case rtpqueue.ResultFind:
			p := res.Packet
			if !haveStart {
				startTime = p.RecvTime
				haveStart = true
			} else if p.RecvTime < startTime {
				startTime = p.RecvTime
			}

			if p.Length < shortPacket {
				lastTS = p.Timestamp
				haveRef = true
				continue
			}

			if haveRef {
				elapsed := float64(int32(p.Timestamp-lastTS)) / float64(sampleRate)
				if elapsed > 1.0 {
					elapsed = 1.0
				}
				if elapsed > 0.02 {
					// floor(SAMPLE_SIZE * (elapsed - 0.02) * 48000), per spec.md
					// §4.7. SAMPLE_SIZE is the literal constant 4 from
					// original_source/src/player.rs:32, not frame-size*channels.
					silence := int(math.Floor(sampleSize * (elapsed - 0.02) * sampleRate))
					for i := 0; i < silence; i++ {
						out = append(out, 0)
					}
				}
			}
			lastTS = p.Timestamp
			haveRef = true

			n, err := dec.DecodeFloat32(p.Payload, pcmBuf)
			if err != nil {
				return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "opus decode failed"))
			}
			lastDuration = n
			out = append(out, pcmBuf[:n*channels]...)

		case rtpqueue.ResultDropped:
			if lastDuration == 0 {
				lastDuration = frameSize
			}
			// A nil payload triggers libopus's native packet-loss
			// concealment, using the last decoded frame's duration
			// (spec.md §4.7: "the Opus decoder's 'last packet duration'").
			n, err := dec.DecodeFloat32(nil, pcmBuf[:lastDuration*channels])
			if err != nil {
				return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "opus PLC decode failed"))
			}
			out = append(out, pcmBuf[:n*channels]...)
			// A dropped packet breaks the elapsed-time reference: the next
			// Find shouldn't pad against a timestamp we never actually saw.
			haveRef = false
		}
	}
}
