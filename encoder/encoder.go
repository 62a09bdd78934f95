// Package encoder implements the send path: PCM -> Opus -> RTP -> AEAD ->
// UDP, paced at one 20ms frame per iteration. Grounded on
// original_source/player.rs's AudioEncoder/play_loop, with RTP framing and
// datagram pacing idiom lifted from voice/udp/connection.go's Write/packet
// buffer reuse.
package encoder

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/diamondburned/voicegateway/cipher"
	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/diamondburned/voicegateway/state"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"gopkg.in/hraban/opus.v2"
)

// Debug is called with verbose trace lines; defaults to a no-op.
var Debug = func(v ...interface{}) {}

const (
	sampleRate   = 48000
	channels     = 2
	frameSamples = 960                       // 20ms at 48kHz
	frameBytes   = frameSamples * channels * 2 // 16-bit LE stereo PCM
	frameDur     = 20 * time.Millisecond
	timestampIncr = uint32(frameSamples)

	// bufSize mirrors original_source/player.rs's BUFSIZE scratch buffer:
	// max Opus frame (1275) plus RTP/cipher headroom.
	bufSize = 1275 + 24 + 12 + 24 + 16 + 12
)

// PCMSource is the external PCM source (out of scope collaborator, spec §1).
// ReadFrame must fill exactly frameBytes of signed 16-bit little-endian
// stereo PCM, or return fewer bytes/io.EOF once the source is exhausted.
type PCMSource interface {
	ReadFrame(buf []byte) (n int, err error)
}

// Socket is the minimal UDP surface the encoder needs; satisfied by
// *net.UDPConn or a gateway-cloned net.Conn.
type Socket interface {
	Write(b []byte) (int, error)
}

// Rebinder supplies the fresh socket and session secrets a reconnect may
// have rekeyed; satisfied by *gateway.Gateway. Kept as an interface here
// (rather than importing gateway directly) so the encoder stays testable
// against a fake.
type Rebinder interface {
	CloneUDPConn() (net.Conn, error)
	SSRC() uint32
	Mode() cipher.Mode
	SecretKey() [32]byte
}

// Completion is invoked exactly once when the send loop exits, carrying any
// terminal error (nil on a clean Finished exit).
type Completion func(err error)

// Config bundles the fixed per-connection values the encoder needs to build
// RTP headers and the cipher suite.
type Config struct {
	SSRC      uint32
	Mode      cipher.Mode
	SecretKey [32]byte
}

// Loop runs the paced send loop described in spec.md §4.6 until the state
// cell reaches Finished, the PCM source is exhausted, or a non-recoverable
// socket error occurs. It blocks the calling goroutine; callers run it in
// its own goroutine.
type Loop struct {
	cell   *state.Cell
	source PCMSource
	sock   Socket
	cfg    Config
	gw     Rebinder

	suite   *cipher.Suite
	enc     *opus.Encoder
	limiter *rate.Limiter

	sequence  uint16
	timestamp uint32
	scratch   []byte
}

// New builds a send loop ready to Run. gw supplies the fresh socket and
// session secrets when Run observes a Disconnected reconnect (spec.md §4.6
// step 3); it may be nil if the caller never transitions the cell to
// Disconnected while this loop is running.
func New(cell *state.Cell, source PCMSource, sock Socket, cfg Config, gw Rebinder) (*Loop, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to create opus encoder"))
	}
	if err := enc.SetBitrate(128000); err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to set opus bitrate"))
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to enable opus FEC"))
	}
	if err := enc.SetPacketLossPerc(15); err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to set opus loss percentage"))
	}
	if err := enc.SetMaxBandwidth(opus.Fullband); err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to set opus bandwidth"))
	}
	// Signal type is left at the library default (auto-detection), per
	// original_source/player.rs's config.

	return &Loop{
		cell:    cell,
		source:  source,
		sock:    sock,
		cfg:     cfg,
		gw:      gw,
		suite:   cipher.New(cfg.Mode, cfg.SecretKey),
		enc:     enc,
		limiter: rate.NewLimiter(rate.Every(frameDur), 1),
		scratch: make([]byte, bufSize),
	}, nil
}

// Rebind swaps in a fresh socket and cipher suite after a reconnect rekeys
// the session (spec.md §4.6 step 3), resetting sequence/timestamp state.
func (l *Loop) Rebind(sock Socket, cfg Config) {
	l.sock = sock
	l.cfg = cfg
	l.suite = cipher.New(cfg.Mode, cfg.SecretKey)
	l.sequence = 0
	l.timestamp = 0
}

// rebindFromGateway re-derives the socket and session secrets from gw and
// applies them via Rebind, for use after Run observes a reconnect.
func (l *Loop) rebindFromGateway() error {
	sock, err := l.gw.CloneUDPConn()
	if err != nil {
		return err
	}
	l.Rebind(sock, Config{SSRC: l.gw.SSRC(), Mode: l.gw.Mode(), SecretKey: l.gw.SecretKey()})
	return nil
}

// Run drives the paced loop until Finished or a terminal error, then invokes
// done exactly once.
func (l *Loop) Run(done Completion) {
	nextWakeup := time.Now()
	pcmBuf := make([]byte, frameBytes)

	for {
		switch {
		case l.cell.Is(state.Finished):
			done(nil)
			return
		case l.cell.Is(state.Paused):
			l.cell.WaitNotUntil(state.Paused)
			continue
		case l.cell.Is(state.Disconnected):
			l.cell.WaitUntil(state.Connected)
			if l.gw != nil {
				if err := l.rebindFromGateway(); err != nil {
					done(err)
					return
				}
			}
			nextWakeup = time.Now()
			continue
		}

		nextWakeup = nextWakeup.Add(frameDur)
		if nextWakeup.Before(time.Now()) {
			nextWakeup = time.Now()
		}

		n, err := l.source.ReadFrame(pcmBuf)
		if n < frameBytes || err != nil {
			l.cell.Set(state.Finished)
			done(nil)
			return
		}

		// Bounds how fast we can actually hit the wire, so a loop that has
		// fallen behind (nextWakeup clamped to now) can't burst-send faster
		// than the 20ms frame cadence.
		_ = l.limiter.Wait(context.Background())

		if err := l.sendFrame(pcmBuf); err != nil {
			if isTimeoutErr(err) {
				Debug("encoder: send timed out, dropping frame")
			} else {
				done(err)
				return
			}
		}

		l.sequence++
		l.timestamp += timestampIncr

		time.Sleep(time.Until(nextWakeup))
	}
}

func (l *Loop) sendFrame(pcm []byte) error {
	samples := make([]int16, frameSamples*channels)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	n, err := l.enc.Encode(samples, l.scratch[12:])
	if err != nil {
		return gwerr.New(gwerr.Internal, errors.Wrap(err, "opus encode failed"))
	}

	var header [12]byte
	header[0] = 0x80
	header[1] = 0x78
	binary.BigEndian.PutUint16(header[2:4], l.sequence)
	binary.BigEndian.PutUint32(header[4:8], l.timestamp)
	binary.BigEndian.PutUint32(header[8:12], l.cfg.SSRC)

	sealed, err := l.suite.Encrypt(header, l.scratch[12:12+n])
	if err != nil {
		return err
	}

	datagram := append(header[:], sealed...)

	if _, err := l.sock.Write(datagram); err != nil {
		return gwerr.New(gwerr.InternalIO, errors.Wrap(err, "failed to send voice datagram"))
	}
	return nil
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	cause := errors.Cause(err)
	if t, ok := cause.(timeouter); ok {
		return t.Timeout()
	}
	if ne, ok := cause.(*net.OpError); ok {
		return ne.Timeout()
	}
	return false
}
