package voicegateway

import (
	"sync"
	"time"

	"github.com/diamondburned/voicegateway/cipher"
	"github.com/diamondburned/voicegateway/decoder"
	"github.com/diamondburned/voicegateway/encoder"
	"github.com/diamondburned/voicegateway/gateway"
	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/diamondburned/voicegateway/gwpayload"
	"github.com/diamondburned/voicegateway/rtpqueue"
	"github.com/diamondburned/voicegateway/state"
	"github.com/pkg/errors"
)

// ErrorLog is called when a long-lived task (the poll loop, the encoder, the
// decoder) exits with an error the caller hasn't yet observed through its
// completion channel. Defaults to a no-op; set it to surface these in the
// embedder's own logging.
var ErrorLog = func(err error) {}

// AfterFunc is invoked once, from the encoder's own goroutine, when a play
// operation finishes (cleanly or with an error).
type AfterFunc func(err error)

// Connection is a handle to one active (or previously active) voice
// session: the control-channel gateway, the optional send loop, and the
// optional receive loop, all coordinated by a single shared state cell.
// Grounded on original_source/connection.rs's VoiceConnection.
type Connection struct {
	mu sync.Mutex

	gw *gateway.Gateway

	encLoop *encoder.Loop

	decLoop  *decoder.Loop
	decQueue *rtpqueue.SourceMap
	decDone  chan struct{}
}

func newConnection(gw *gateway.Gateway) *Connection {
	return &Connection{gw: gw}
}

// Run drives the control-channel poll loop until the connection closes,
// returning nil for a terminal-success close code (1000, 4014, 4015) and a
// TryReconnect-classed error for any other close code (spec.md §4.8/§7).
func (c *Connection) Run() error {
	for {
		err := c.gw.Poll()
		if err == nil {
			continue
		}

		if cc, ok := err.(*gwerr.ConnectionClosed); ok {
			if gwerr.IsRetryable(cc.Code) {
				return gwerr.New(gwerr.ClassOf(cc), cc)
			}
			return nil
		}

		return err
	}
}

// Disconnect closes the control channel with a normal (1000) close code.
func (c *Connection) Disconnect() error {
	return c.gw.Close(1000)
}

// SendPlaying announces a microphone Speaking update.
func (c *Connection) SendPlaying() error {
	return c.gw.Speaking(gwpayload.Microphone)
}

// Play starts (or restarts) the send loop reading from source, invoking
// after exactly once on completion.
func (c *Connection) Play(source encoder.PCMSource, after AfterFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.encLoop != nil {
		c.gw.State().Set(state.Finished)
	}

	sock, err := c.gw.CloneUDPConn()
	if err != nil {
		return err
	}

	cfg := encoder.Config{SSRC: c.gw.SSRC(), Mode: c.gw.Mode(), SecretKey: c.gw.SecretKey()}
	loop, err := encoder.New(c.gw.State(), source, sock, cfg, c.gw)
	if err != nil {
		return err
	}

	c.encLoop = loop
	c.gw.State().Set(state.Playing)

	if err := c.gw.Speaking(gwpayload.Microphone); err != nil {
		return err
	}

	go func() {
		loop.Run(func(err error) {
			_ = c.gw.Speaking(gwpayload.SpeakingFlag(0))
			if err != nil {
				ErrorLog(err)
			}
			if after != nil {
				after(err)
			}
		})
	}()

	return nil
}

// Stop transitions the send loop to Finished; the encoder's own goroutine
// observes this on its next iteration and exits.
func (c *Connection) Stop() {
	c.gw.State().Set(state.Finished)
}

// Pause transitions the send loop to Paused.
func (c *Connection) Pause() {
	c.gw.State().Set(state.Paused)
}

// Resume transitions a Paused send loop back to Playing.
func (c *Connection) Resume() {
	if c.gw.State().Is(state.Paused) {
		c.gw.State().Set(state.Playing)
	}
}

// IsPlaying reports whether the send loop is currently active.
func (c *Connection) IsPlaying() bool {
	return c.gw.State().Is(state.Playing)
}

// Record starts the receive loop, buffering datagrams into per-SSRC queues
// until StopRecord is called. after is invoked once the receive loop itself
// exits (not when finalize completes; call StopRecord to finalize).
func (c *Connection) Record(after AfterFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sock, err := c.gw.CloneUDPConn()
	if err != nil {
		return err
	}

	suite := cipher.New(c.gw.Mode(), c.gw.SecretKey())
	queue := rtpqueue.NewSourceMap()
	loop := decoder.New(c.gw.State(), sock, suite, queue)

	c.decLoop = loop
	c.decQueue = queue
	c.decDone = make(chan struct{})

	c.gw.State().Set(state.Recording)

	go func() {
		err := loop.Run()
		close(c.decDone)
		if err != nil {
			ErrorLog(err)
		}
		if after != nil {
			after(err)
		}
	}()

	return nil
}

// StopRecord transitions the receive loop to RecordFinished, waits for it to
// exit, then drains, decodes and mixes every per-source queue into sink,
// returning the number of interleaved stereo samples written.
func (c *Connection) StopRecord(sink decoder.WaveformSink) (int, error) {
	c.mu.Lock()
	queue := c.decQueue
	done := c.decDone
	c.mu.Unlock()

	if queue == nil {
		return 0, gwerr.New(gwerr.Internal, errors.New("not currently recording"))
	}

	c.gw.State().Set(state.RecordFinished)

	if done != nil {
		<-done
	}

	return decoder.Finalize(queue, sink)
}

// ConnectionSnapshot is the point-in-time view returned by GetState,
// grounded on original_source/connection.rs's get_state PyDict.
type ConnectionSnapshot struct {
	SecretKey      [32]byte
	EncryptionMode string
	SSRC           uint32
	LastHeartbeat  time.Duration
	PlayerActive   bool
	RecorderActive bool
}

// GetState snapshots the connection's negotiated handshake values and
// activity flags.
func (c *Connection) GetState() ConnectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnectionSnapshot{
		SecretKey:      c.gw.SecretKey(),
		EncryptionMode: c.gw.Mode().String(),
		SSRC:           c.gw.SSRC(),
		LastHeartbeat:  c.gw.Latency(),
		PlayerActive:   c.encLoop != nil && c.gw.State().Is(state.Playing),
		RecorderActive: c.decLoop != nil && c.gw.State().Is(state.Recording),
	}
}

// Latency returns the most recent heartbeat round-trip time.
func (c *Connection) Latency() time.Duration { return c.gw.Latency() }

// AverageLatency returns the mean of the bounded heartbeat RTT history.
func (c *Connection) AverageLatency() time.Duration { return c.gw.AverageLatency() }
