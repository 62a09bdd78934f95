// Package gateway implements the control-plane state machine over the
// secure streaming text channel to the voice server: handshake, heartbeat,
// session key exchange, reconnection and close handling (spec.md §4.5).
//
// It is grounded on original_source/ws.rs's VoiceGateway (the poll/
// connection_flow/close/udp_discovery/handle_ready shape) and dials the
// way voice/session.go and utils/wsutil/conn.go do: gorilla/websocket with
// an explicit read deadline standing in for the pacemaker's timeout.
package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/diamondburned/voicegateway/cipher"
	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/diamondburned/voicegateway/gwpayload"
	"github.com/diamondburned/voicegateway/state"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Debug is called with verbose trace lines; defaults to a no-op, following
// wsutil.WSDebug's pattern of a package-level override.
var Debug = func(v ...interface{}) {}

// ErrorLog is called when the poll loop encounters a non-fatal error it
// swallows; defaults to a no-op.
var ErrorLog = func(err error) {}

// recentHistoryCap bounds the round-trip-time sample history (spec.md §3).
const recentHistoryCap = 20

// pollReadTimeout is the read deadline installed on the control channel
// after Hello, so poll() can return WouldBlock/TimedOut without failing
// (spec.md §4.5).
const pollReadTimeout = 1000 * time.Millisecond

// Identity carries the caller-supplied identity scalars needed to Identify
// or Resume (spec.md §3).
type Identity struct {
	Endpoint  string
	UserID    string
	ServerID  string
	SessionID string
	Token     string
}

// wsConn abstracts the control-channel transport so tests can substitute a
// fake without a real TLS/TCP dial.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Gateway owns the secure streaming text channel to the voice server, the
// UDP media socket created after handshake, and every scalar described in
// spec.md §3.
type Gateway struct {
	mu sync.Mutex

	identity Identity
	state    *state.Cell

	ws            wsConn
	readTimeoutOn bool

	ssrc      uint32
	port      int
	publicIP  string
	mode      cipher.Mode
	secretKey [32]byte

	heartbeatInterval time.Duration
	lastHeartbeat     time.Time
	recentRTT         []float64 // seconds, bounded to recentHistoryCap

	udpConn net.Conn

	closeCode uint16
}

// New builds a Gateway bound to the given shared state cell. The gateway
// itself does not dial; call Dial to connect.
func New(identity Identity, cell *state.Cell) *Gateway {
	return &Gateway{
		identity:          identity,
		state:             cell,
		heartbeatInterval: time.Duration(1<<63 - 1), // never due until Hello
		lastHeartbeat:     time.Now(),
	}
}

// State returns the gateway's shared lifecycle cell.
func (g *Gateway) State() *state.Cell { return g.state }

// SSRC returns our negotiated SSRC (valid after Ready).
func (g *Gateway) SSRC() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ssrc
}

// SecretKeySet reports whether the handshake secret has been populated.
func (g *Gateway) SecretKeySet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.secretKey != [32]byte{}
}

// SecretKey returns the handshake secret key (all-zero until
// SessionDescription arrives).
func (g *Gateway) SecretKey() [32]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.secretKey
}

// Mode returns the negotiated encryption mode.
func (g *Gateway) Mode() cipher.Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// CloneUDPConn returns the gateway's UDP connection for the encoder/decoder
// to use independently. The connection is present only after Ready; callers
// should retry after the state cell reaches Connected.
func (g *Gateway) CloneUDPConn() (net.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.udpConn == nil {
		return nil, gwerr.New(gwerr.Internal, errors.New("no UDP socket: handshake not yet complete"))
	}
	return g.udpConn, nil
}

// Dial opens the TLS-wrapped streaming channel to
// wss://<endpoint>/?v=4 (spec.md §4.5/§6).
func (g *Gateway) Dial(ctx context.Context) error {
	endpoint := strings.TrimSuffix(g.identity.Endpoint, ":80")
	u := url.URL{Scheme: "wss", Host: endpoint, RawQuery: "v=4"}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return gwerr.New(gwerr.Tls, errors.Wrap(err, "failed to dial voice gateway"))
	}

	g.mu.Lock()
	g.ws = conn
	g.mu.Unlock()

	return nil
}

// ConnectionFlow performs the initial poll-identify-or-resume-then-wait
// sequence described in spec.md §4.5: poll once to consume Hello, send
// Identify or Resume, then poll repeatedly until the secret key becomes
// non-zero.
func (g *Gateway) ConnectionFlow(resume bool) error {
	if err := g.Poll(); err != nil {
		return err
	}

	if resume {
		if err := g.sendResume(); err != nil {
			return err
		}
	} else {
		if err := g.sendIdentify(); err != nil {
			return err
		}
	}

	for !g.SecretKeySet() {
		if err := g.Poll(); err != nil {
			return err
		}
	}

	return nil
}

// Poll performs one control-channel step (spec.md §4.5): send a heartbeat
// if due, then read and dispatch one message. WouldBlock/TimedOut reads are
// swallowed as a non-error idle tick.
func (g *Gateway) Poll() error {
	if err := g.heartbeatIfDue(); err != nil {
		return err
	}

	raw, err := g.readMessage()
	if err != nil {
		if cc, ok := err.(*gwerr.ConnectionClosed); ok {
			return cc
		}
		if isTimeout(err) {
			return nil
		}
		return gwerr.New(gwerr.Gateway, errors.Wrap(err, "failed to read control message"))
	}
	if raw == nil {
		// A timeout/idle tick signaled by a nil payload.
		return nil
	}

	in, err := gwpayload.Decode(raw)
	if err != nil {
		return err
	}

	return g.handle(in)
}

func (g *Gateway) handle(in *gwpayload.Inbound) error {
	switch in.Op {
	case gwpayload.OpHello:
		g.mu.Lock()
		g.heartbeatInterval = in.Hello.Interval()
		g.readTimeoutOn = true
		g.lastHeartbeat = time.Now()
		g.mu.Unlock()
	case gwpayload.OpReady:
		return g.handleReady(in.Ready)
	case gwpayload.OpHeartbeatAck:
		g.recordRTT()
	case gwpayload.OpSessionDescription:
		g.mu.Lock()
		g.mode = in.SessionDescription.DecodedMode()
		g.secretKey = in.SessionDescription.SecretKey
		g.mu.Unlock()
		g.state.Set(state.Connected)
	case gwpayload.OpResumed, gwpayload.OpSpeaking, gwpayload.OpClientConnect, gwpayload.OpClientDisconnect:
		// Ignored, per spec.md §4.5.
	}
	return nil
}

func (g *Gateway) heartbeatIfDue() error {
	g.mu.Lock()
	due := time.Since(g.lastHeartbeat) >= g.heartbeatInterval
	g.mu.Unlock()

	if !due {
		return nil
	}
	return g.sendHeartbeat()
}

func (g *Gateway) sendHeartbeat() error {
	payload, err := gwpayload.EncodeHeartbeat(time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := g.send(payload); err != nil {
		return err
	}
	g.mu.Lock()
	g.lastHeartbeat = time.Now()
	g.mu.Unlock()
	return nil
}

func (g *Gateway) recordRTT() {
	g.mu.Lock()
	defer g.mu.Unlock()
	sample := time.Since(g.lastHeartbeat).Seconds()
	if len(g.recentRTT) == recentHistoryCap {
		g.recentRTT = g.recentRTT[1:]
	}
	g.recentRTT = append(g.recentRTT, sample)
}

func (g *Gateway) sendIdentify() error {
	payload, err := gwpayload.EncodeIdentify(gwpayload.IdentifyData{
		ServerID:  g.identity.ServerID,
		UserID:    g.identity.UserID,
		SessionID: g.identity.SessionID,
		Token:     g.identity.Token,
	})
	if err != nil {
		return err
	}
	return g.send(payload)
}

func (g *Gateway) sendResume() error {
	payload, err := gwpayload.EncodeResume(gwpayload.ResumeData{
		ServerID:  g.identity.ServerID,
		SessionID: g.identity.SessionID,
		Token:     g.identity.Token,
	})
	if err != nil {
		return err
	}
	return g.send(payload)
}

// Speaking sends a Speaking (op 5) update with our SSRC (spec.md §4.5).
func (g *Gateway) Speaking(flags gwpayload.SpeakingFlag) error {
	payload, err := gwpayload.EncodeSpeaking(flags, g.SSRC())
	if err != nil {
		return err
	}
	return g.send(payload)
}

// Close sets the state to Disconnected, remembers the close code, and sends
// a close frame with reason "Closing Connection" (spec.md §4.5).
func (g *Gateway) Close(code uint16) error {
	g.state.Set(state.Disconnected)

	g.mu.Lock()
	g.closeCode = code
	ws := g.ws
	g.mu.Unlock()

	if ws == nil {
		return nil
	}

	deadline := websocket.FormatCloseMessage(int(code), "Closing Connection")
	if conn, ok := ws.(*websocket.Conn); ok {
		_ = conn.WriteControl(websocket.CloseMessage, deadline, time.Now().Add(time.Second))
	}
	return ws.Close()
}

// CloseCode returns the last remembered close code.
func (g *Gateway) CloseCode() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeCode
}

func (g *Gateway) send(payload []byte) error {
	g.mu.Lock()
	ws := g.ws
	g.mu.Unlock()

	if ws == nil {
		return gwerr.New(gwerr.Gateway, errors.New("tried to send on a nil control connection"))
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return gwerr.New(gwerr.Gateway, errors.Wrap(err, "failed to write control message"))
	}
	return nil
}

// readMessage reads one text frame, applying the 1000ms read deadline once
// it has been enabled by Hello.
func (g *Gateway) readMessage() ([]byte, error) {
	g.mu.Lock()
	ws := g.ws
	timeoutOn := g.readTimeoutOn
	g.mu.Unlock()

	if ws == nil {
		return nil, gwerr.New(gwerr.Gateway, errors.New("no control connection"))
	}

	if timeoutOn {
		if err := ws.SetReadDeadline(time.Now().Add(pollReadTimeout)); err != nil {
			return nil, gwerr.New(gwerr.InternalIO, errors.Wrap(err, "failed to set read deadline"))
		}
	}

	msgType, data, err := ws.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			code := uint16(ce.Code)
			g.mu.Lock()
			g.closeCode = code
			g.mu.Unlock()
			g.state.Set(state.Disconnected)
			return nil, &gwerr.ConnectionClosed{Code: code}
		}
		return nil, err
	}

	if msgType != websocket.TextMessage {
		return nil, nil
	}

	return data, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	if ne, ok := err.(*net.OpError); ok {
		return ne.Timeout()
	}
	return false
}

func (g *Gateway) handleReady(ready *gwpayload.ReadyEvent) error {
	g.mu.Lock()
	g.ssrc = ready.SSRC
	g.port = ready.Port
	g.publicIP = ready.IP
	g.mode = cipher.FirstRecognized(ready.Modes)
	g.mu.Unlock()

	addr := net.JoinHostPort(ready.IP, strconv.Itoa(ready.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return gwerr.New(gwerr.Gateway, errors.Wrap(err, "failed to resolve voice UDP address"))
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return gwerr.New(gwerr.InternalIO, errors.Wrap(err, "failed to dial voice UDP socket"))
	}

	g.mu.Lock()
	g.udpConn = conn
	g.mu.Unlock()

	var (
		discoveredIP   string
		discoveredPort uint16
		discErr        error
	)
	for attempt := 0; attempt < 5; attempt++ {
		discoveredIP, discoveredPort, discErr = discoverAddress(conn, ready.SSRC)
		if discErr == nil {
			break
		}
	}
	if discErr != nil {
		return discErr
	}

	payload, err := gwpayload.EncodeSelectProtocol(discoveredIP, discoveredPort, g.Mode())
	if err != nil {
		return err
	}
	return g.send(payload)
}

// discoverAddress performs the 70-byte UDP IP-discovery exchange described
// in spec.md §4.5/§6/§8.9.
func discoverAddress(conn net.Conn, ssrc uint32) (string, uint16, error) {
	var out [70]byte
	binary.BigEndian.PutUint16(out[0:2], 1)
	binary.BigEndian.PutUint16(out[2:4], 70)
	binary.BigEndian.PutUint32(out[4:8], ssrc)

	if _, err := conn.Write(out[:]); err != nil {
		return "", 0, gwerr.New(gwerr.InternalIO, errors.Wrap(err, "failed to write discovery packet"))
	}

	var in [70]byte
	if _, err := readFull(conn, in[:]); err != nil {
		return "", 0, gwerr.New(gwerr.InternalIO, errors.Wrap(err, "failed to read discovery reply"))
	}

	body := in[4:68]
	nullPos := -1
	for i, b := range body {
		if b == 0 {
			nullPos = i
			break
		}
	}
	if nullPos < 0 {
		return "", 0, gwerr.New(gwerr.InternalIO, errors.New("discovery reply missing null terminator"))
	}

	ip := string(body[:nullPos])
	port := binary.BigEndian.Uint16(in[68:70])
	return ip, port, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("short read")
		}
	}
	return total, nil
}

// Latency returns the most recent heartbeat round-trip-time sample.
func (g *Gateway) Latency() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.recentRTT) == 0 {
		return 0
	}
	return time.Duration(g.recentRTT[len(g.recentRTT)-1] * float64(time.Second))
}

// AverageLatency returns the arithmetic mean of the bounded RTT history.
func (g *Gateway) AverageLatency() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.recentRTT) == 0 {
		return 0
	}
	var sum float64
	for _, s := range g.recentRTT {
		sum += s
	}
	return time.Duration((sum / float64(len(g.recentRTT))) * float64(time.Second))
}
