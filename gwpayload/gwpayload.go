// Package gwpayload serializes and deserializes voice gateway control
// messages by operation code, grounded on original_source/payload.rs's
// OpCode enum and voice/voicegateway/{op,commands,events}.go's idiomatic Go
// split of one struct per op.
package gwpayload

import (
	"encoding/json"
	"time"

	"github.com/diamondburned/voicegateway/cipher"
	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/pkg/errors"
)

// OpCode is a voice gateway operation code.
type OpCode int

const (
	OpIdentify           OpCode = 0
	OpSelectProtocol     OpCode = 1
	OpReady              OpCode = 2
	OpHeartbeat          OpCode = 3
	OpSessionDescription OpCode = 4
	OpSpeaking           OpCode = 5
	OpHeartbeatAck       OpCode = 6
	OpResume             OpCode = 7
	OpHello              OpCode = 8
	OpResumed            OpCode = 9
	OpClientConnect      OpCode = 12
	OpClientDisconnect   OpCode = 13
)

// envelope is the `{op, d}` wire shape every control message shares.
type envelope struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Inbound is the decoded result of a received text frame: exactly one of
// the typed event fields is non-nil, selected by Op.
type Inbound struct {
	Op OpCode

	Hello              *HelloEvent
	Ready              *ReadyEvent
	Speaking           *SpeakingEvent
	HeartbeatAck       *HeartbeatAckEvent
	SessionDescription *SessionDescriptionEvent
	Resumed            *ResumedEvent
	ClientConnect      *ClientConnectEvent
	ClientDisconnect   *ClientDisconnectEvent
}

// HelloEvent is OpCode 8.
type HelloEvent struct {
	// HeartbeatInterval is nominally typed as a floating point number by
	// the server but is treated as whole milliseconds via truncation, per
	// spec.md §9 (Open Question: heartbeat interval units).
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat interval truncated to milliseconds.
func (h HelloEvent) Interval() time.Duration {
	return time.Duration(int64(h.HeartbeatInterval)) * time.Millisecond
}

// ReadyEvent is OpCode 2.
type ReadyEvent struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// SessionDescriptionEvent is OpCode 4.
type SessionDescriptionEvent struct {
	Mode      string    `json:"mode"`
	SecretKey [32]byte  `json:"-"`
	modeValue cipher.Mode
}

// DecodedMode returns the parsed encryption mode, valid only after Decode
// has successfully parsed this event.
func (s SessionDescriptionEvent) DecodedMode() cipher.Mode { return s.modeValue }

// sessionDescriptionWire mirrors the JSON shape Discord actually sends:
// secret_key as an array of byte values.
type sessionDescriptionWire struct {
	Mode      string `json:"mode"`
	SecretKey []byte `json:"secret_key"`
}

// SpeakingEvent is OpCode 5, both inbound (someone else's speaking state)
// and outbound (ours).
type SpeakingEvent struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

// SpeakingFlag is the speaking bitfield from spec.md §4.5.
type SpeakingFlag uint8

const (
	Microphone SpeakingFlag = 1 << 0
	Soundshare SpeakingFlag = 1 << 1
	Priority   SpeakingFlag = 1 << 2
)

// HeartbeatAckEvent is OpCode 6.
type HeartbeatAckEvent struct {
	Nonce int64 `json:"-"`
}

// ResumedEvent is OpCode 9.
type ResumedEvent struct{}

// ClientConnectEvent is OpCode 12 (undocumented).
type ClientConnectEvent struct {
	UserID    string `json:"user_id"`
	AudioSSRC uint32 `json:"audio_ssrc"`
	VideoSSRC uint32 `json:"video_ssrc"`
}

// ClientDisconnectEvent is OpCode 13 (undocumented).
type ClientDisconnectEvent struct {
	UserID string `json:"user_id"`
}

// Decode parses a received text frame into an Inbound event. Any op code not
// in the recognized set fails with InvalidOpCode (classed as Gateway).
func Decode(raw []byte) (*Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to decode envelope"))
	}

	in := &Inbound{Op: env.Op}

	switch env.Op {
	case OpReady:
		var ev ReadyEvent
		if err := unmarshalD(env.D, &ev); err != nil {
			return nil, err
		}
		in.Ready = &ev
	case OpSessionDescription:
		var wire sessionDescriptionWire
		if err := unmarshalD(env.D, &wire); err != nil {
			return nil, err
		}
		ev := SessionDescriptionEvent{Mode: wire.Mode}
		copy(ev.SecretKey[:], wire.SecretKey)
		mode, err := cipher.ParseMode(wire.Mode)
		if err != nil {
			return nil, err
		}
		ev.modeValue = mode
		in.SessionDescription = &ev
	case OpSpeaking:
		var ev SpeakingEvent
		if err := unmarshalD(env.D, &ev); err != nil {
			return nil, err
		}
		in.Speaking = &ev
	case OpHeartbeatAck:
		in.HeartbeatAck = &HeartbeatAckEvent{}
	case OpHello:
		var ev HelloEvent
		if err := unmarshalD(env.D, &ev); err != nil {
			return nil, err
		}
		in.Hello = &ev
	case OpResumed:
		in.Resumed = &ResumedEvent{}
	case OpClientConnect:
		var ev ClientConnectEvent
		if err := unmarshalD(env.D, &ev); err != nil {
			return nil, err
		}
		in.ClientConnect = &ev
	case OpClientDisconnect:
		var ev ClientDisconnectEvent
		if err := unmarshalD(env.D, &ev); err != nil {
			return nil, err
		}
		in.ClientDisconnect = &ev
	default:
		return nil, gwerr.New(gwerr.Gateway, errors.Errorf("invalid op code %d", env.Op))
	}

	return in, nil
}

func unmarshalD(d json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(d, v); err != nil {
		return gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to decode payload data"))
	}
	return nil
}

func marshalEnvelope(op OpCode, d interface{}) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to encode payload data"))
	}
	out, err := json.Marshal(envelope{Op: op, D: raw})
	if err != nil {
		return nil, gwerr.New(gwerr.Internal, errors.Wrap(err, "failed to encode envelope"))
	}
	return out, nil
}

// IdentifyData is OpCode 0.
type IdentifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// EncodeIdentify builds an Identify (op 0) payload.
func EncodeIdentify(d IdentifyData) ([]byte, error) {
	return marshalEnvelope(OpIdentify, d)
}

// SelectProtocolData is the `data` field of SelectProtocol.
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// selectProtocolPayload is the `d` field of SelectProtocol.
type selectProtocolPayload struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

// EncodeSelectProtocol builds a SelectProtocol (op 1) payload for the given
// discovered UDP address and negotiated mode.
func EncodeSelectProtocol(address string, port uint16, mode cipher.Mode) ([]byte, error) {
	return marshalEnvelope(OpSelectProtocol, selectProtocolPayload{
		Protocol: "udp",
		Data: SelectProtocolData{
			Address: address,
			Port:    port,
			Mode:    mode.String(),
		},
	})
}

// EncodeHeartbeat builds a Heartbeat (op 3) payload carrying the given unix
// millisecond timestamp.
func EncodeHeartbeat(nowMillis int64) ([]byte, error) {
	return marshalEnvelope(OpHeartbeat, nowMillis)
}

// EncodeSpeaking builds a Speaking (op 5) payload.
func EncodeSpeaking(flags SpeakingFlag, ssrc uint32) ([]byte, error) {
	return marshalEnvelope(OpSpeaking, SpeakingEvent{Speaking: flags, Delay: 0, SSRC: ssrc})
}

// ResumeData is OpCode 7.
type ResumeData struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// EncodeResume builds a Resume (op 7) payload.
func EncodeResume(d ResumeData) ([]byte, error) {
	return marshalEnvelope(OpResume, d)
}
