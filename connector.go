// Package voicegateway is a client for a Discord-style voice gateway:
// control-plane handshake/heartbeat/session-key exchange/reconnection,
// media-plane send (PCM -> Opus -> RTP -> AEAD -> UDP) and receive
// (UDP -> AEAD -> RTP -> Opus -> mix -> waveform), and the state cell
// coordinating them. Grounded on original_source/connection.rs's
// VoiceConnector/VoiceConnection and arikawa's voice/session.go for the Go
// idiom of a mutex-guarded struct with context-aware methods.
package voicegateway

import (
	"context"

	"github.com/diamondburned/voicegateway/gateway"
	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/diamondburned/voicegateway/state"
	"github.com/pkg/errors"
)

// Connector gathers the identity fields needed to open a voice connection.
// It mirrors original_source/connection.rs's VoiceConnector: a thin
// accumulator of fields set by the embedder before Connect.
type Connector struct {
	Endpoint  string
	UserID    string
	SessionID string
	ServerID  string
	Token     string
}

// UpdateConnectionConfig sets the fields that typically arrive together from
// the text gateway's VOICE_SERVER_UPDATE event. UserID and SessionID are set
// directly by the caller (spec.md §4.8).
func (c *Connector) UpdateConnectionConfig(token, serverID, endpoint string) {
	c.Token = token
	c.ServerID = serverID
	c.Endpoint = endpoint
}

// Connect builds a Gateway and drives it through the initial handshake,
// returning a ready Connection. It fails with a MissingField-classed error
// if any required identity field is empty.
func (c *Connector) Connect(ctx context.Context) (*Connection, error) {
	if c.Endpoint == "" || c.UserID == "" || c.ServerID == "" || c.SessionID == "" || c.Token == "" {
		return nil, gwerr.New(gwerr.MissingField, errors.New("connector is missing a required identity field"))
	}

	gw := gateway.New(gateway.Identity{
		Endpoint:  c.Endpoint,
		UserID:    c.UserID,
		ServerID:  c.ServerID,
		SessionID: c.SessionID,
		Token:     c.Token,
	}, state.New())

	if err := gw.Dial(ctx); err != nil {
		return nil, err
	}
	if err := gw.ConnectionFlow(false); err != nil {
		return nil, err
	}

	return newConnection(gw), nil
}
