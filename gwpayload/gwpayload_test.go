package gwpayload

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/diamondburned/voicegateway/cipher"
	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHello(t *testing.T) {
	raw := []byte(`{"op":8,"d":{"heartbeat_interval":41250.0}}`)
	in, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, in.Hello)
	assert.Equal(t, 41250*time.Millisecond, in.Hello.Interval())
}

func TestDecodeReady(t *testing.T) {
	raw := []byte(`{"op":2,"d":{"ssrc":1234,"ip":"1.2.3.4","port":5555,"modes":["xsalsa20_poly1305_lite"]}}`)
	in, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, in.Ready)
	assert.Equal(t, uint32(1234), in.Ready.SSRC)
	assert.Equal(t, "1.2.3.4", in.Ready.IP)
	assert.Equal(t, 5555, in.Ready.Port)
}

func TestDecodeSessionDescription(t *testing.T) {
	raw := []byte(`{"op":4,"d":{"mode":"xsalsa20_poly1305_suffix","secret_key":[1,2,3,4]}}`)
	in, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, in.SessionDescription)
	assert.Equal(t, cipher.Suffix, in.SessionDescription.DecodedMode())
	assert.Equal(t, byte(1), in.SessionDescription.SecretKey[0])
	assert.Equal(t, byte(4), in.SessionDescription.SecretKey[3])
}

func TestDecodeUnrecognizedOpFails(t *testing.T) {
	raw := []byte(`{"op":99,"d":{}}`)
	_, err := Decode(raw)
	require.Error(t, err)
	gwErr, ok := err.(*gwerr.Error)
	require.True(t, ok)
	assert.Equal(t, gwerr.Gateway, gwErr.Class)
}

func TestEncodeIdentifyRoundTrips(t *testing.T) {
	payload, err := EncodeIdentify(IdentifyData{
		ServerID: "s", UserID: "u", SessionID: "sess", Token: "tok",
	})
	require.NoError(t, err)

	var env struct {
		Op OpCode          `json:"op"`
		D  IdentifyData    `json:"d"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, OpIdentify, env.Op)
	assert.Equal(t, "tok", env.D.Token)
}

func TestEncodeSelectProtocol(t *testing.T) {
	payload, err := EncodeSelectProtocol("1.2.3.4", 5555, cipher.Lite)
	require.NoError(t, err)

	var env struct {
		Op OpCode                 `json:"op"`
		D  selectProtocolPayload  `json:"d"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, OpSelectProtocol, env.Op)
	assert.Equal(t, "udp", env.D.Protocol)
	assert.Equal(t, "xsalsa20_poly1305_lite", env.D.Data.Mode)
	assert.Equal(t, uint16(5555), env.D.Data.Port)
}

func TestEncodeHeartbeatCarriesTimestamp(t *testing.T) {
	payload, err := EncodeHeartbeat(1234567890)
	require.NoError(t, err)

	var env struct {
		Op OpCode `json:"op"`
		D  int64  `json:"d"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, OpHeartbeat, env.Op)
	assert.Equal(t, int64(1234567890), env.D)
}
