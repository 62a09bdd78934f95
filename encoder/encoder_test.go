package encoder

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/diamondburned/voicegateway/cipher"
	"github.com/diamondburned/voicegateway/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type silentSource struct{ frames int }

func (s *silentSource) ReadFrame(buf []byte) (int, error) {
	if s.frames <= 0 {
		return 0, io.EOF
	}
	s.frames--
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

type captureSocket struct {
	datagrams [][]byte
}

func (c *captureSocket) Write(b []byte) (int, error) {
	cp := append([]byte{}, b...)
	c.datagrams = append(c.datagrams, cp)
	return len(b), nil
}

func TestSendFrameBuildsRTPHeaderAndEncrypts(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}

	cell := state.New()
	source := &silentSource{frames: 1}
	sock := &captureSocket{}

	loop, err := New(cell, source, sock, Config{SSRC: 0xAABBCCDD, Mode: cipher.Suffix, SecretKey: secret}, nil)
	require.NoError(t, err)

	pcm := make([]byte, frameBytes)
	require.NoError(t, loop.sendFrame(pcm))

	require.Len(t, sock.datagrams, 1)
	datagram := sock.datagrams[0]
	require.True(t, len(datagram) > 12)

	assert.Equal(t, byte(0x80), datagram[0])
	assert.Equal(t, byte(0x78), datagram[1])
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(datagram[2:4])) // sequence starts at 0
	assert.Equal(t, uint32(0xAABBCCDD), binary.BigEndian.Uint32(datagram[8:12]))

	suite := cipher.New(cipher.Suffix, secret)
	header, plaintext, err := suite.Decrypt(datagram)
	require.NoError(t, err)
	assert.Equal(t, datagram[:12], header[:])
	assert.NotEmpty(t, plaintext)
}

func TestRebindResetsSuite(t *testing.T) {
	var secretA, secretB [32]byte
	secretB[0] = 0xFF

	cell := state.New()
	loop, err := New(cell, &silentSource{}, &captureSocket{}, Config{Mode: cipher.Standard, SecretKey: secretA}, nil)
	require.NoError(t, err)

	newSock := &captureSocket{}
	loop.Rebind(newSock, Config{SSRC: 42, Mode: cipher.Lite, SecretKey: secretB})

	assert.Equal(t, uint32(42), loop.cfg.SSRC)
	assert.Equal(t, cipher.Lite, loop.suite.Mode())
	assert.Same(t, newSock, loop.sock.(*captureSocket))
}

type fakeRebinder struct {
	conn   net.Conn
	ssrc   uint32
	mode   cipher.Mode
	secret [32]byte
}

func (f *fakeRebinder) CloneUDPConn() (net.Conn, error) { return f.conn, nil }
func (f *fakeRebinder) SSRC() uint32                    { return f.ssrc }
func (f *fakeRebinder) Mode() cipher.Mode               { return f.mode }
func (f *fakeRebinder) SecretKey() [32]byte             { return f.secret }

func TestRunRebindsFromGatewayAfterReconnect(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	var secret [32]byte
	secret[0] = 0xAB
	rebinder := &fakeRebinder{conn: client, ssrc: 99, mode: cipher.Lite, secret: secret}

	cell := state.New() // starts Disconnected
	loop, err := New(cell, &silentSource{frames: 0}, &captureSocket{}, Config{}, rebinder)
	require.NoError(t, err)

	done := make(chan error, 1)
	go loop.Run(func(err error) { done <- err })

	cell.Set(state.Connected)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe the Connected transition")
	}

	assert.Same(t, client, loop.sock.(net.Conn))
	assert.Equal(t, uint32(99), loop.cfg.SSRC)
	assert.Equal(t, cipher.Lite, loop.suite.Mode())
}
