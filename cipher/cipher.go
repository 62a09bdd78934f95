// Package cipher implements the three XSalsa20-Poly1305 nonce disciplines
// used to encrypt RTP payloads, grounded on original_source/payload.rs's
// Encryptor impl for EncryptionMode and on voice/udp/connection.go's use of
// golang.org/x/crypto/nacl/secretbox for the same primitive.
package cipher

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/diamondburned/voicegateway/gwerr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// Mode is one of the three negotiated encryption modes.
type Mode int

const (
	// Standard builds the nonce by zero-padding the 12-byte RTP header.
	Standard Mode = iota
	// Suffix appends 24 random nonce bytes to the ciphertext.
	Suffix
	// Lite appends a 4-byte big-endian monotonic counter to the ciphertext.
	Lite
)

// String returns the wire name of the mode, as sent/recognized in
// SelectProtocol/Ready/SessionDescription payloads.
func (m Mode) String() string {
	switch m {
	case Standard:
		return "xsalsa20_poly1305"
	case Suffix:
		return "xsalsa20_poly1305_suffix"
	case Lite:
		return "xsalsa20_poly1305_lite"
	default:
		return "unknown"
	}
}

// ParseMode parses the wire name of an encryption mode. Unknown names fail
// with an IO-classed error per spec.md §4.2.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "xsalsa20_poly1305":
		return Standard, nil
	case "xsalsa20_poly1305_suffix":
		return Suffix, nil
	case "xsalsa20_poly1305_lite":
		return Lite, nil
	default:
		return Standard, gwerr.New(gwerr.InternalIO, errors.Errorf("unknown encryption mode %q", s))
	}
}

// FirstRecognized returns the first mode in names recognized by the client,
// defaulting to Standard if none match (spec.md §4.2).
func FirstRecognized(names []string) Mode {
	for _, n := range names {
		if m, err := ParseMode(n); err == nil {
			return m
		}
	}
	return Standard
}

const (
	keySize   = 32
	nonceSize = 24
	// headerSize is the 12-byte RTP header prefix that every mode embeds
	// (fully or partially) into the 24-byte XSalsa20 nonce.
	headerSize = 12
)

// Suite performs authenticated encryption over RTP payloads for one
// negotiated Mode, keyed from the gateway's 32-byte handshake secret.
// Suite is not safe for concurrent encrypt/decrypt calls sharing the same
// lite-nonce counter state; the encoder and decoder each own their own
// Suite instance.
type Suite struct {
	mode      Mode
	secret    [keySize]byte
	liteNonce uint32
}

// New builds a Suite for the given mode and 32-byte secret key.
func New(mode Mode, secret [32]byte) *Suite {
	return &Suite{mode: mode, secret: secret}
}

// Mode returns the suite's negotiated encryption mode.
func (s *Suite) Mode() Mode { return s.mode }

// Encrypt seals plaintext under the given 12-byte RTP header and returns the
// ciphertext with its mode-dependent nonce suffix appended. The header
// itself is not modified or re-emitted; callers prepend it on the wire.
func (s *Suite) Encrypt(header [12]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte

	switch s.mode {
	case Standard:
		copy(nonce[:headerSize], header[:])
	case Suffix:
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return nil, gwerr.New(gwerr.EncryptionFailed, errors.Wrap(err, "failed to generate nonce"))
		}
	case Lite:
		binary.BigEndian.PutUint32(nonce[:4], s.liteNonce)
	default:
		return nil, gwerr.New(gwerr.EncryptionFailed, errors.Errorf("unknown mode %v", s.mode))
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, &s.secret)

	switch s.mode {
	case Standard:
		// The nonce is fully recoverable from the RTP header already on
		// the wire; no suffix is appended.
	case Suffix:
		sealed = append(sealed, nonce[:]...)
	case Lite:
		sealed = append(sealed, nonce[:4]...)
		s.liteNonce++
	}

	return sealed, nil
}

// Decrypt reconstructs the nonce from frame per the negotiated mode, opens
// the AEAD box, and returns the 12-byte RTP header (the first 12 bytes of
// frame) alongside the recovered plaintext. frame must begin with the
// 12-byte RTP header followed by ciphertext and the mode-dependent nonce
// suffix.
func (s *Suite) Decrypt(frame []byte) (header [12]byte, plaintext []byte, err error) {
	if len(frame) < headerSize {
		return header, nil, gwerr.New(gwerr.EncryptionFailed, errors.New("frame shorter than RTP header"))
	}
	copy(header[:], frame[:headerSize])

	var nonce [nonceSize]byte
	var ciphertext []byte

	switch s.mode {
	case Standard:
		copy(nonce[:headerSize], header[:])
		ciphertext = frame[headerSize:]
	case Suffix:
		if len(frame) < headerSize+nonceSize {
			return header, nil, gwerr.New(gwerr.EncryptionFailed, errors.New("frame too short for suffix nonce"))
		}
		copy(nonce[:], frame[len(frame)-nonceSize:])
		ciphertext = frame[headerSize : len(frame)-nonceSize]
	case Lite:
		const liteSuffix = 4
		if len(frame) < headerSize+liteSuffix {
			return header, nil, gwerr.New(gwerr.EncryptionFailed, errors.New("frame too short for lite nonce"))
		}
		copy(nonce[:liteSuffix], frame[len(frame)-liteSuffix:])
		ciphertext = frame[headerSize : len(frame)-liteSuffix]
	default:
		return header, nil, gwerr.New(gwerr.EncryptionFailed, errors.Errorf("unknown mode %v", s.mode))
	}

	opened, ok := secretbox.Open(nil, ciphertext, &nonce, &s.secret)
	if !ok {
		return header, nil, gwerr.New(gwerr.EncryptionFailed, errors.New("AEAD open failed"))
	}

	return header, opened, nil
}

// NonceSuffixLen returns how many trailing bytes m appends to the wire
// frame for its nonce suffix (0, 24 or 4 respectively, per spec.md §4.3/§8).
func (m Mode) NonceSuffixLen() int {
	switch m {
	case Suffix:
		return nonceSize
	case Lite:
		return 4
	default:
		return 0
	}
}
