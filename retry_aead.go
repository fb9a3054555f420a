package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/quince-io/quince/transport"
)

// aeadRetryToken is an authenticated alternative to the default
// provisional retryToken, adapted from an AES-GCM address-validator
// token. The fixed-prefix retryToken format is unauthenticated by
// design; this type satisfies the same retryValidator interface so
// SetRetryValidator can swap it in wherever that weaker default isn't
// acceptable. It is not the package default.
//
// Unlike a token bound to the client's network address
// (Generate(addr, odcid)), retryValidator.validate(hdr) has no address
// parameter, so this implementation binds only to the odcid and an
// issue timestamp, not the address. A deployment wanting
// address-binding would need to widen the retryValidator contract.
type aeadRetryToken struct {
	aead    cipher.AEAD
	noncePad []byte // bytes 4.. of every nonce; bytes 0..4 carry the issue time
	validity time.Duration
	now      func() time.Time

	require atomic.Bool
}

// newAEADRetryToken builds an aeadRetryToken with a fresh random key,
// valid for the given duration after issuance (a fixed 10 second
// window is a reasonable default).
func newAEADRetryToken(validity time.Duration) (*aeadRetryToken, error) {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, errors.Wrap(err, "quic: generate retry token key")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "quic: build retry token cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "quic: build retry token aead")
	}
	pad := make([]byte, aead.NonceSize())
	if _, err := rand.Read(pad); err != nil {
		return nil, errors.Wrap(err, "quic: generate retry token nonce pad")
	}
	return &aeadRetryToken{aead: aead, noncePad: pad, validity: validity, now: time.Now}, nil
}

func (t *aeadRetryToken) nonce(issued uint32) []byte {
	nonce := make([]byte, len(t.noncePad))
	binary.BigEndian.PutUint32(nonce, issued)
	copy(nonce[4:], t.noncePad[4:])
	return nonce
}

// generateToken implements retryValidator.
func (t *aeadRetryToken) generateToken(odcid transport.ConnectionId) []byte {
	issued := uint32(t.now().Unix())
	nonce := t.nonce(issued)
	token := make([]byte, 4, 4+len(odcid)+t.aead.Overhead())
	binary.BigEndian.PutUint32(token, issued)
	return t.aead.Seal(token, nonce, odcid, nil)
}

func (t *aeadRetryToken) setRetryRequired(require bool) { t.require.Store(require) }
func (t *aeadRetryToken) retryRequired() bool            { return t.require.Load() }

// validate implements retryValidator.
func (t *aeadRetryToken) validate(hdr *transport.Header) (retryOutcome, transport.ConnectionId) {
	if hdr.Type != transport.PacketTypeInitial {
		return retryInvalid, nil
	}
	if len(hdr.Token) == 0 {
		if t.retryRequired() {
			return retryValidateRequired, nil
		}
		return retryPass, nil
	}
	if len(hdr.Token) < 4 {
		return retryInvalid, nil
	}
	issued := binary.BigEndian.Uint32(hdr.Token[:4])
	now := uint32(t.now().Unix())
	if int64(now)-int64(issued) > int64(t.validity/time.Second) || issued > now {
		return retryInvalid, nil
	}
	odcid, err := t.aead.Open(nil, t.nonce(issued), hdr.Token[4:], nil)
	if err != nil {
		return retryInvalid, nil
	}
	return retryValid, transport.ConnectionId(odcid)
}

// SetRetryValidator overrides the dispatcher's Retry-token module,
// e.g. to swap in an aeadRetryToken built by newAEADRetryToken.
func (s *Server) SetRetryValidator(v retryValidator) {
	s.retry = v
}
