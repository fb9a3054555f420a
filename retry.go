package quic

import (
	"bytes"
	"sync/atomic"

	"github.com/quince-io/quince/transport"
)

// retryTokenPrefix is the fixed prefix of every token this server
// issues. It is a deliberate placeholder: the current token is
// unauthenticated (an attacker who observes one token can forge
// tokens for arbitrary CIDs). The format is kept pluggable behind the
// retryValidator interface so an authenticated-encryption
// implementation can replace retryToken without touching the
// dispatcher.
var retryTokenPrefix = []byte{0x01, 0x02, 0x03}

// retryOutcome is the result of validating an Initial packet's token.
type retryOutcome int

const (
	retryPass retryOutcome = iota
	retryValidateRequired
	retryValid
	retryInvalid
)

// retryValidator is the Retry-token module's contract. It is an
// interface, not a concrete type, expressly so a future
// authenticated-token implementation is a drop-in replacement.
type retryValidator interface {
	generateToken(odcid transport.ConnectionId) []byte
	setRetryRequired(bool)
	retryRequired() bool
	validate(hdr *transport.Header) (retryOutcome, transport.ConnectionId)
}

// retryToken is the provisional, unauthenticated implementation:
// FIXED_PREFIX || odcid_bytes.
type retryToken struct {
	// require is read from the dispatcher's Process and written from
	// SetRetryRequired, which callers may invoke concurrently with a
	// running event loop (e.g. toggling retry policy from a signal
	// handler), so it's atomic rather than a plain bool.
	require atomic.Bool
}

func newRetryToken() *retryToken {
	return &retryToken{}
}

func (t *retryToken) generateToken(odcid transport.ConnectionId) []byte {
	token := make([]byte, 0, len(retryTokenPrefix)+len(odcid))
	token = append(token, retryTokenPrefix...)
	token = append(token, odcid...)
	return token
}

func (t *retryToken) setRetryRequired(require bool) {
	t.require.Store(require)
}

func (t *retryToken) retryRequired() bool {
	return t.require.Load()
}

func (t *retryToken) validate(hdr *transport.Header) (retryOutcome, transport.ConnectionId) {
	if hdr.Type != transport.PacketTypeInitial {
		return retryInvalid, nil
	}
	if len(hdr.Token) == 0 {
		if t.retryRequired() {
			return retryValidateRequired, nil
		}
		return retryPass, nil
	}
	if len(hdr.Token) >= len(retryTokenPrefix) && bytes.Equal(hdr.Token[:len(retryTokenPrefix)], retryTokenPrefix) {
		odcid := transport.ConnectionId(hdr.Token[len(retryTokenPrefix):]).Clone()
		return retryValid, odcid
	}
	return retryInvalid, nil
}
