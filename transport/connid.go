package transport

import (
	"bytes"
	"crypto/rand"

	"github.com/pkg/errors"
)

// MaxCIDLength is the maximum length of a Connection ID in bytes.
const MaxCIDLength = 20

// DefaultCIDLength is the length used by the built-in random CID source.
const DefaultCIDLength = 8

// ErrEmptyCID is the panic value used when a CIDSource mints a
// zero-length connection ID.
var ErrEmptyCID = errors.New("transport: generated connection id is empty")

// ConnectionId is a variable-length opaque byte string, 1..=20 bytes.
// Equality and hashing are byte-exact; the zero value is not a valid
// server-minted id but is used to represent "absent" (e.g. no SCID on a
// short header).
type ConnectionId []byte

// String renders the id as hex, for logging.
func (c ConnectionId) String() string {
	const hextable = "0123456789abcdef"
	if len(c) == 0 {
		return ""
	}
	buf := make([]byte, len(c)*2)
	for i, b := range c {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// Equal reports whether two connection ids hold the same bytes.
func (c ConnectionId) Equal(o ConnectionId) bool {
	return bytes.Equal(c, o)
}

// Clone returns a copy that does not alias the original's backing array.
func (c ConnectionId) Clone() ConnectionId {
	if c == nil {
		return nil
	}
	out := make(ConnectionId, len(c))
	copy(out, c)
	return out
}

// CIDDecoder recovers a connection ID of the locally-known length from the
// front of a packet decoder. It is delegated to unchanged by any wrapper
// placed in front of a CIDSource (see serverCIDManager in package quic).
type CIDDecoder interface {
	DecodeCID(dec *Decoder) (ConnectionId, bool)
}

// CIDSource mints connection IDs and knows how to recognize ones it minted
// earlier. Connections call GenerateCID whenever they need a fresh id
// (initial allocation, or later NEW_CONNECTION_ID issuance).
type CIDSource interface {
	CIDDecoder
	GenerateCID() (ConnectionId, error)
}

// RandomCIDSource mints cryptographically random, fixed-length connection
// ids. Client uses it, and the quince server command passes one to
// quic.New, which has no built-in fallback source.
type RandomCIDSource struct {
	Length int
}

// NewRandomCIDSource returns a RandomCIDSource minting ids of n bytes.
// n <= 0 becomes DefaultCIDLength, and n > MaxCIDLength becomes
// MaxCIDLength.
func NewRandomCIDSource(n int) *RandomCIDSource {
	if n <= 0 {
		n = DefaultCIDLength
	}
	if n > MaxCIDLength {
		n = MaxCIDLength
	}
	return &RandomCIDSource{Length: n}
}

// GenerateCID implements CIDSource.
func (r *RandomCIDSource) GenerateCID() (ConnectionId, error) {
	cid := make(ConnectionId, r.Length)
	if _, err := rand.Read(cid); err != nil {
		return nil, errors.Wrap(err, "transport: generate connection id")
	}
	return cid, nil
}

// DecodeCID implements CIDDecoder by reading a fixed Length-byte prefix.
func (r *RandomCIDSource) DecodeCID(dec *Decoder) (ConnectionId, bool) {
	b, ok := dec.Take(r.Length)
	if !ok {
		return nil, false
	}
	return ConnectionId(b).Clone(), true
}
