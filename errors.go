package quic

import "github.com/pkg/errors"

// Sentinel errors for the dispatcher's failure categories, in the
// layered-error style distribution-distribution's storage/registry
// packages use. None of these ever reach a caller of Server.Process:
// ErrHeaderDecode and ErrConnectionConstruction supply the message
// errors.Wrap attaches to the underlying error, which is then only
// logged; ErrCIDCollision is a panic value.
var (
	// ErrHeaderDecode labels a DecodeHeader failure in the log.
	ErrHeaderDecode = errors.New("quic: failed to decode packet header")
	// ErrConnectionConstruction labels, in the log, a ConnectionFactory
	// call that failed while accepting a new connection.
	ErrConnectionConstruction = errors.New("quic: failed to construct connection")
	// ErrCIDCollision marks a connection-id collision across distinct
	// connections. This can only happen from a programming error (the
	// CID namespace is controlled by the server's own generator, not an
	// adversary), so it is reserved for a panic path rather than a
	// logged-and-ignored condition.
	ErrCIDCollision = errors.New("quic: connection id minted for two different connections")
)
