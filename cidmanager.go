package quic

import (
	"github.com/quince-io/quince/transport"
)

// serverCIDManager wraps an underlying transport.CIDSource so that
// every connection id it mints is installed into the dispatcher's
// registry, bound to the owning connection. Decoding is delegated
// unchanged: the underlying source is the only thing that knows how
// long a CID it mints is.
//
// owner is a non-owning back-reference: the manager is constructed
// before the Connection it serves exists (acceptConnection builds the
// manager first, then passes it to the connection factory), so owner
// is set immediately afterward. Its lifetime is subordinate to the
// connection's; nothing beyond the dispatcher and this manager holds
// it, so a plain pointer (not a weak/indexed handle) is sufficient in
// Go's garbage-collected runtime, unlike the reference-counted,
// cycle-prone back-reference a non-GC implementation would need here.
type serverCIDManager struct {
	underlying transport.CIDSource
	registry   *registry
	owner      *ConnectionState
}

func newServerCIDManager(underlying transport.CIDSource, reg *registry) *serverCIDManager {
	return &serverCIDManager{underlying: underlying, registry: reg}
}

// setOwner binds the manager to the connection state it mints CIDs
// for. Must be called before the connection's first GenerateCID.
func (m *serverCIDManager) setOwner(c *ConnectionState) {
	m.owner = c
}

// GenerateCID implements transport.CIDSource: mint, assert non-empty,
// register, return.
func (m *serverCIDManager) GenerateCID() (transport.ConnectionId, error) {
	cid, err := m.underlying.GenerateCID()
	if err != nil {
		return nil, err
	}
	if len(cid) == 0 {
		// A zero-length server-minted CID is a programmer error in the
		// underlying generator, not adversarial input, so it panics
		// rather than being handled gracefully.
		panic(transport.ErrEmptyCID)
	}
	if m.registry.insert(cid, m.owner) {
		panic(ErrCIDCollision)
	}
	return cid, nil
}

// DecodeCID implements transport.CIDDecoder by delegating unchanged.
func (m *serverCIDManager) DecodeCID(dec *transport.Decoder) (transport.ConnectionId, bool) {
	return m.underlying.DecodeCID(dec)
}
