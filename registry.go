package quic

import (
	"sync"

	"github.com/quince-io/quince/transport"
)

// registry is the byte-string -> *ConnectionState mapping. It is
// looked up on every inbound datagram and mutated from inside a
// connection's CID manager wrapper whenever that connection mints a
// fresh CID, so access is guarded by a mutex even though the
// dispatcher itself is single-threaded: the mutation happens while the
// dispatcher's own call into Process is still on the stack, and a
// future sharded deployment may want to share a registry across
// goroutines.
type registry struct {
	mu   sync.Mutex
	byID map[string]*ConnectionState
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*ConnectionState)}
}

// lookup returns the connection owning cid, if any.
func (r *registry) lookup(cid transport.ConnectionId) (*ConnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[string(cid)]
	return c, ok
}

// insert registers cid as owned by c. If cid was already registered to
// a different connection, that is a CID collision: it cannot arise
// from adversarial input since the CID namespace is controlled by the
// server's own generator, so it reports the collision to the caller
// instead of silently overwriting.
func (r *registry) insert(cid transport.ConnectionId, c *ConnectionState) (collided bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[string(cid)]; ok && existing != c {
		// Last-write-wins, flagged as a bug by the caller.
		r.byID[string(cid)] = c
		return true
	}
	r.byID[string(cid)] = c
	return false
}

// purge removes every entry pointing at c: a Closed connection must
// not remain reachable from the registry.
func (r *registry) purge(c *ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.byID {
		if v == c {
			delete(r.byID, k)
		}
	}
}

// len reports the number of registered CIDs, for diagnostics.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
