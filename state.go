package quic

import (
	"time"

	"github.com/quince-io/quince/transport"
)

// ConnectionState pairs a live connection with the deadline it was
// last scheduled under in the timer wheel, so a later reschedule can
// find and remove the prior entry: a connection must appear in the
// timer wheel at most once.
//
// A ConnectionState is reachable from up to four places at once: the
// CID registry (under every CID it owns), the waiting queue, the timer
// wheel, and the active set. It is never copied after construction;
// all of those collections hold the same *ConnectionState so that
// pointer identity doubles as the "same connection" check (e.g. timer
// removal's match-predicate, active-set membership).
type ConnectionState struct {
	Conn      transport.Connection
	lastTimer time.Time
	hasTimer  bool
}

// newConnectionState wraps a freshly accepted connection.
func newConnectionState(c transport.Connection) *ConnectionState {
	return &ConnectionState{Conn: c}
}

// LastTimer returns the deadline this connection is currently
// scheduled under, and whether it has one at all.
func (s *ConnectionState) LastTimer() (time.Time, bool) {
	return s.lastTimer, s.hasTimer
}
