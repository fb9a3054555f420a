package transport

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Datagram is an immutable (source, destination, payload) triple. Once
// constructed it is never mutated; Process methods that want to answer
// build a fresh Datagram rather than rewriting one in place.
type Datagram struct {
	Source      net.Addr
	Destination net.Addr
	Payload     []byte
}

// NewDatagram builds an immutable Datagram, swapping source/destination
// relative to an inbound one is the caller's job (see Reply).
func NewDatagram(src, dst net.Addr, payload []byte) *Datagram {
	return &Datagram{Source: src, Destination: dst, Payload: payload}
}

// Reply builds the Datagram a stateless reply to d should carry:
// source and destination addresses swapped, given payload.
func (d *Datagram) Reply(payload []byte) *Datagram {
	return &Datagram{Source: d.Destination, Destination: d.Source, Payload: payload}
}

// OutputKind discriminates the three shapes Connection.Process (and
// Server.Process) can return.
type OutputKind int

const (
	// OutputNone means the caller is dormant: nothing to send, no timer
	// pending, and it must not be invoked again without new input.
	OutputNone OutputKind = iota
	// OutputDatagram carries an immediate reply to send.
	OutputDatagram
	// OutputCallback asks to be invoked again after Delay, or sooner if
	// new input arrives.
	OutputCallback
)

// Output is the result of one Process call.
type Output struct {
	Kind     OutputKind
	Datagram *Datagram
	Delay    time.Duration
}

// DatagramOutput wraps an outbound datagram.
func DatagramOutput(d *Datagram) Output { return Output{Kind: OutputDatagram, Datagram: d} }

// CallbackOutput asks to be woken again after delay.
func CallbackOutput(delay time.Duration) Output { return Output{Kind: OutputCallback, Delay: delay} }

// NoOutput is the dormant result.
func NoOutput() Output { return Output{Kind: OutputNone} }

// ConnPhase is the coarse connection lifecycle state a dispatcher must
// be able to observe to know when to purge registry entries.
type ConnPhase int

const (
	StateInit ConnPhase = iota
	StateHandshaking
	StateConnected
	StateClosing
	StateDraining
	StateClosed
)

func (p ConnPhase) String() string {
	switch p {
	case StateInit:
		return "Init"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnState reports a connection's lifecycle phase, and, once Closed,
// the reason it ended.
type ConnState struct {
	Phase  ConnPhase
	Reason error
}

// Connection is the external, per-connection QUIC state machine
// contract the dispatcher drives. Its TLS handshake, stream layer,
// congestion control and loss recovery are out of scope for this
// module: they are referenced only through this interface.
type Connection interface {
	// Process advances the connection with an optional inbound datagram
	// (nil means "no new input, just tick") and returns what the
	// connection wants to do next.
	Process(dgram *Datagram, now time.Time) Output
	// State reports the connection's current lifecycle phase.
	State() ConnState
	// HasEvents reports whether application-visible events are pending.
	HasEvents() bool
	// SetOriginalDestinationCID informs a server-side connection of the
	// DCID the client used in its very first Initial, for the transport
	// parameter the client uses to detect on-path tampering.
	SetOriginalDestinationCID(cid ConnectionId)
	// RemoteAddr is the connection's peer address, for logging.
	RemoteAddr() net.Addr
}

// AntiReplay is the opaque 0-RTT anti-replay context. Its internals
// (a sliding time window of seen client-random values, backed by the
// TLS stack) are out of scope here; the dispatcher only ever holds and
// forwards a pointer to one.
type AntiReplay struct {
	// opaque to this layer
	window time.Duration
}

// NewAntiReplay constructs an anti-replay context accepting 0-RTT data
// within the given window of the server's clock.
func NewAntiReplay(window time.Duration) *AntiReplay {
	return &AntiReplay{window: window}
}

// ConnectionFactory constructs a fresh server-side Connection. The
// dispatcher calls this once per accepted Initial; production
// deployments plug in a real TLS/QUIC state machine here. ServerConn
// below is a minimal, handshake-lite stand-in used when no factory is
// configured, adequate for exercising the dispatcher without a real
// cryptographic implementation.
type ConnectionFactory func(certs, alpns []string, antiReplay *AntiReplay, cidMgr CIDSource, addr net.Addr) (Connection, error)

// ErrNoCertificates is returned by the default factory when no
// certificate names were configured.
var ErrNoCertificates = errors.New("transport: no certificates configured")

// NewServerConn is the default ConnectionFactory. It implements just
// enough of a connection lifecycle (Handshaking -> Connected on the
// first Initial, idle timeout -> Closed) to drive and test the
// dispatcher end to end without a real TLS stack.
func NewServerConn(certs, alpns []string, antiReplay *AntiReplay, cidMgr CIDSource, addr net.Addr) (Connection, error) {
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	cid, err := cidMgr.GenerateCID()
	if err != nil {
		return nil, err
	}
	return &ServerConn{
		addr:        addr,
		scid:        cid,
		phase:       StateHandshaking,
		idleTimeout: 30 * time.Second,
	}, nil
}

// ServerConn is a minimal stand-in server-side connection: no crypto,
// no streams. It completes a notional handshake on the first Process
// call and then idles until idleTimeout elapses.
type ServerConn struct {
	addr        net.Addr
	scid        ConnectionId
	odcid       ConnectionId
	phase       ConnPhase
	idleTimeout time.Duration
	lastActive  time.Time
	events      int
	closeReason error
}

// Process implements Connection.
func (c *ServerConn) Process(dgram *Datagram, now time.Time) Output {
	if c.phase == StateClosed {
		return NoOutput()
	}
	if dgram != nil {
		c.lastActive = now
		if c.phase == StateHandshaking {
			c.phase = StateConnected
			c.events++
			return DatagramOutput(dgram.Reply(serverHelloPlaceholder(c.scid)))
		}
		c.events++
		return CallbackOutput(c.idleTimeout)
	}
	if c.lastActive.IsZero() {
		c.lastActive = now
	}
	if now.Sub(c.lastActive) >= c.idleTimeout {
		c.phase = StateClosed
		c.closeReason = errors.New("idle timeout")
		return NoOutput()
	}
	return CallbackOutput(c.idleTimeout - now.Sub(c.lastActive))
}

// State implements Connection.
func (c *ServerConn) State() ConnState {
	return ConnState{Phase: c.phase, Reason: c.closeReason}
}

// HasEvents implements Connection.
func (c *ServerConn) HasEvents() bool {
	return c.events > 0
}

// SetOriginalDestinationCID implements Connection.
func (c *ServerConn) SetOriginalDestinationCID(cid ConnectionId) {
	c.odcid = cid.Clone()
}

// RemoteAddr implements Connection.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.addr
}

// OriginalDestinationCID returns the CID set by SetOriginalDestinationCID,
// for tests that assert on it.
func (c *ServerConn) OriginalDestinationCID() ConnectionId {
	return c.odcid
}

// NewClientConn builds a minimal handshake-lite client-side connection
// symmetric to NewServerConn: it sends an Initial on the first
// Process(nil, now) call and completes once it sees any reply.
func NewClientConn(config *Config, addr net.Addr, cidMgr CIDSource) (Connection, error) {
	scid, err := cidMgr.GenerateCID()
	if err != nil {
		return nil, err
	}
	return &ClientConn{
		addr:        addr,
		scid:        scid,
		version:     config.Version,
		phase:       StateHandshaking,
		idleTimeout: config.Params.MaxIdleTimeout,
	}, nil
}

// ClientConn is the client-side counterpart of ServerConn.
type ClientConn struct {
	addr        net.Addr
	scid        ConnectionId
	version     uint32
	phase       ConnPhase
	idleTimeout time.Duration
	sentInitial bool
	lastActive  time.Time
	events      int
	closeReason error
}

// Process implements Connection.
func (c *ClientConn) Process(dgram *Datagram, now time.Time) Output {
	if c.phase == StateClosed {
		return NoOutput()
	}
	if !c.sentInitial {
		c.sentInitial = true
		c.lastActive = now
		payload := c.encodeInitial()
		return DatagramOutput(NewDatagram(c.addr, nil, payload))
	}
	if dgram != nil {
		c.lastActive = now
		if c.phase == StateHandshaking {
			c.phase = StateConnected
			c.events++
		}
		return CallbackOutput(c.idleTimeout)
	}
	if now.Sub(c.lastActive) >= c.idleTimeout {
		c.phase = StateClosed
		c.closeReason = errors.New("idle timeout")
		return NoOutput()
	}
	return CallbackOutput(c.idleTimeout - now.Sub(c.lastActive))
}

// State implements Connection.
func (c *ClientConn) State() ConnState { return ConnState{Phase: c.phase, Reason: c.closeReason} }

// HasEvents implements Connection.
func (c *ClientConn) HasEvents() bool { return c.events > 0 }

// SetOriginalDestinationCID implements Connection. A client never
// needs this (it is the server that must echo the value back), so it
// is a no-op.
func (c *ClientConn) SetOriginalDestinationCID(ConnectionId) {}

// RemoteAddr implements Connection.
func (c *ClientConn) RemoteAddr() net.Addr { return c.addr }

func (c *ClientConn) encodeInitial() []byte {
	out := make([]byte, 0, 8+len(c.scid))
	out = append(out, headerFormLong|fixedBit) // Initial
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], c.version)
	out = append(out, vb[:]...)
	out = append(out, 0) // zero-length dcid (client's transient choice, kept minimal here)
	out = append(out, byte(len(c.scid)))
	out = append(out, c.scid...)
	out = append(out, 0) // empty token
	if len(out) < MinInitialPacketSize {
		out = append(out, make([]byte, MinInitialPacketSize-len(out))...)
	}
	return out
}

func serverHelloPlaceholder(scid ConnectionId) []byte {
	out := make([]byte, 0, 8+len(scid))
	out = append(out, headerFormLong|fixedBit|(2<<longTypeShift)) // Handshake
	out = append(out, 0, 0, 0, 0)
	out = append(out, 0) // zero-length dcid from server's perspective here
	out = append(out, byte(len(scid)))
	out = append(out, scid...)
	return out
}
