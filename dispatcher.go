// Package quic implements the connection-dispatch core of a QUIC
// server: the subsystem that accepts UDP datagrams, routes each to the
// correct in-flight connection, performs the version-negotiation and
// Retry pre-checks that precede the cryptographic handshake, drives a
// population of per-connection state machines forward in time, and
// decides when the server next needs CPU.
//
// The per-connection QUIC state machine, the AEAD/key-schedule
// primitives, the wire-format codec, the raw UDP socket layer, and
// logging backends are all external collaborators referenced only
// through interfaces; see package transport for their contracts.
package quic

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/quince-io/quince/timer"
	"github.com/quince-io/quince/transport"
)

const (
	// TimerGranularity is the hashed wheel's bucket width.
	TimerGranularity = 10 * time.Millisecond
	// TimerCapacity is the hashed wheel's bucket count.
	TimerCapacity = 16384
)

// Server is the connection dispatcher. It classifies inbound
// datagrams, drives connections, maintains the waiting queue and
// active-event set, and produces the next Output. A Server is not
// internally thread-safe: Process must be called from a single
// goroutine. A host that wants to use multiple cores runs several
// Servers bound to disjoint socket partitions.
type Server struct {
	version    uint32
	certs      []string
	alpns      []string
	antiReplay *transport.AntiReplay
	cidManager transport.CIDSource

	registry *registry
	retry    retryValidator

	waiting []*ConnectionState
	active  map[*ConnectionState]struct{}
	timers  *timer.Wheel[*ConnectionState]

	connFactory transport.ConnectionFactory
	logger      Logger
	metrics     *metricsCollector

	timerCount int
}

// New constructs a Server. now is the instant the server is
// instantiated (the timer wheel's epoch); certs and alpns are the
// server's certificate names and ALPN preference list; antiReplay is
// the 0-RTT anti-replay context; cidManager mints and decodes the
// server's own (pre-connection) connection ids, e.g. the SCID placed
// on a Retry packet.
func New(now time.Time, certs, alpns []string, antiReplay *transport.AntiReplay, cidManager transport.CIDSource) *Server {
	return &Server{
		version:     transport.ProtocolVersion,
		certs:       certs,
		alpns:       alpns,
		antiReplay:  antiReplay,
		cidManager:  cidManager,
		registry:    newRegistry(),
		retry:       newRetryToken(),
		active:      make(map[*ConnectionState]struct{}),
		timers:      timer.New[*ConnectionState](now, TimerGranularity, TimerCapacity),
		connFactory: transport.NewServerConn,
		logger:      noopLogger{},
	}
}

// SetRetryRequired toggles whether a fresh Initial must be answered
// with a Retry before any connection state is created.
func (s *Server) SetRetryRequired(require bool) {
	s.retry.setRetryRequired(require)
}

// SetLogger installs the Logger the dispatcher reports through.
func (s *Server) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	s.logger = l
}

// SetConnectionFactory overrides how new server-side connections are
// constructed. Production callers plug a real TLS/QUIC state machine
// in here; transport.NewServerConn (the default) is a handshake-lite
// stand-in suitable for tests and demos.
func (s *Server) SetConnectionFactory(f transport.ConnectionFactory) {
	s.connFactory = f
}

// String reports a one-line summary of dispatcher load, for logging.
func (s *Server) String() string {
	return fmt.Sprintf("Server{connections=%d active=%d waiting=%d timers=%d}",
		s.registry.len(), len(s.active), len(s.waiting), s.timerCount)
}

// Process is the drive-loop contract. Given an optional inbound
// datagram and the current instant, it returns exactly one of a
// Datagram to send immediately, a Callback asking to be re-entered
// after a delay, or None (dormant; the next call must supply input).
func (s *Server) Process(dgram *transport.Datagram, now time.Time) transport.Output {
	var out *transport.Datagram
	if dgram != nil {
		out = s.processInput(dgram, now)
	}
	if out == nil {
		out = s.processNextOutput(now)
	}
	if out != nil {
		return transport.DatagramOutput(out)
	}
	if delay, ok := s.nextTime(now); ok {
		return transport.CallbackOutput(delay)
	}
	return transport.NoOutput()
}

// processInput decodes the first packet header of dgram and routes it.
// Only the first packet's header is ever decoded; all packets
// coalesced into dgram are routed, and handed over opaquely, together.
func (s *Server) processInput(dgram *transport.Datagram, now time.Time) *transport.Datagram {
	hdr, err := transport.DecodeHeader(s.cidManager, dgram.Payload)
	if err != nil {
		s.logger.Log(LevelTrace, "%s %v", dgram.Source, errors.Wrap(err, ErrHeaderDecode.Error()))
		return nil
	}

	if cs, ok := s.registry.lookup(hdr.DCID); ok {
		return s.processConnection(cs, dgram, now)
	}

	switch {
	case hdr.Type == transport.PacketTypeShort:
		// A stateless reset could be emitted here; left as an open hook.
		s.logger.Log(LevelTrace, "%s short header for unknown connection %s", dgram.Source, hdr.DCID)
		return nil
	case len(dgram.Payload) < transport.MinInitialPacketSize:
		s.logger.Log(LevelTrace, "%s undersized initial datagram (%d bytes)", dgram.Source, len(dgram.Payload))
		return nil
	case !transport.VersionSupported(hdr.Version):
		return s.createVersionNegotiation(hdr, dgram)
	default:
		return s.handleInitial(hdr, dgram, now)
	}
}

// createVersionNegotiation synthesizes a stateless VN reply advertising
// the server's one supported version plus a GREASE value.
func (s *Server) createVersionNegotiation(hdr *transport.Header, dgram *transport.Datagram) *transport.Datagram {
	payload := transport.EncodeVersionNegotiation(&transport.Header{
		DCID:     hdr.SCID,
		SCID:     hdr.DCID,
		Versions: []uint32{s.version, transport.GreaseVersion},
	})
	s.metrics.incVersionNegotiation()
	return dgram.Reply(payload)
}

// handleInitial classifies an Initial packet through the Retry-token
// module and either drops it, accepts a new connection, or replies
// with a Retry.
func (s *Server) handleInitial(hdr *transport.Header, dgram *transport.Datagram, now time.Time) *transport.Datagram {
	outcome, odcid := s.retry.validate(hdr)
	switch outcome {
	case retryInvalid:
		s.logger.Log(LevelTrace, "%s invalid retry token", dgram.Source)
		return nil
	case retryPass:
		return s.acceptConnection(nil, dgram, now)
	case retryValid:
		return s.acceptConnection(odcid, dgram, now)
	case retryValidateRequired:
		s.logger.Log(LevelInfo, "%s send retry for %s", dgram.Source, hdr.DCID)
		token := s.retry.generateToken(hdr.DCID)
		scid, err := s.cidManager.GenerateCID()
		if err != nil {
			s.logger.Log(LevelWarn, "%s failed to mint retry source cid: %v", dgram.Source, err)
			return nil
		}
		payload := transport.EncodeRetry(&transport.Header{
			Type:    transport.PacketTypeRetry,
			DCID:    hdr.SCID,
			SCID:    scid,
			Version: s.version,
			ODCID:   hdr.DCID,
			Token:   token,
		})
		s.metrics.incRetry()
		return dgram.Reply(payload)
	default:
		return nil
	}
}

// acceptConnection constructs a new server connection for an Initial
// that passed (or was exempted from) address validation. odcid, when
// non-nil, is the client's original destination CID recovered from a
// validated Retry token.
func (s *Server) acceptConnection(odcid transport.ConnectionId, dgram *transport.Datagram, now time.Time) *transport.Datagram {
	s.logger.Log(LevelInfo, "%s accept connection", dgram.Source)
	mgr := newServerCIDManager(s.cidManager, s.registry)
	cs := newConnectionState(nil)
	mgr.setOwner(cs)
	conn, err := s.connFactory(s.certs, s.alpns, s.antiReplay, mgr, dgram.Source)
	if err != nil {
		s.logger.Log(LevelWarn, "%s %v", dgram.Source, errors.Wrap(err, ErrConnectionConstruction.Error()))
		s.metrics.incConnectionFailure()
		s.registry.purge(cs)
		return nil
	}
	if odcid != nil {
		conn.SetOriginalDestinationCID(odcid)
	}
	cs.Conn = conn
	s.metrics.incAccepted()
	return s.processConnection(cs, dgram, now)
}

// processConnection drives one connection with an optional inbound
// datagram and folds its Output back into the dispatcher's waiting
// queue, timer wheel, and active set.
func (s *Server) processConnection(cs *ConnectionState, dgram *transport.Datagram, now time.Time) *transport.Datagram {
	s.logger.Log(LevelTrace, "process connection %p", cs)
	var in *transport.Datagram
	if dgram != nil {
		in = dgram
	}
	out := cs.Conn.Process(in, now)
	switch out.Kind {
	case transport.OutputDatagram:
		s.logger.Log(LevelTrace, "sending packet, added to waiting connections")
		s.waiting = append(s.waiting, cs)
	case transport.OutputCallback:
		target := now.Add(out.Delay)
		last, has := cs.LastTimer()
		if !has || !target.Equal(last) {
			s.logger.Log(LevelTrace, "change timer to %s", target)
			s.removeTimer(cs)
			cs.lastTimer = target
			cs.hasTimer = true
			s.timers.Add(target, cs)
			s.timerCount++
		}
	default:
		s.removeTimer(cs)
	}
	if cs.Conn.HasEvents() {
		s.logger.Log(LevelTrace, "connection active %p", cs)
		s.active[cs] = struct{}{}
	}
	if cs.Conn.State().Phase == transport.StateClosed {
		s.registry.purge(cs)
	}
	return out.Datagram
}

// removeTimer deletes cs's current timer entry, if it has one.
func (s *Server) removeTimer(cs *ConnectionState) {
	last, has := cs.LastTimer()
	if !has {
		return
	}
	if s.timers.Remove(last, func(v *ConnectionState) bool { return v == cs }) {
		s.timerCount--
	}
	cs.hasTimer = false
}

// processNextOutput drains the waiting queue front-to-back, then the
// timer wheel's due entries, stopping at the first datagram produced.
func (s *Server) processNextOutput(now time.Time) *transport.Datagram {
	for len(s.waiting) > 0 {
		cs := s.waiting[0]
		s.waiting = s.waiting[1:]
		if d := s.processConnection(cs, nil, now); d != nil {
			return d
		}
	}
	for {
		cs, ok := s.timers.TakeNext(now)
		if !ok {
			break
		}
		cs.hasTimer = false
		s.timerCount--
		if d := s.processConnection(cs, nil, now); d != nil {
			return d
		}
	}
	return nil
}

// nextTime computes how long until the dispatcher next needs CPU: zero
// if work is already owed (waiting non-empty), the timer wheel's
// earliest deadline otherwise, or "no work" if both are empty.
func (s *Server) nextTime(now time.Time) (time.Duration, bool) {
	if len(s.waiting) > 0 {
		return 0, true
	}
	if d, ok := s.timers.NextTime(); ok {
		delay := d.Sub(now)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

// ActiveConnections drains and returns the set of connections that
// have received new events since the last call. Calling it twice in a
// row with no intervening Process returns the events, then nothing.
func (s *Server) ActiveConnections() []*ConnectionState {
	if len(s.active) == 0 {
		return nil
	}
	out := make([]*ConnectionState, 0, len(s.active))
	for cs := range s.active {
		out = append(out, cs)
	}
	s.active = make(map[*ConnectionState]struct{})
	return out
}
