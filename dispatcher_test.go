package quic

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quince-io/quince/transport"
)

// fakeConn is a scriptable transport.Connection test double: each call
// to Process returns the next queued Output (transport.NoOutput()
// once the script is exhausted).
type fakeConn struct {
	outputs   []transport.Output
	phase     transport.ConnPhase
	hasEvents bool
	addr      net.Addr
	odcid     transport.ConnectionId
	received  []*transport.Datagram
}

func (c *fakeConn) Process(dgram *transport.Datagram, now time.Time) transport.Output {
	if dgram != nil {
		c.received = append(c.received, dgram)
	}
	if len(c.outputs) == 0 {
		return transport.NoOutput()
	}
	out := c.outputs[0]
	c.outputs = c.outputs[1:]
	return out
}

func (c *fakeConn) State() transport.ConnState                           { return transport.ConnState{Phase: c.phase} }
func (c *fakeConn) HasEvents() bool                                      { return c.hasEvents }
func (c *fakeConn) SetOriginalDestinationCID(cid transport.ConnectionId) { c.odcid = cid }
func (c *fakeConn) RemoteAddr() net.Addr                                 { return c.addr }

type udpAddrStub struct{ s string }

func (a udpAddrStub) Network() string { return "udp" }
func (a udpAddrStub) String() string  { return a.s }

func newTestDispatcher(now time.Time) *Server {
	cidMgr := transport.NewRandomCIDSource(8)
	antiReplay := transport.NewAntiReplay(time.Second)
	return New(now, []string{"cert.pem"}, []string{"h3"}, antiReplay, cidMgr)
}

// buildInitial assembles a minimal Initial-packet datagram, padded up
// to the anti-amplification floor.
func buildInitial(version uint32, dcid, scid transport.ConnectionId, token []byte) []byte {
	data := []byte{0xC0} // long header, fixed bit set, type bits 00 == Initial
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], version)
	data = append(data, vb[:]...)
	data = append(data, byte(len(dcid)))
	data = append(data, dcid...)
	data = append(data, byte(len(scid)))
	data = append(data, scid...)
	data = append(data, byte(len(token)))
	data = append(data, token...)
	if len(data) < transport.MinInitialPacketSize {
		data = append(data, make([]byte, transport.MinInitialPacketSize-len(data))...)
	}
	return data
}

func buildShort(dcid transport.ConnectionId) []byte {
	data := []byte{0x40}
	data = append(data, dcid...)
	data = append(data, 1, 2, 3)
	return data
}

func TestDispatcherAcceptsNewConnection(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	reply := transport.NewDatagram(nil, nil, []byte("hello"))
	conn := &fakeConn{outputs: []transport.Output{transport.DatagramOutput(reply)}, hasEvents: true}
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	dgram := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, transport.ConnectionId{1, 2, 3, 4}, transport.ConnectionId{5, 6, 7, 8}, nil))

	out := s.Process(dgram, now)
	require.Equal(t, transport.OutputDatagram, out.Kind)
	assert.Equal(t, []byte("hello"), out.Datagram.Payload)

	active := s.ActiveConnections()
	require.Len(t, active, 1)
	assert.Same(t, conn, active[0].Conn)

	// Two consecutive calls with no intervening Process: the second must
	// find the set already drained.
	assert.Empty(t, s.ActiveConnections(), "active_connections must return empty on a second call with no intervening Process")
}

func TestDispatcherRoutesToExistingConnectionByDCID(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)

	var minted []transport.ConnectionId
	conn := &fakeConn{outputs: []transport.Output{
		transport.NoOutput(), // consumed on accept
		transport.DatagramOutput(transport.NewDatagram(nil, nil, []byte("again"))),
	}}
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		cid, err := mgr.GenerateCID()
		require.NoError(t, err)
		minted = append(minted, cid)
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	initial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, transport.ConnectionId{1}, transport.ConnectionId{2}, nil))
	s.Process(initial, now)
	require.Len(t, minted, 1)

	short := transport.NewDatagram(addr, nil, buildShort(minted[0]))
	out := s.Process(short, now)
	require.Equal(t, transport.OutputDatagram, out.Kind)
	assert.Equal(t, []byte("again"), out.Datagram.Payload)
	assert.Len(t, minted, 1, "existing connection routed to directly, factory not called again")
}

func TestDispatcherVersionNegotiationOnMismatch(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)

	addr := udpAddrStub{"client:1"}
	dgram := transport.NewDatagram(addr, nil, buildInitial(0x0000abcd, transport.ConnectionId{1, 2}, transport.ConnectionId{3, 4}, nil))
	out := s.Process(dgram, now)
	require.Equal(t, transport.OutputDatagram, out.Kind)

	hdr, err := transport.DecodeHeader(transport.NewRandomCIDSource(8), out.Datagram.Payload)
	require.NoError(t, err)
	assert.Equal(t, transport.PacketTypeVersionNegotiation, hdr.Type)
	assert.Contains(t, hdr.Versions, uint32(transport.ProtocolVersion))
	assert.Contains(t, hdr.Versions, uint32(transport.GreaseVersion))
}

func TestDispatcherDropsUndersizedInitial(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	addr := udpAddrStub{"client:1"}
	tooSmall := []byte{0xC0, 0, 0, 0, 1, 1, 9, 1, 9, 0}
	out := s.Process(transport.NewDatagram(addr, nil, tooSmall), now)
	assert.Equal(t, transport.OutputNone, out.Kind)
}

func TestDispatcherRetryRoundTrip(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	s.SetRetryRequired(true)

	var minted []transport.ConnectionId
	var capturedODCID transport.ConnectionId
	conn := &fakeConn{outputs: []transport.Output{transport.NoOutput()}}
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		cid, err := mgr.GenerateCID()
		require.NoError(t, err)
		minted = append(minted, cid)
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	clientDCID := transport.ConnectionId{1, 2, 3, 4, 5, 6, 7, 8}
	clientSCID := transport.ConnectionId{9, 9}
	firstInitial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, clientDCID, clientSCID, nil))

	out := s.Process(firstInitial, now)
	require.Equal(t, transport.OutputDatagram, out.Kind)
	assert.Empty(t, minted, "a bare Initial must not accept a connection when retry is required")

	// Parse the Retry datagram by hand (it carries no real AEAD
	// integrity tag in this test harness, so transport.DecodeHeader's
	// Retry branch, which assumes one, is not used here).
	b := out.Datagram.Payload
	pos := 1 + 4
	dcidLen := int(b[pos])
	pos++
	retryDCID := append([]byte(nil), b[pos:pos+dcidLen]...)
	pos += dcidLen
	scidLen := int(b[pos])
	pos++
	retrySCID := append([]byte(nil), b[pos:pos+scidLen]...)
	pos += scidLen
	token := append([]byte(nil), b[pos:]...)
	assert.Equal(t, []byte(clientSCID), retryDCID)

	secondInitial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, retrySCID, clientSCID, token))
	_ = capturedODCID
	out = s.Process(secondInitial, now)
	require.Len(t, minted, 1, "a validated retry token must accept the connection")
	assert.Equal(t, transport.OutputNone, out.Kind) // conn's only queued output was consumed on accept
	assert.True(t, conn.odcid.Equal(clientDCID), "the original client dcid must reach SetOriginalDestinationCID")
}

func TestDispatcherTimerCallbackReschedulesAndFires(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	conn := &fakeConn{outputs: []transport.Output{
		transport.CallbackOutput(10 * time.Millisecond),
		transport.DatagramOutput(transport.NewDatagram(nil, nil, []byte("tick"))),
	}}
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	initial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, transport.ConnectionId{1}, transport.ConnectionId{2}, nil))
	out := s.Process(initial, now)
	require.Equal(t, transport.OutputCallback, out.Kind)
	assert.Equal(t, 10*time.Millisecond, out.Delay)

	later := now.Add(10 * time.Millisecond)
	out = s.Process(nil, later)
	require.Equal(t, transport.OutputDatagram, out.Kind)
	assert.Equal(t, []byte("tick"), out.Datagram.Payload)
}

func TestDispatcherClosedConnectionPurgesRegistry(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	var minted []transport.ConnectionId
	conn := &fakeConn{outputs: []transport.Output{transport.NoOutput()}, phase: transport.StateClosed}
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		cid, err := mgr.GenerateCID()
		require.NoError(t, err)
		minted = append(minted, cid)
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	initial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, transport.ConnectionId{1}, transport.ConnectionId{2}, nil))
	s.Process(initial, now)
	require.Len(t, minted, 1)

	short := transport.NewDatagram(addr, nil, buildShort(minted[0]))
	out := s.Process(short, now)
	assert.Equal(t, transport.OutputNone, out.Kind, "closed connection has nothing left to send")
	assert.Equal(t, 0, s.registry.len(), "a closed connection must not remain reachable from the registry")
}

func TestDispatcherDropsShortHeaderForUnknownCID(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	addr := udpAddrStub{"client:1"}
	unknown := transport.ConnectionId{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22}
	out := s.Process(transport.NewDatagram(addr, nil, buildShort(unknown)), now)
	assert.Equal(t, transport.OutputNone, out.Kind, "a short header for a cid never registered must be dropped silently")
}

func TestDispatcherDormantWithNoWork(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	out := s.Process(nil, now)
	assert.Equal(t, transport.OutputNone, out.Kind, "no connection, no input: dispatcher must report dormant")
}

func TestDispatcherCallbackDelayEqualsEarliestDeadlineMinusNow(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	conn := &fakeConn{outputs: []transport.Output{transport.CallbackOutput(75 * time.Millisecond)}}
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	initial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, transport.ConnectionId{1}, transport.ConnectionId{2}, nil))
	out := s.Process(initial, now)
	require.Equal(t, transport.OutputCallback, out.Kind)
	assert.Equal(t, 75*time.Millisecond, out.Delay)

	// Only a timer is pending; re-entering with no input before the
	// deadline must report exactly the remaining time, never negative.
	later := now.Add(20 * time.Millisecond)
	out = s.Process(nil, later)
	require.Equal(t, transport.OutputCallback, out.Kind)
	assert.Equal(t, 55*time.Millisecond, out.Delay)
}

func TestDispatcherMultiCIDRouting(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)

	var minted []transport.ConnectionId
	conn := &fakeConn{outputs: []transport.Output{
		transport.NoOutput(), // consumed on accept
		transport.DatagramOutput(transport.NewDatagram(nil, nil, []byte("via-a"))),
		transport.DatagramOutput(transport.NewDatagram(nil, nil, []byte("via-b"))),
	}}
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		// Mimics a connection minting its initial SCID, then a second cid
		// later via a NEW_CONNECTION_ID frame.
		a, err := mgr.GenerateCID()
		require.NoError(t, err)
		b, err := mgr.GenerateCID()
		require.NoError(t, err)
		minted = append(minted, a, b)
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	initial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, transport.ConnectionId{1}, transport.ConnectionId{2}, nil))
	s.Process(initial, now)
	require.Len(t, minted, 2)
	assert.NotEqual(t, minted[0], minted[1])

	outA := s.Process(transport.NewDatagram(addr, nil, buildShort(minted[0])), now)
	require.Equal(t, transport.OutputDatagram, outA.Kind)
	assert.Equal(t, []byte("via-a"), outA.Datagram.Payload, "datagram for the first minted cid routes to the owning connection")

	outB := s.Process(transport.NewDatagram(addr, nil, buildShort(minted[1])), now)
	require.Equal(t, transport.OutputDatagram, outB.Kind)
	assert.Equal(t, []byte("via-b"), outB.Datagram.Payload, "datagram for the second minted cid routes to the same connection")
}

func TestDispatcherTimerCoalescesOnReschedule(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)
	conn := &fakeConn{outputs: []transport.Output{
		transport.CallbackOutput(100 * time.Millisecond),
		transport.CallbackOutput(50 * time.Millisecond),
		transport.DatagramOutput(transport.NewDatagram(nil, nil, []byte("fired"))),
	}}
	var mintedCID transport.ConnectionId
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		cid, err := mgr.GenerateCID()
		require.NoError(t, err)
		mintedCID = cid
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	initial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, transport.ConnectionId{1}, transport.ConnectionId{2}, nil))
	out := s.Process(initial, now)
	require.Equal(t, transport.OutputCallback, out.Kind)
	assert.Equal(t, 1, s.timerCount)

	cs, ok := s.registry.lookup(mintedCID)
	require.True(t, ok)
	firstDeadline, has := cs.LastTimer()
	require.True(t, has)
	assert.Equal(t, now.Add(100*time.Millisecond), firstDeadline)

	// A second Callback with a different delay arrives before the first
	// one fires: the dispatcher must remove the stale entry rather than
	// accumulate a second one.
	short := transport.NewDatagram(addr, nil, buildShort(mintedCID))
	out = s.Process(short, now)
	require.Equal(t, transport.OutputCallback, out.Kind)
	assert.Equal(t, 1, s.timerCount, "exactly one timer entry survives a reschedule")
	secondDeadline, has := cs.LastTimer()
	require.True(t, has)
	assert.Equal(t, now.Add(50*time.Millisecond), secondDeadline, "deadline equals the second call's target")

	later := now.Add(50 * time.Millisecond)
	out = s.Process(nil, later)
	require.Equal(t, transport.OutputDatagram, out.Kind)
	assert.Equal(t, []byte("fired"), out.Datagram.Payload)
	assert.Equal(t, 0, s.timerCount)
}

func TestDispatcherCoalescedPacketsRouteByFirstHeaderAndDeliverWhole(t *testing.T) {
	now := time.Now()
	s := newTestDispatcher(now)

	var minted []transport.ConnectionId
	conn := &fakeConn{outputs: []transport.Output{
		transport.NoOutput(), // consumed on accept
		transport.DatagramOutput(transport.NewDatagram(nil, nil, []byte("ack"))),
	}}
	s.SetConnectionFactory(func(certs, alpns []string, ar *transport.AntiReplay, mgr transport.CIDSource, addr net.Addr) (transport.Connection, error) {
		cid, err := mgr.GenerateCID()
		require.NoError(t, err)
		minted = append(minted, cid)
		conn.addr = addr
		return conn, nil
	})

	addr := udpAddrStub{"client:1"}
	initial := transport.NewDatagram(addr, nil, buildInitial(transport.ProtocolVersion, transport.ConnectionId{1, 2, 3, 4}, transport.ConnectionId{5, 6}, nil))
	s.Process(initial, now)
	require.Len(t, minted, 1)

	// Coalesce a short packet for the now-registered connection with a
	// second, bogus packet addressed to an unrelated connection id.
	// Routing must key off the first header's DCID only, and the
	// connection must receive the whole datagram unopened.
	first := buildShort(minted[0])
	second := buildShort(transport.ConnectionId{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	coalesced := append(append([]byte{}, first...), second...)

	dgram := transport.NewDatagram(addr, nil, coalesced)
	out := s.Process(dgram, now)
	require.Equal(t, transport.OutputDatagram, out.Kind)
	assert.Equal(t, []byte("ack"), out.Datagram.Payload)

	require.NotEmpty(t, conn.received)
	assert.Equal(t, coalesced, conn.received[len(conn.received)-1].Payload,
		"the whole coalesced datagram is handed to the connection as one opaque unit")
}
