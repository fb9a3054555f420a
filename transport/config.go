// Package transport provides implementation of QUIC transport protocol.
package transport

import (
	"crypto/tls"
	"time"
)

var (
	// ProtocolVersion is the single QUIC version this server supports;
	// running multiple concurrent versions on one server is out of scope.
	ProtocolVersion uint32 = 0xff000000 + 29

	// GreaseVersion is advertised alongside ProtocolVersion in Version
	// Negotiation replies to exercise client forward-compatibility
	// handling, per RFC 9000 §15.3.
	GreaseVersion uint32 = 0xaabacada
)

const (
	// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#path-maximum-transmission-unit-pmtu

	// MaxIPv6PacketSize is the QUIC maximum packet size for IPv6 when Path MTU Discovery is missing.
	MaxIPv6PacketSize = 1232
	// MaxIPv4PacketSize is the QUIC maximum packet size for IPv4 when Path MTU Discovery is missing.
	MaxIPv4PacketSize = 1252
	// MaxPacketSize is the maximum permitted UDP payload.
	MaxPacketSize = 65527
	// MinInitialPacketSize is the QUIC minimum datagram size when it
	// carries an Initial packet (the anti-amplification floor).
	MinInitialPacketSize = 1200
)

// Parameters holds the subset of QUIC transport parameters this
// implementation negotiates. It is populated with sensible defaults by
// NewConfig and is otherwise opaque to the dispatcher.
type Parameters struct {
	MaxIdleTimeout   time.Duration
	AckDelayExponent uint64
	MaxAckDelay      time.Duration

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64
}

// Config is a QUIC connection configuration.
// The TLS field is carried as-is; nothing in this module reads it.
type Config struct {
	Version uint32
	TLS     *tls.Config
	Params  Parameters

	// ALPNProtocols lists the application protocols this endpoint offers,
	// in preference order.
	ALPNProtocols []string
	// Certificates names the certificates the server should present;
	// an empty list is only valid for clients.
	Certificates []string
	// RequireRetry, when set, makes the dispatcher answer every fresh
	// Initial with a Retry before creating connection state.
	RequireRetry bool
	// CIDLength is the length in bytes of server-minted connection ids.
	CIDLength int
}

// NewConfig creates a default configuration.
func NewConfig() *Config {
	return &Config{
		Version:   ProtocolVersion,
		CIDLength: DefaultCIDLength,
		Params: Parameters{
			MaxIdleTimeout:   30 * time.Second,
			AckDelayExponent: 3,
			MaxAckDelay:      25 * time.Millisecond,

			InitialMaxData:                 1024,
			InitialMaxStreamDataBidiLocal:  1024,
			InitialMaxStreamDataBidiRemote: 1024,
			InitialMaxStreamDataUni:        1024,
			InitialMaxStreamsBidi:          1,
			InitialMaxStreamsUni:           1,
		},
	}
}

// VersionSupported reports whether ver is a QUIC version this
// implementation can speak. Callers compare against it instead of
// ProtocolVersion directly so a future multi-version server has one
// place to extend.
func VersionSupported(ver uint32) bool {
	return ver == ProtocolVersion
}
