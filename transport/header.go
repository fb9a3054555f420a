package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PacketType discriminates the long/short header packet types the
// dispatcher needs to distinguish. It does not attempt to represent
// every QUIC frame-level detail — packet number and payload decryption
// belong to the (out of scope) connection/AEAD layer.
type PacketType int

const (
	// PacketTypeInitial carries the TLS ClientHello/ServerHello CRYPTO data.
	PacketTypeInitial PacketType = iota
	PacketTypeZeroRTT
	PacketTypeHandshake
	PacketTypeRetry
	PacketTypeVersionNegotiation
	// PacketTypeShort is the 1-RTT short header.
	PacketTypeShort
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "Initial"
	case PacketTypeZeroRTT:
		return "0-RTT"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeRetry:
		return "Retry"
	case PacketTypeVersionNegotiation:
		return "VersionNegotiation"
	case PacketTypeShort:
		return "Short"
	default:
		return "Unknown"
	}
}

const (
	headerFormLong = 0x80
	fixedBit       = 0x40
	longTypeMask   = 0x30
	longTypeShift  = 4
)

// Header is the union of long/short header fields the dispatcher needs
// to route a datagram. Only the first packet's header in a datagram is
// ever materialized; everything after it is opaque payload handed to
// the owning connection.
type Header struct {
	Type      PacketType
	DCID      ConnectionId
	SCID      ConnectionId // absent (nil) on a short header
	Version   uint32       // 0 for short header / absent
	Token     []byte       // Initial token (possibly empty), or Retry token to emit
	ODCID     ConnectionId // Retry only: the client's original destination CID
	Versions  []uint32     // VersionNegotiation only
	PacketNum uint64       // left zero: packet number decryption is out of scope here
	Epoch     int
}

// ErrTruncatedHeader is returned when a datagram is too short to contain
// a full header.
var ErrTruncatedHeader = errors.New("transport: truncated packet header")

// DecodeHeader parses just enough of the first packet in data to route
// it: the destination (and, for long headers, source) connection id,
// the version, and the packet type. cidDecoder resolves the
// destination CID of short-header packets, whose length is not
// self-describing on the wire.
func DecodeHeader(cidDecoder CIDDecoder, data []byte) (*Header, error) {
	dec := NewDecoder(data)
	first, ok := dec.Byte()
	if !ok {
		return nil, ErrTruncatedHeader
	}
	if first&headerFormLong == 0 {
		return decodeShortHeader(cidDecoder, dec)
	}
	return decodeLongHeader(first, dec)
}

func decodeShortHeader(cidDecoder CIDDecoder, dec *Decoder) (*Header, error) {
	dcid, ok := cidDecoder.DecodeCID(dec)
	if !ok {
		return nil, ErrTruncatedHeader
	}
	return &Header{
		Type: PacketTypeShort,
		DCID: dcid,
	}, nil
}

func decodeLongHeader(first byte, dec *Decoder) (*Header, error) {
	version, ok := dec.Uint32()
	if !ok {
		return nil, ErrTruncatedHeader
	}
	dcidLen, ok := dec.Byte()
	if !ok {
		return nil, ErrTruncatedHeader
	}
	dcidBytes, ok := dec.Take(int(dcidLen))
	if !ok {
		return nil, ErrTruncatedHeader
	}
	scidLen, ok := dec.Byte()
	if !ok {
		return nil, ErrTruncatedHeader
	}
	scidBytes, ok := dec.Take(int(scidLen))
	if !ok {
		return nil, ErrTruncatedHeader
	}
	hdr := &Header{
		DCID:    ConnectionId(dcidBytes).Clone(),
		SCID:    ConnectionId(scidBytes).Clone(),
		Version: version,
	}
	if version == 0 {
		hdr.Type = PacketTypeVersionNegotiation
		hdr.Versions = nil
		for dec.Remaining() >= 4 {
			v, _ := dec.Uint32()
			hdr.Versions = append(hdr.Versions, v)
		}
		return hdr, nil
	}
	switch (first & longTypeMask) >> longTypeShift {
	case 0:
		hdr.Type = PacketTypeInitial
		tokenLen, ok := dec.VarintLen()
		if !ok {
			return nil, ErrTruncatedHeader
		}
		token, ok := dec.Take(int(tokenLen))
		if !ok {
			return nil, ErrTruncatedHeader
		}
		hdr.Token = append([]byte(nil), token...)
	case 1:
		hdr.Type = PacketTypeZeroRTT
	case 2:
		hdr.Type = PacketTypeHandshake
	case 3:
		hdr.Type = PacketTypeRetry
		// Everything remaining, less the 16-byte integrity tag, is the
		// opaque retry token. Servers never need to parse a Retry they
		// receive (only clients do), so this branch is best-effort. The
		// original destination CID is not on the wire, so ODCID stays nil.
		remaining := dec.Remaining()
		if remaining < 16 {
			return nil, ErrTruncatedHeader
		}
		token, _ := dec.Take(remaining - 16)
		hdr.Token = append([]byte(nil), token...)
	}
	return hdr, nil
}

// EncodeVersionNegotiation produces the wire bytes for a stateless
// Version Negotiation reply. hdr.DCID/hdr.SCID/hdr.Versions must
// already be set to the values to advertise (see
// Server.createVersionNegotiation).
func EncodeVersionNegotiation(hdr *Header) []byte {
	out := make([]byte, 0, 7+len(hdr.DCID)+len(hdr.SCID)+4*len(hdr.Versions))
	out = append(out, headerFormLong|fixedBit)
	out = append(out, 0, 0, 0, 0) // version 0 marks Version Negotiation
	out = append(out, byte(len(hdr.DCID)))
	out = append(out, hdr.DCID...)
	out = append(out, byte(len(hdr.SCID)))
	out = append(out, hdr.SCID...)
	for _, v := range hdr.Versions {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	return out
}

// EncodeRetry produces the wire bytes for a Retry packet. The final
// 16-byte integrity tag that RFC 9001 §5.8 requires is out of scope
// (it depends on the AEAD layer modelled opaquely here); callers that
// need wire compatibility with a real client must append it downstream
// of this encoder, keyed to hdr.ODCID.
func EncodeRetry(hdr *Header) []byte {
	out := make([]byte, 0, 7+len(hdr.DCID)+len(hdr.SCID)+len(hdr.Token))
	out = append(out, headerFormLong|fixedBit|(3<<longTypeShift))
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], hdr.Version)
	out = append(out, vb[:]...)
	out = append(out, byte(len(hdr.DCID)))
	out = append(out, hdr.DCID...)
	out = append(out, byte(len(hdr.SCID)))
	out = append(out, hdr.SCID...)
	out = append(out, hdr.Token...)
	return out
}
