package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeaderShort(t *testing.T) {
	cidSrc := NewRandomCIDSource(8)
	dcid, err := cidSrc.GenerateCID()
	require.NoError(t, err)

	data := append([]byte{0x40}, dcid...)
	data = append(data, 0x01, 0x02, 0x03) // opaque payload

	hdr, err := DecodeHeader(cidSrc, data)
	require.NoError(t, err)
	assert.Equal(t, PacketTypeShort, hdr.Type)
	assert.True(t, hdr.DCID.Equal(dcid))
}

func TestDecodeHeaderShortTruncated(t *testing.T) {
	cidSrc := NewRandomCIDSource(8)
	data := []byte{0x40, 0x01, 0x02} // fewer bytes than the CID length
	_, err := DecodeHeader(cidSrc, data)
	assert.Error(t, err)
}

func TestDecodeHeaderInitialRoundTrip(t *testing.T) {
	cidSrc := NewRandomCIDSource(8)
	dcid := ConnectionId{1, 2, 3, 4}
	scid := ConnectionId{5, 6, 7, 8}
	token := []byte{0xAA, 0xBB}

	data := []byte{headerFormLong | fixedBit} // type bits 00 == Initial
	data = append(data, byte(ProtocolVersion>>24), byte(ProtocolVersion>>16), byte(ProtocolVersion>>8), byte(ProtocolVersion))
	data = append(data, byte(len(dcid)))
	data = append(data, dcid...)
	data = append(data, byte(len(scid)))
	data = append(data, scid...)
	data = append(data, byte(len(token))) // varint: fits in 1 byte (<=0x3f)
	data = append(data, token...)

	hdr, err := DecodeHeader(cidSrc, data)
	require.NoError(t, err)
	assert.Equal(t, PacketTypeInitial, hdr.Type)
	assert.True(t, hdr.DCID.Equal(dcid))
	assert.True(t, hdr.SCID.Equal(scid))
	assert.Equal(t, uint32(ProtocolVersion), hdr.Version)
	assert.Equal(t, token, hdr.Token)
}

func TestDecodeHeaderVersionNegotiation(t *testing.T) {
	cidSrc := NewRandomCIDSource(8)
	dcid := ConnectionId{1, 2}
	scid := ConnectionId{3, 4}

	data := []byte{headerFormLong | fixedBit, 0, 0, 0, 0}
	data = append(data, byte(len(dcid)))
	data = append(data, dcid...)
	data = append(data, byte(len(scid)))
	data = append(data, scid...)
	data = append(data, 0, 0, 0, 1, 0, 0, 0, 2) // two advertised versions

	hdr, err := DecodeHeader(cidSrc, data)
	require.NoError(t, err)
	assert.Equal(t, PacketTypeVersionNegotiation, hdr.Type)
	assert.Equal(t, []uint32{1, 2}, hdr.Versions)
}

func TestEncodeVersionNegotiationRoundTrip(t *testing.T) {
	cidSrc := NewRandomCIDSource(8)
	in := &Header{
		DCID:     ConnectionId{9, 9},
		SCID:     ConnectionId{8, 8},
		Versions: []uint32{ProtocolVersion, GreaseVersion},
	}
	wire := EncodeVersionNegotiation(in)
	out, err := DecodeHeader(cidSrc, wire)
	require.NoError(t, err)
	assert.Equal(t, PacketTypeVersionNegotiation, out.Type)
	assert.True(t, out.DCID.Equal(in.DCID))
	assert.True(t, out.SCID.Equal(in.SCID))
	assert.Equal(t, in.Versions, out.Versions)
}

func TestEncodeRetryCarriesODCID(t *testing.T) {
	cidSrc := NewRandomCIDSource(8)
	odcid := ConnectionId{1, 2, 3, 4, 5, 6, 7, 8}
	token := append([]byte{0x01, 0x02, 0x03}, odcid...)
	in := &Header{
		Type:    PacketTypeRetry,
		DCID:    ConnectionId{10, 11},
		SCID:    ConnectionId{12, 13},
		Version: ProtocolVersion,
		ODCID:   odcid,
		Token:   token,
	}
	wire := EncodeRetry(in)
	wire = append(wire, make([]byte, 16)...) // stand-in integrity tag

	out, err := DecodeHeader(cidSrc, wire)
	require.NoError(t, err)
	assert.Equal(t, PacketTypeRetry, out.Type)
	assert.Equal(t, token, out.Token)
}

func TestConnectionIdHexAndClone(t *testing.T) {
	cid := ConnectionId{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "deadbeef", cid.String())
	clone := cid.Clone()
	assert.True(t, cid.Equal(clone))
	clone[0] = 0
	assert.False(t, cid.Equal(clone))
}
