package synproxy

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildRawSyn(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq uint32, flags byte) []byte {
	pkt := make([]byte, 40)
	pkt[0] = 0x45
	pkt[9] = 6
	copy(pkt[12:16], srcIP[:])
	copy(pkt[16:20], dstIP[:])

	tcp := pkt[20:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	tcp[13] = flags
	return pkt
}

func TestParseSegmentRecognizesBareSyn(t *testing.T) {
	raw := buildRawSyn([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5555, 443, 100, flagSYN)
	seg, ok := parseSegment(raw)
	require.True(t, ok)
	require.True(t, seg.isBareSYN())
	require.False(t, seg.isACK())
	require.Equal(t, uint16(5555), seg.srcPort)
}

func TestParseSegmentRecognizesAck(t *testing.T) {
	raw := buildRawSyn([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5555, 443, 100, flagACK)
	seg, ok := parseSegment(raw)
	require.True(t, ok)
	require.False(t, seg.isBareSYN())
	require.True(t, seg.isACK())
}

func TestParseSegmentRejectsShortPacket(t *testing.T) {
	_, ok := parseSegment([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestParseSegmentRejectsNonTCP(t *testing.T) {
	raw := buildRawSyn([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5555, 443, 100, flagSYN)
	raw[9] = 17 // UDP
	_, ok := parseSegment(raw)
	require.False(t, ok)
}

func TestBuildSynAckSwapsPortsAndAcksIsnPlusOne(t *testing.T) {
	req, _ := parseSegment(buildRawSyn([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 5555, 443, 100, flagSYN))
	pkt := buildSynAck(req, 0xdeadbeef)

	tcp := pkt[20:]
	require.Equal(t, uint16(443), binary.BigEndian.Uint16(tcp[0:2]))
	require.Equal(t, uint16(5555), binary.BigEndian.Uint16(tcp[2:4]))
	require.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(tcp[4:8]))
	require.Equal(t, uint32(101), binary.BigEndian.Uint32(tcp[8:12]))
	require.Equal(t, byte(flagSYN|flagACK), tcp[13])
}

func TestChecksumIsSelfConsistent(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	c1 := checksum(data)
	c2 := checksum(data)
	require.Equal(t, c1, c2)
}
