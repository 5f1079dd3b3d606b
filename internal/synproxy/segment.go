package synproxy

import "encoding/binary"

// tcpFlags bit positions within the TCP header's flags byte.
const (
	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagACK = 1 << 4
)

// segment is the minimal parsed view of an IPv4/TCP segment the SYN proxy
// needs: enough to recognize a bare SYN, bind a cookie to its 3-tuple, and
// later recognize the matching ACK.
type segment struct {
	srcIP   [4]byte
	dstIP   [4]byte
	srcPort uint16
	dstPort uint16
	seq     uint32
	ackSeq  uint32
	flags   byte
}

// parseSegment extracts a segment from a raw IPv4 packet. It returns false
// if the packet is not IPv4/TCP or is too short to contain full headers.
func parseSegment(raw []byte) (segment, bool) {
	if len(raw) < 20 {
		return segment{}, false
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < 20 || len(raw) < ihl+20 {
		return segment{}, false
	}
	proto := raw[9]
	if proto != 6 { // TCP
		return segment{}, false
	}

	var s segment
	copy(s.srcIP[:], raw[12:16])
	copy(s.dstIP[:], raw[16:20])

	tcp := raw[ihl:]
	s.srcPort = binary.BigEndian.Uint16(tcp[0:2])
	s.dstPort = binary.BigEndian.Uint16(tcp[2:4])
	s.seq = binary.BigEndian.Uint32(tcp[4:8])
	s.ackSeq = binary.BigEndian.Uint32(tcp[8:12])
	s.flags = tcp[13]
	return s, true
}

func (s segment) isBareSYN() bool {
	return s.flags&flagSYN != 0 && s.flags&flagACK == 0
}

func (s segment) isACK() bool {
	return s.flags&flagACK != 0 && s.flags&flagSYN == 0
}

// buildSynAck constructs an IPv4/TCP SYN-ACK segment whose initial sequence
// number is the SYN cookie, acknowledging the client's ISN+1. Checksums are
// computed per RFC 793/791 over a pseudo-header.
func buildSynAck(req segment, cookie uint32) []byte {
	const ipHeaderLen = 20
	const tcpHeaderLen = 20

	pkt := make([]byte, ipHeaderLen+tcpHeaderLen)

	ip := pkt[:ipHeaderLen]
	ip[0] = 0x45 // version 4, IHL 5
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(pkt)))
	binary.BigEndian.PutUint16(ip[4:6], 0) // id
	ip[8] = 64                             // TTL
	ip[9] = 6                              // TCP
	copy(ip[12:16], req.dstIP[:])
	copy(ip[16:20], req.srcIP[:])
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip))

	tcp := pkt[ipHeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], req.dstPort)
	binary.BigEndian.PutUint16(tcp[2:4], req.srcPort)
	binary.BigEndian.PutUint32(tcp[4:8], cookie)
	binary.BigEndian.PutUint32(tcp[8:12], req.seq+1)
	tcp[12] = 5 << 4 // data offset
	tcp[13] = flagSYN | flagACK
	binary.BigEndian.PutUint16(tcp[14:16], 65535) // window

	sum := tcpChecksum(req.dstIP, req.srcIP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], sum)

	return pkt
}

func ipChecksum(header []byte) uint16 {
	return checksum(header)
}

func tcpChecksum(srcIP, dstIP [4]byte, tcpSegment []byte) uint16 {
	pseudo := make([]byte, 12+len(tcpSegment))
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = 6 // protocol TCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpSegment)))
	copy(pseudo[12:], tcpSegment)
	return checksum(pseudo)
}

func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
