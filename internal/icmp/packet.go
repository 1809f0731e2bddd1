package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ICMP message types used by the probe engine.
const (
	TypeEchoReply   uint8 = 0
	TypeEchoRequest uint8 = 8
)

const (
	// HeaderLen is the size of the ICMP Echo header.
	HeaderLen = 8
	// IPv4HeaderLen is the fixed IPv4 header prefix; options are ignored.
	IPv4HeaderLen = 20
	// MaxPayload is the largest Echo payload that fits in one IPv4 datagram.
	MaxPayload = 65535 - IPv4HeaderLen - HeaderLen

	payloadBase = 0x42
)

// ErrShortPacket is returned when a datagram cannot hold both headers.
var ErrShortPacket = errors.New("packet too short")

// BuildEchoRequest returns an Echo Request carrying id, seq and a payload of
// size bytes.
func BuildEchoRequest(id, seq uint16, size int) ([]byte, error) {
	if size < 0 || size > MaxPayload {
		return nil, fmt.Errorf("payload size %d out of range [0, %d]", size, MaxPayload)
	}

	pkt := make([]byte, HeaderLen+size)
	pkt[0] = TypeEchoRequest
	pkt[1] = 0
	binary.BigEndian.PutUint16(pkt[4:6], id)
	binary.BigEndian.PutUint16(pkt[6:8], seq)
	for i := 0; i < size; i++ {
		pkt[HeaderLen+i] = byte(payloadBase + i)
	}

	binary.BigEndian.PutUint16(pkt[2:4], Checksum(pkt))
	return pkt, nil
}

// Checksum computes the RFC 792 Internet checksum of b. Words are read in
// network order and an odd trailing byte is padded with a zero low byte, so
// the result can be stored big-endian without further swapping.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// IPHeader holds the fixed fields of an IPv4 header.
type IPHeader struct {
	VersionIHL  uint8
	TOS         uint8
	TotalLength uint16
	ID          uint16
	Flags       uint16
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	SrcAddr     uint32
	DstAddr     uint32
}

// Source renders the source address as dotted-quad.
func (h IPHeader) Source() string {
	return uint32ToIP(h.SrcAddr).String()
}

// Destination renders the destination address as dotted-quad.
func (h IPHeader) Destination() string {
	return uint32ToIP(h.DstAddr).String()
}

// ICMPHeader holds the Echo header fields.
type ICMPHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	ID       uint16
	Seq      uint16
}

// IsEchoReply reports whether the header is an Echo Reply.
func (h ICMPHeader) IsEchoReply() bool {
	return h.Type == TypeEchoReply && h.Code == 0
}

// ParseHeaders splits a raw-socket datagram into its IPv4 and ICMP headers.
func ParseHeaders(b []byte) (IPHeader, ICMPHeader, error) {
	if len(b) < IPv4HeaderLen+HeaderLen {
		return IPHeader{}, ICMPHeader{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}

	ip := IPHeader{
		VersionIHL:  b[0],
		TOS:         b[1],
		TotalLength: binary.BigEndian.Uint16(b[2:4]),
		ID:          binary.BigEndian.Uint16(b[4:6]),
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		TTL:         b[8],
		Protocol:    b[9],
		Checksum:    binary.BigEndian.Uint16(b[10:12]),
		SrcAddr:     binary.BigEndian.Uint32(b[12:16]),
		DstAddr:     binary.BigEndian.Uint32(b[16:20]),
	}

	c := b[IPv4HeaderLen:]
	hdr := ICMPHeader{
		Type:     c[0],
		Code:     c[1],
		Checksum: binary.BigEndian.Uint16(c[2:4]),
		ID:       binary.BigEndian.Uint16(c[4:6]),
		Seq:      binary.BigEndian.Uint16(c[6:8]),
	}
	return ip, hdr, nil
}

// IPToUint32 converts an IPv4 address to its big-endian integer form. It
// returns false for anything that is not IPv4.
func IPToUint32(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
