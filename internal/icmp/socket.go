package icmp

import (
	"errors"
	"net"
	"os"
	"time"
)

var (
	// ErrTimeout is returned by Conn.Recv when nothing arrives in time.
	ErrTimeout = errors.New("icmp: receive timeout")

	// ErrSocketUnavailable wraps any failure to open or bind a raw socket.
	// It is fatal for the host that hit it.
	ErrSocketUnavailable = errors.New("icmp: raw socket unavailable")
)

// Conn is one raw ICMP socket.
type Conn interface {
	// Send transmits pkt to dst.
	Send(pkt []byte, dst net.IP) error
	// Recv waits up to timeout for one datagram and copies it into buf,
	// IPv4 header included. It returns ErrTimeout when the wait expires.
	Recv(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// Dialer opens raw sockets.
type Dialer interface {
	// Dial opens a fresh socket. bind, when non-empty, is the IPv4 source
	// address to bind to.
	Dial(bind string) (Conn, error)
}

// RawDialer opens real raw sockets through the operating system.
type RawDialer struct{}

// Dial implements Dialer.
func (RawDialer) Dial(bind string) (Conn, error) {
	return openRaw(bind)
}

// ProcessIdentifier returns the Echo identifier every probe in this process
// uses.
func ProcessIdentifier() uint16 {
	return uint16(os.Getpid() & 0xffff)
}

// dropOptions moves the ICMP message in buf so it starts right after a
// fixed-size IPv4 header, discarding any IP options. It returns the new
// datagram length.
func dropOptions(buf []byte, hdrLen, payloadLen int) int {
	if hdrLen <= IPv4HeaderLen {
		return hdrLen + payloadLen
	}
	copy(buf[IPv4HeaderLen:], buf[hdrLen:hdrLen+payloadLen])
	buf[0] = buf[0]&0xf0 | IPv4HeaderLen/4
	return IPv4HeaderLen + payloadLen
}
